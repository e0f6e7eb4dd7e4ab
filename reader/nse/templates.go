package nse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/golang-sql/civil"

	"bhavflow/config"
)

// urlData is the value URL templates are executed against.
type urlData struct {
	Table  string
	Index  string
	Symbol string
	Start  civil.Date
	End    civil.Date
	Date   civil.Date
}

var templateFuncs = template.FuncMap{
	"date": func(d civil.Date, layout string) string {
		return d.In(time.UTC).Format(layout)
	},
	"upper":    strings.ToUpper,
	"escape":   url.PathEscape,
	"archives": archivesParam,
}

// archivesParam renders the JSON archive selector of the reports API,
// percent-encoded with only "(" and ")" left bare.
func archivesParam(name, category, section string) (string, error) {
	selector := []struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Category string `json:"category"`
		Section  string `json:"section"`
	}{{Name: name, Type: "archives", Category: category, Section: section}}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(selector); err != nil {
		return "", err
	}
	escaped := url.QueryEscape(strings.TrimSpace(buf.String()))
	return strings.NewReplacer("+", "%20", "%28", "(", "%29", ")").Replace(escaped), nil
}

func parseTemplate(name, text string) (*template.Template, error) {
	t, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s url template: %w", name, err)
	}
	return t, nil
}

func render(t *template.Template, data urlData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s url: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// archiveVintage is a compiled config.ArchiveEndpoint.
type archiveVintage struct {
	from    civil.Date
	check   *template.Template
	archive *template.Template
}

func compileVintages(name string, eps []config.ArchiveEndpoint) ([]archiveVintage, error) {
	out := make([]archiveVintage, 0, len(eps))
	for i, ep := range eps {
		from, err := civil.ParseDate(ep.From)
		if err != nil {
			return nil, fmt.Errorf("%s endpoint %d: %w", name, i, err)
		}
		v := archiveVintage{from: from}
		if ep.Check != "" {
			if v.check, err = parseTemplate(name+"-check", ep.Check); err != nil {
				return nil, err
			}
		}
		if v.archive, err = parseTemplate(name+"-archive", ep.Archive); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].from.Before(out[j].from) })
	return out, nil
}

// vintageFor returns the newest vintage starting on or before d.
func vintageFor(vintages []archiveVintage, d civil.Date) (archiveVintage, bool) {
	for i := len(vintages) - 1; i >= 0; i-- {
		if !d.Before(vintages[i].from) {
			return vintages[i], true
		}
	}
	return archiveVintage{}, false
}
