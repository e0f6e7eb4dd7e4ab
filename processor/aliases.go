package processor

import (
	"strings"

	"bhavflow/models"
)

// ContainsRule renames any header containing Substr to Name. Matching is
// case-sensitive, so "Date3" matches "Date" but "TIMESTAMP" does not.
type ContainsRule struct {
	Substr string
	Name   string
}

// AliasVersion describes one upstream format vintage for a set of tables.
// A version is active for a payload when every column in Detect appears in
// the raw header; an empty Detect list is always active. Later active
// versions override earlier ones.
type AliasVersion struct {
	Name     string
	Tables   []models.Table
	Detect   []string
	Exact    map[string]string
	Contains []ContainsRule
	// Values maps canonical column -> raw value -> canonical value.
	Values map[string]map[string]string
	// Divide scales the parsed numeric value of a canonical column down.
	Divide map[string]float64
}

func (v *AliasVersion) appliesTo(t models.Table) bool {
	for _, x := range v.Tables {
		if x == t {
			return true
		}
	}
	return false
}

func (v *AliasVersion) detected(header []string) bool {
	for _, want := range v.Detect {
		found := false
		for _, h := range header {
			if strings.TrimSpace(h) == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AliasVersions is the ordered list of known upstream vintages. Supporting a
// new upstream rename means adding an entry here.
var AliasVersions = []AliasVersion{
	{
		Name:   "historical-index-html",
		Tables: []models.Table{models.TableIndex, models.TableVIX},
		Contains: []ContainsRule{
			{Substr: "Date", Name: "TIMESTAMP"},
			{Substr: "Prev", Name: "PCLOSE"},
		},
		Exact: map[string]string{
			"SHARESTRADED":    "VOLUME",
			"TURNOVER(RS.CR)": "TURNOVER",
			"TURNOVER(RSCR)":  "TURNOVER",
			"%CHANGE":         "PERCENTAGE_CHANGE",
			"CHANGE(%)":       "PERCENTAGE_CHANGE",
		},
	},
	{
		Name:   "legacy-bhavcopy",
		Tables: []models.Table{models.TableEquity, models.TableDerivatives},
		Exact: map[string]string{
			"OPTIONTYPE":   "OPTION_TYP",
			"OPTION_TYPE":  "OPTION_TYP",
			"TOTAL_TRADES": "TOTALTRADES",
			"EXPIRY":       "EXPIRY_DT",
			"STRIKE_PRICE": "STRIKE_PR",
		},
	},
	{
		Name:   "udiff-cm-2024",
		Tables: []models.Table{models.TableEquity},
		Detect: []string{"TckrSymb"},
		Exact: map[string]string{
			"TradDt":          "TIMESTAMP",
			"TckrSymb":        "SYMBOL",
			"SctySrs":         "SERIES",
			"OpnPric":         "OPEN",
			"HghPric":         "HIGH",
			"LwPric":          "LOW",
			"ClsPric":         "CLOSE",
			"LastPric":        "LAST",
			"PrvsClsgPric":    "PREVCLOSE",
			"TtlTradgVol":     "TOTTRDQTY",
			"TtlTrfVal":       "TOTTRDVAL",
			"TtlNbOfTxsExctd": "TOTALTRADES",
		},
	},
	{
		Name:   "udiff-fo-2024",
		Tables: []models.Table{models.TableDerivatives},
		Detect: []string{"TckrSymb"},
		Exact: map[string]string{
			"TradDt":          "TIMESTAMP",
			"FinInstrmTp":     "INSTRUMENT",
			"TckrSymb":        "SYMBOL",
			"XpryDt":          "EXPIRY_DT",
			"StrkPric":        "STRIKE_PR",
			"OptnTp":          "OPTION_TYP",
			"OpnPric":         "OPEN",
			"HghPric":         "HIGH",
			"LwPric":          "LOW",
			"ClsPric":         "CLOSE",
			"SttlmPric":       "SETTLE_PR",
			"TtlTradgVol":     "CONTRACTS",
			"TtlTrfVal":       "VAL_INLAKH",
			"OpnIntrst":       "OPEN_INT",
			"ChngInOpnIntrst": "CHG_IN_OI",
		},
		Values: map[string]map[string]string{
			"INSTRUMENT": {
				"IDF": "FUTIDX",
				"STF": "FUTSTK",
				"IDO": "OPTIDX",
				"STO": "OPTSTK",
			},
		},
		// UDiFF reports turnover in rupees.
		Divide: map[string]float64{"VAL_INLAKH": 1e5},
	},
}

// aliasSet is the merged view of the versions active for one payload.
type aliasSet struct {
	names    []string
	exact    map[string]string
	contains []ContainsRule
	values   map[string]map[string]string
	divide   map[string]float64
}

func resolveAliases(versions []AliasVersion, table models.Table, header []string) *aliasSet {
	set := &aliasSet{
		exact:  make(map[string]string),
		values: make(map[string]map[string]string),
		divide: make(map[string]float64),
	}
	for i := range versions {
		v := &versions[i]
		if !v.appliesTo(table) || !v.detected(header) {
			continue
		}
		set.names = append(set.names, v.Name)
		for k, name := range v.Exact {
			set.exact[k] = name
		}
		set.contains = append(set.contains, v.Contains...)
		for col, m := range v.Values {
			set.values[col] = m
		}
		for col, f := range v.Divide {
			set.divide[col] = f
		}
	}
	return set
}

// canonical maps one raw header to its canonical column name: exact alias on
// the raw text, then substring rules, then an exact alias on the space
// stripped upper-cased form, which is also the fallback.
func (s *aliasSet) canonical(header string) string {
	h := strings.TrimSpace(strings.TrimPrefix(header, "\ufeff"))
	if name, ok := s.exact[h]; ok {
		return name
	}
	for _, r := range s.contains {
		if strings.Contains(h, r.Substr) {
			return r.Name
		}
	}
	folded := strings.ToUpper(strings.ReplaceAll(h, " ", ""))
	if name, ok := s.exact[folded]; ok {
		return name
	}
	return folded
}

// CanonicalHeaders renames a raw header set for table using the known alias
// versions.
func CanonicalHeaders(table models.Table, header []string) []string {
	set := resolveAliases(AliasVersions, table, header)
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = set.canonical(h)
	}
	return out
}
