package nse

import (
	"net/http"
	"strings"
)

// headerTransport sets a fixed header set on every request. A "Host" entry
// only applies to requests whose URL already targets that host; it never
// reroutes a request to another virtual host. Accept-Encoding is left to
// net/http so gzip responses are decoded transparently.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		switch {
		case strings.EqualFold(k, "Host"):
			if strings.EqualFold(v, req.URL.Host) || strings.EqualFold(v, req.URL.Hostname()) {
				req.Host = v
			}
		case strings.EqualFold(k, "Accept-Encoding"):
		default:
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}
