package nse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"bhavflow/config"
	"bhavflow/logger"
	"bhavflow/models"
)

const maxPayloadBytes = 256 << 20

// Client fetches raw payloads from the exchange archive. Requests are
// sequential, paced by a token bucket and retried with exponential backoff
// on transport errors, 429 and 5xx.
type Client struct {
	cfg     config.SourceConfig
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Log

	index       *template.Template
	vix         *template.Template
	equity      []archiveVintage
	derivatives []archiveVintage
}

// NewClient builds a Client from cfg using a default HTTP transport.
func NewClient(cfg *config.Config) (*Client, error) {
	return NewClientWithHTTP(cfg, nil)
}

// NewClientWithHTTP builds a Client over hc. The configured headers are
// injected by wrapping hc's transport; hc itself is not modified.
func NewClientWithHTTP(cfg *config.Config, hc *http.Client) (*Client, error) {
	src := cfg.Source

	base := http.DefaultTransport
	timeout := src.Timeout
	if hc != nil {
		if hc.Transport != nil {
			base = hc.Transport
		}
		if hc.Timeout > 0 {
			timeout = hc.Timeout
		}
	}

	burst := src.Burst
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(src.RequestsPerSecond)
	if src.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}

	c := &Client{
		cfg: src,
		http: &http.Client{
			Timeout:   timeout,
			Transport: headerTransport{headers: src.Headers, base: base},
		},
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.GetLogger(),
	}

	var err error
	if c.index, err = parseTemplate("index", src.Endpoints.Index); err != nil {
		return nil, err
	}
	if c.vix, err = parseTemplate("vix", src.Endpoints.VIX); err != nil {
		return nil, err
	}
	if c.equity, err = compileVintages("equity", src.Endpoints.Equity); err != nil {
		return nil, err
	}
	if c.derivatives, err = compileVintages("derivatives", src.Endpoints.Derivatives); err != nil {
		return nil, err
	}
	return c, nil
}

// Fetch retrieves the payload for req and classifies the outcome. It never
// returns a Go error; failures are carried in the result.
func (c *Client) Fetch(ctx context.Context, req Request) FetchResult {
	start := time.Now()
	var res FetchResult
	switch req.Table {
	case models.TableIndex, models.TableVIX:
		res = c.fetchIndex(ctx, req)
	case models.TableEquity:
		res = c.fetchBhav(ctx, req, c.equity)
	case models.TableDerivatives:
		res = c.fetchBhav(ctx, req, c.derivatives)
	default:
		res = transportFailure("", fmt.Errorf("no endpoint for table %q", req.Table))
	}

	log := c.log.WithComponent("nse_reader").WithFields(logger.Fields{
		"table":  string(req.Table),
		"unit":   req.String(),
		"url":    res.URL,
		"status": res.Status.String(),
	})
	logger.LogPerformanceEntry(log, "nse_reader", "fetch", time.Since(start), nil)
	switch res.Status {
	case StatusTransportFailure:
		log.WithFields(logger.Fields{"reason": res.Reason}).Error("transport failure fetching upstream data")
	case StatusParseFailure:
		log.WithFields(logger.Fields{"reason": res.Reason}).Warn("upstream payload could not be parsed")
	case StatusNotAvailable:
		log.WithFields(logger.Fields{"reason": res.Reason}).Info("no upstream data")
	default:
		logger.LogDataFlowEntry(log, "nse", "normalizer", res.Batch.Len(), "records")
	}
	return res
}

func (c *Client) fetchIndex(ctx context.Context, req Request) FetchResult {
	tmpl := c.vix
	data := urlData{Table: string(req.Table), Start: req.Range.Start, End: req.Range.End}
	if req.Table == models.TableIndex {
		tmpl = c.index
		data.Index = req.Index.Name
		data.Symbol = req.Index.Symbol
	}
	if limit := c.cfg.ChunkDays; limit > 0 && req.Range.Days() > limit {
		return transportFailure("", fmt.Errorf("window %s exceeds %d days", req.Range, limit))
	}
	u, err := render(tmpl, data)
	if err != nil {
		return transportFailure("", err)
	}

	body, status, err := c.get(ctx, u)
	if err != nil {
		return transportFailure(u, err)
	}
	if status != http.StatusOK {
		return transportFailure(u, fmt.Errorf("unexpected status %d", status))
	}
	logger.RecordFetch(string(req.Table), len(body))
	if bytes.Contains(body, []byte(noRecordsMarker)) {
		return notAvailable(u, noRecordsMarker)
	}

	text, err := extractEmbeddedCSV(body)
	if err != nil {
		return parseFailure(u, body, err)
	}
	header, records, err := decodeCSV(text)
	if err != nil {
		return parseFailure(u, body, err)
	}
	return dataResult(u, &models.RawRecordBatch{
		Table:   req.Table,
		URL:     u,
		Range:   req.Range,
		Symbol:  data.Symbol,
		Header:  header,
		Records: records,
		Payload: text,
	})
}

func (c *Client) fetchBhav(ctx context.Context, req Request, vintages []archiveVintage) FetchResult {
	v, ok := vintageFor(vintages, req.Date)
	if !ok {
		return notAvailable("", fmt.Sprintf("%s predates the earliest %s archive", req.Date, req.Table))
	}
	data := urlData{Table: string(req.Table), Start: req.Date, End: req.Date, Date: req.Date}

	if v.check != nil {
		checkURL, err := render(v.check, data)
		if err != nil {
			return transportFailure("", err)
		}
		body, status, err := c.get(ctx, checkURL)
		if err != nil {
			return transportFailure(checkURL, err)
		}
		if bytes.Contains(body, []byte(noFileMarker)) {
			return notAvailable(checkURL, noFileMarker)
		}
		if status != http.StatusOK {
			return transportFailure(checkURL, fmt.Errorf("existence check returned status %d", status))
		}
	}

	u, err := render(v.archive, data)
	if err != nil {
		return transportFailure("", err)
	}
	body, status, err := c.get(ctx, u)
	if err != nil {
		return transportFailure(u, err)
	}
	if status != http.StatusOK {
		// Vintages without an existence check signal holidays with 404.
		if v.check == nil && status == http.StatusNotFound {
			return notAvailable(u, "archive not found")
		}
		return transportFailure(u, fmt.Errorf("archive download returned status %d", status))
	}
	logger.RecordFetch(string(req.Table), len(body))

	text, err := unzipNested(body, c.cfg.MaxZipDepth)
	if err != nil {
		return parseFailure(u, body, err)
	}
	header, records, err := decodeCSV(text)
	if err != nil {
		return parseFailure(u, text, err)
	}
	return dataResult(u, &models.RawRecordBatch{
		Table:   req.Table,
		URL:     u,
		Date:    req.Date,
		Range:   models.DateRange{Start: req.Date, End: req.Date},
		Header:  header,
		Records: records,
		Payload: text,
	})
}

// retryableStatus reports statuses worth another attempt.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	r := c.cfg.Retry
	eb := backoff.NewExponentialBackOff()
	if r.BaseDelay > 0 {
		eb.InitialInterval = r.BaseDelay
	}
	if r.MaxDelay > 0 {
		eb.MaxInterval = r.MaxDelay
	}
	if r.BackoffMultiplier > 0 {
		eb.Multiplier = r.BackoffMultiplier
	}
	eb.MaxElapsedTime = 0
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// get performs a paced GET with retries. Non-retryable statuses are
// returned with their body and no error.
func (c *Client) get(ctx context.Context, u string) ([]byte, int, error) {
	var body []byte
	var status int
	attempt := 0

	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		body, status = b, resp.StatusCode
		if retryableStatus(resp.StatusCode) {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.WithComponent("nse_reader").WithFields(logger.Fields{
			"url":     u,
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
		}).WithError(err).Warn("retrying request")
	}

	err := backoff.RetryNotify(op, c.newBackOff(ctx), notify)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		// A retryable status that exhausted its attempts is still a response.
		if status != 0 && retryableStatus(status) && ctx.Err() == nil {
			return body, status, nil
		}
		return nil, 0, err
	}
	return body, status, nil
}
