package nse

import (
	"fmt"

	"github.com/golang-sql/civil"

	"bhavflow/config"
	"bhavflow/models"
)

// Status classifies the outcome of a fetch.
type Status int

const (
	// StatusData means the payload was retrieved and decoded.
	StatusData Status = iota
	// StatusNotAvailable means the upstream reported no data (holiday,
	// pre-listing). It is routine.
	StatusNotAvailable
	// StatusTransportFailure covers network errors, non-success statuses
	// and unexpected response shapes.
	StatusTransportFailure
	// StatusParseFailure means the payload arrived but could not be decoded
	// as tabular data. Payload keeps the raw bytes.
	StatusParseFailure
)

func (s Status) String() string {
	switch s {
	case StatusData:
		return "data"
	case StatusNotAvailable:
		return "not_available"
	case StatusTransportFailure:
		return "transport_failure"
	case StatusParseFailure:
		return "parse_failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Request names one unit of upstream data. Daily tables use Date; index
// tables use Range, and Index for the index table.
type Request struct {
	Table models.Table
	Range models.DateRange
	Date  civil.Date
	Index config.IndexSpec
}

func (r Request) String() string {
	if r.Table.Daily() {
		return fmt.Sprintf("%s %s", r.Table, r.Date)
	}
	if r.Index.Symbol != "" {
		return fmt.Sprintf("%s %s %s", r.Table, r.Index.Symbol, r.Range)
	}
	return fmt.Sprintf("%s %s", r.Table, r.Range)
}

// FetchResult is the classified outcome of Fetch. Batch is set for
// StatusData; Reason and Err describe failures.
type FetchResult struct {
	Status  Status
	URL     string
	Batch   *models.RawRecordBatch
	Payload []byte
	Reason  string
	Err     error
}

func dataResult(url string, batch *models.RawRecordBatch) FetchResult {
	return FetchResult{Status: StatusData, URL: url, Batch: batch}
}

func notAvailable(url, reason string) FetchResult {
	return FetchResult{Status: StatusNotAvailable, URL: url, Reason: reason}
}

func transportFailure(url string, err error) FetchResult {
	return FetchResult{Status: StatusTransportFailure, URL: url, Reason: err.Error(), Err: err}
}

func parseFailure(url string, payload []byte, err error) FetchResult {
	return FetchResult{Status: StatusParseFailure, URL: url, Payload: payload, Reason: err.Error(), Err: err}
}
