package chttp

import (
	"net/http"

	"github.com/ethanyzhang/chttp/chjson"
)

// Response headers sent by the server.
const (
	SummaryHeader           = "X-ClickHouse-Summary"
	ProgressHeader          = "X-ClickHouse-Progress"
	QueryIDHeader           = "X-ClickHouse-Query-Id"
	FormatHeader            = "X-ClickHouse-Format"
	TimeZoneHeader          = "X-ClickHouse-Timezone"
	ServerDisplayNameHeader = "X-ClickHouse-Server-Display-Name"
	ExceptionCodeHeader     = "X-ClickHouse-Exception-Code"
)

// Summary holds the execution counters the server reports for a query.
// Counters that were absent or malformed are zero.
type Summary struct {
	ReadRows        uint64
	ReadBytes       uint64
	WrittenRows     uint64
	WrittenBytes    uint64
	TotalRowsToRead uint64
	ResultRows      uint64
	ResultBytes     uint64
	ElapsedNS       uint64
}

// ParseSummary extracts the summary header. It never fails: a missing header
// or invalid JSON yields a zero Summary and a malformed field is left zero.
func ParseSummary(h http.Header) Summary {
	return summaryFromJSON(h.Get(SummaryHeader))
}

// ParseProgress extracts the most recent progress header. The server repeats
// the header while a query runs, each value being cumulative.
func ParseProgress(h http.Header) Summary {
	values := h.Values(ProgressHeader)
	if len(values) == 0 {
		return Summary{}
	}
	return summaryFromJSON(values[len(values)-1])
}

func summaryFromJSON(raw string) Summary {
	if raw == "" {
		return Summary{}
	}
	counters := chjson.DecodeCounters([]byte(raw))
	return Summary{
		ReadRows:        uint64(counters["read_rows"]),
		ReadBytes:       uint64(counters["read_bytes"]),
		WrittenRows:     uint64(counters["written_rows"]),
		WrittenBytes:    uint64(counters["written_bytes"]),
		TotalRowsToRead: uint64(counters["total_rows_to_read"]),
		ResultRows:      uint64(counters["result_rows"]),
		ResultBytes:     uint64(counters["result_bytes"]),
		ElapsedNS:       uint64(counters["elapsed_ns"]),
	}
}
