package chjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Counter is an unsigned counter as the server reports it in its summary and
// progress headers. The server quotes 64-bit values as JSON strings, older
// versions send plain numbers; both are accepted.
type Counter uint64

func (c Counter) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(c), 10))
}

func (c *Counter) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid counter %q: %w", string(b), err)
	}
	*c = Counter(v)
	return nil
}

// DecodeCounters decodes a flat JSON object of counters. Fields that are not
// valid counters are skipped rather than failing the whole object, so a
// single malformed value never hides the rest. The returned map is nil when
// raw is not a JSON object.
func DecodeCounters(raw []byte) map[string]Counter {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	counters := make(map[string]Counter, len(fields))
	for name, value := range fields {
		var c Counter
		if err := c.UnmarshalJSON(value); err != nil {
			continue
		}
		counters[name] = c
	}
	return counters
}
