package chttp

import (
	"fmt"
	"strings"
)

// KeyValue is one entry of an option list such as custom_http_headers.
type KeyValue struct {
	Key   string
	Value string
}

// ParseFactoryOptions parses a socket factory option string of the form
// "a=1, b = 2, c='3\,5'" into a map. Later duplicates win.
func ParseFactoryOptions(s string) (map[string]string, error) {
	pairs, err := parseKeyValuePairs(s)
	if err != nil {
		return nil, err
	}
	options := make(map[string]string, len(pairs))
	for _, p := range pairs {
		options[p.Key] = p.Value
	}
	return options, nil
}

// parseKeyValuePairs splits s on unquoted, unescaped commas and each entry on
// its first unquoted '='. Single quotes protect separators and are kept in
// the value. A backslash escapes the following character. Keys and values are
// trimmed and entries with an empty key are dropped.
func parseKeyValuePairs(s string) ([]KeyValue, error) {
	var (
		pairs   []KeyValue
		key     string
		haveKey bool
		quoted  bool
		buf     strings.Builder
	)

	flush := func() error {
		if !haveKey {
			rest := strings.TrimSpace(buf.String())
			buf.Reset()
			if rest == "" {
				return nil
			}
			return fmt.Errorf("entry %q has no '='", rest)
		}
		k := strings.TrimSpace(key)
		v := strings.TrimSpace(buf.String())
		buf.Reset()
		key, haveKey = "", false
		if k != "" {
			pairs = append(pairs, KeyValue{Key: k, Value: v})
		}
		return nil
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\\':
			if i+1 < len(s) {
				i++
				buf.WriteByte(s[i])
			}
		case ch == '\'':
			quoted = !quoted
			buf.WriteByte(ch)
		case quoted:
			buf.WriteByte(ch)
		case ch == '=' && !haveKey:
			key = buf.String()
			haveKey = true
			buf.Reset()
		case ch == ',':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			buf.WriteByte(ch)
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return pairs, nil
}
