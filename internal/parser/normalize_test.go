package parser

import "encoding/json"

// normalizeJSON re-marshals a JSON string through a generic interface{} so
// tests can compare two JSON documents for semantic equality regardless of
// key order or whitespace.
func normalizeJSON(s string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
