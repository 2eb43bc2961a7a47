package parser

import "testing"

func TestRepair(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"already valid", `{"a":1}`, `{"a":1}`, false},
		{"trailing comma object", `{"a":1,}`, `{"a":1}`, false},
		{"trailing comma array", `{"a":[1,2,],"b":3}`, `{"a":[1,2],"b":3}`, false},
		{"single quoted strings", `{'a': 'b'}`, `{"a": "b"}`, false},
		{"unquoted keys", `{a: 1, b: "x"}`, `{"a": 1, "b": "x"}`, false},
		{"python literals", `{"ok": True, "err": False, "val": None}`, `{"ok": true, "err": false, "val": null}`, false},
		{"prose wrapped with trailing junk", `{"a": 1} and then some notes`, `{"a": 1}`, false},
		{"empty input", ``, ``, true},
		{"no braces at all", `not json at all`, ``, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Repair(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Repair(%q) expected error, got nil (result=%q)", tc.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Repair(%q) unexpected error: %v", tc.input, err)
			}
			if !jsonEqual(t, got, tc.want) {
				t.Errorf("Repair(%q) = %q, want semantically %q", tc.input, got, tc.want)
			}
		})
	}
}

func jsonEqual(t *testing.T, a, b string) bool {
	t.Helper()
	na, erra := normalizeJSON(a)
	nb, errb := normalizeJSON(b)
	if erra != nil || errb != nil {
		return a == b
	}
	return na == nb
}
