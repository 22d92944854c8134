package evaluator

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestRuleMatch(t *testing.T) {
	doc := []byte(`{
		"completed": true,
		"status": "done",
		"score": 12,
		"items": [1, 2, 3],
		"empty": [],
		"name": "",
		"nested": {"ok": 1}
	}`)

	tests := []struct {
		name string
		rule string
		want bool
	}{
		{name: "equals bool", rule: `{"path":"completed","equals":true}`, want: true},
		{name: "equals string", rule: `{"path":"status","equals":"done"}`, want: true},
		{name: "equals number", rule: `{"path":"score","equals":12}`, want: true},
		{name: "equals type mismatch", rule: `{"path":"score","equals":"12"}`, want: false},
		{name: "equals missing path", rule: `{"path":"nope","equals":true}`, want: false},
		{name: "length_gt array", rule: `{"path":"items","length_gt":2}`, want: true},
		{name: "length_gt empty", rule: `{"path":"empty","length_gt":0}`, want: false},
		{name: "truthy number", rule: `{"path":"nested.ok"}`, want: true},
		{name: "truthy empty string", rule: `{"path":"name"}`, want: false},
		{name: "truthy missing", rule: `{"path":"missing"}`, want: false},
		{name: "all pass", rule: `{"all":[{"path":"completed","equals":true},{"path":"items","length_gt":1}]}`, want: true},
		{name: "all one fails", rule: `{"all":[{"path":"completed","equals":true},{"path":"items","length_gt":5}]}`, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rule Rule
			if err := json.Unmarshal([]byte(tt.rule), &rule); err != nil {
				t.Fatalf("decode rule: %v", err)
			}
			if got := rule.MatchBytes(doc); got != tt.want {
				t.Fatalf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuleDecodeErrors(t *testing.T) {
	for _, raw := range []string{`{}`, `{"all":[]}`, `{"path":"x","length_gt":"two"}`, `{"all":[{"equals":1}]}`} {
		var rule Rule
		if err := json.Unmarshal([]byte(raw), &rule); err == nil {
			t.Fatalf("decode %s: expected error", raw)
		}
	}
}

func TestRuleDecodeYAML(t *testing.T) {
	var rule Rule
	src := "all:\n  - path: data.count\n    equals: 3\n  - path: data.items\n    length_gt: 0\n"
	if err := yaml.Unmarshal([]byte(src), &rule); err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if rule.Kind != RuleAll || len(rule.All) != 2 {
		t.Fatalf("rule = %+v, want all with two rules", rule)
	}
	if !rule.MatchBytes([]byte(`{"data":{"count":3,"items":["a"]}}`)) {
		t.Fatal("yaml rule did not match")
	}
}

func TestRuleJSONRoundTripKeepsSemantics(t *testing.T) {
	rule := Rule{Kind: RuleAll, All: []Rule{Equals("a", "x"), {Kind: RuleLengthGT, Path: "b", LengthGT: 1}, Truthy("c")}}
	encoded, err := json.Marshal(rule)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded Rule
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	doc := []byte(`{"a":"x","b":[1,2],"c":true}`)
	if !decoded.MatchBytes(doc) {
		t.Fatalf("decoded rule %s did not match", encoded)
	}
}
