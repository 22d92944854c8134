package evaluator

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// RuleKind tags a Rule variant.
type RuleKind string

const (
	RuleEquals   RuleKind = "equals"
	RuleLengthGT RuleKind = "length_gt"
	RuleTruthy   RuleKind = "truthy"
	RuleAll      RuleKind = "all"
)

// Rule is a declarative success condition over a JSON document. Paths use
// gjson syntax ("data.items.0.id").
//
// Configured as {"path":p,"equals":v}, {"path":p,"length_gt":n}, {"path":p}
// or {"all":[...]}.
type Rule struct {
	Kind     RuleKind
	Path     string
	Equals   any
	LengthGT int
	All      []Rule
}

// Equals builds an equality rule.
func Equals(path string, value any) Rule {
	return Rule{Kind: RuleEquals, Path: path, Equals: normalizeLiteral(value)}
}

// Truthy builds a truthiness rule.
func Truthy(path string) Rule { return Rule{Kind: RuleTruthy, Path: path} }

// Match evaluates the rule against doc.
func (r Rule) Match(doc gjson.Result) bool {
	switch r.Kind {
	case RuleAll:
		for _, sub := range r.All {
			if !sub.Match(doc) {
				return false
			}
		}
		return len(r.All) > 0
	case RuleEquals:
		return equalsLiteral(doc.Get(r.Path), r.Equals)
	case RuleLengthGT:
		return length(doc.Get(r.Path)) > r.LengthGT
	case RuleTruthy:
		return truthy(doc.Get(r.Path))
	}
	return false
}

// MatchBytes parses raw as JSON and evaluates the rule.
func (r Rule) MatchBytes(raw []byte) bool {
	return r.Match(gjson.ParseBytes(raw))
}

func equalsLiteral(v gjson.Result, want any) bool {
	if !v.Exists() {
		return false
	}
	switch w := want.(type) {
	case nil:
		return v.Type == gjson.Null
	case bool:
		return (v.Type == gjson.True || v.Type == gjson.False) && v.Bool() == w
	case float64:
		return v.Type == gjson.Number && v.Num == w
	case string:
		return v.Type == gjson.String && v.Str == w
	}
	return false
}

func length(v gjson.Result) int {
	switch {
	case v.IsArray():
		return len(v.Array())
	case v.IsObject():
		return len(v.Map())
	case v.Type == gjson.String:
		return len(v.Str)
	}
	return -1
}

func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return v.Num != 0 && !math.IsNaN(v.Num)
	case gjson.String:
		return v.Str != ""
	case gjson.JSON:
		return true
	}
	return false
}

// ParseRule builds a Rule from its decoded configuration map.
func ParseRule(raw map[string]any) (Rule, error) {
	if subs, ok := raw["all"]; ok {
		list, ok := subs.([]any)
		if !ok || len(list) == 0 {
			return Rule{}, fmt.Errorf("rule all must be a non-empty list")
		}
		rule := Rule{Kind: RuleAll}
		for i, item := range list {
			m, ok := toStringMap(item)
			if !ok {
				return Rule{}, fmt.Errorf("rule all[%d] must be an object", i)
			}
			sub, err := ParseRule(m)
			if err != nil {
				return Rule{}, fmt.Errorf("rule all[%d]: %w", i, err)
			}
			rule.All = append(rule.All, sub)
		}
		return rule, nil
	}

	path, _ := raw["path"].(string)
	path = strings.TrimSpace(path)
	if path == "" {
		return Rule{}, fmt.Errorf("rule path is required")
	}
	if value, ok := raw["equals"]; ok {
		return Rule{Kind: RuleEquals, Path: path, Equals: normalizeLiteral(value)}, nil
	}
	if value, ok := raw["length_gt"]; ok {
		n, ok := normalizeLiteral(value).(float64)
		if !ok || n != math.Trunc(n) {
			return Rule{}, fmt.Errorf("rule length_gt must be an integer")
		}
		return Rule{Kind: RuleLengthGT, Path: path, LengthGT: int(n)}, nil
	}
	return Truthy(path), nil
}

// UnmarshalJSON decodes the configuration form.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode rule: %w", err)
	}
	rule, err := ParseRule(raw)
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

// UnmarshalYAML decodes the configuration form from a catalog file.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("decode rule: %w", err)
	}
	rule, err := ParseRule(raw)
	if err != nil {
		return err
	}
	*r = rule
	return nil
}

// MarshalJSON encodes the configuration form.
func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.configForm())
}

func (r Rule) configForm() map[string]any {
	switch r.Kind {
	case RuleAll:
		subs := make([]any, len(r.All))
		for i, sub := range r.All {
			subs[i] = sub.configForm()
		}
		return map[string]any{"all": subs}
	case RuleEquals:
		return map[string]any{"path": r.Path, "equals": r.Equals}
	case RuleLengthGT:
		return map[string]any{"path": r.Path, "length_gt": r.LengthGT}
	}
	return map[string]any{"path": r.Path}
}

// normalizeLiteral maps decoded numbers of any width onto float64, the type
// gjson reports for JSON numbers.
func normalizeLiteral(value any) any {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return v.String()
		}
		return f
	}
	return value
}

func toStringMap(value any) (map[string]any, bool) {
	switch m := value.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			key, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[key] = v
		}
		return out, true
	}
	return nil, false
}
