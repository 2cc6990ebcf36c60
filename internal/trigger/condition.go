package trigger

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// evaluateCondition is a pure function of (condition, payload): no side
// effects, same inputs always produce the same result. Conditions are a
// small JSON-shaped expression language:
//
//	{"field": "qScore", "op": "lt", "value": 50}
//	{"field": "verdict", "op": "eq", "value": "reject"}
//	{"field": "itemContent", "op": "contains", "value": "TODO"}
//	{"field": "itemContent", "op": "matches", "value": "(?i)urgent"}
//	{"all": [cond, cond, ...]}   // composite: every sub-condition matches
//	{"any": [cond, cond, ...]}   // composite: at least one sub-condition matches
//
// A nil or empty condition matches unconditionally.
func evaluateCondition(condition map[string]interface{}, payload any) bool {
	if len(condition) == 0 {
		return true
	}
	if subs, ok := condition["all"].([]interface{}); ok {
		for _, s := range subs {
			sub, ok := s.(map[string]interface{})
			if !ok || !evaluateCondition(sub, payload) {
				return false
			}
		}
		return true
	}
	if subs, ok := condition["any"].([]interface{}); ok {
		for _, s := range subs {
			sub, ok := s.(map[string]interface{})
			if ok && evaluateCondition(sub, payload) {
				return true
			}
		}
		return false
	}

	field, _ := condition["field"].(string)
	op, _ := condition["op"].(string)
	want := condition["value"]
	if field == "" || op == "" {
		return false
	}

	pm, ok := toMap(payload)
	if !ok {
		return false
	}
	got, present := pm[field]
	if !present {
		return false
	}

	switch op {
	case "eq":
		return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
	case "neq":
		return fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want)
	case "lt", "lte", "gt", "gte":
		g, gok := toFloat(got)
		w, wok := toFloat(want)
		if !gok || !wok {
			return false
		}
		switch op {
		case "lt":
			return g < w
		case "lte":
			return g <= w
		case "gt":
			return g > w
		case "gte":
			return g >= w
		}
	case "contains":
		gs, gok := got.(string)
		ws, wok := want.(string)
		return gok && wok && strings.Contains(gs, ws)
	case "matches":
		gs, gok := got.(string)
		ws, wok := want.(string)
		if !gok || !wok {
			return false
		}
		re, err := regexp.Compile(ws)
		if err != nil {
			return false
		}
		return re.MatchString(gs)
	}
	return false
}

// toMap normalizes payload (typically a model.Judgment or a plain
// map[string]any) into a field map via a JSON round-trip, so conditions can
// address fields by their JSON tag name regardless of the payload's
// concrete Go type.
func toMap(payload any) (map[string]interface{}, bool) {
	if m, ok := payload.(map[string]interface{}); ok {
		return m, true
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, false
	}
	return m, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
