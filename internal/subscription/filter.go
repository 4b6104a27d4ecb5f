package subscription

import (
	"strconv"
	"strings"
)

// matchesFilters implements the Filter Evaluator: for a
// candidate resource of type resourceType, F = filters[resourceType] ∪
// filters["*"]; the candidate passes iff it satisfies every filter,
// grouped disjunctively by name and conjunctively across names.
func matchesFilters(filters map[string][]Filter, resourceType string, resource map[string]interface{}) bool {
	groups := make(map[string][]Filter)
	for _, f := range filters[resourceType] {
		groups[f.Name] = append(groups[f.Name], f)
	}
	for _, f := range filters["*"] {
		groups[f.Name] = append(groups[f.Name], f)
	}

	for _, group := range groups {
		if !matchesAnyFilter(group, resource) {
			return false
		}
	}
	return true
}

func matchesAnyFilter(group []Filter, resource map[string]interface{}) bool {
	for _, f := range group {
		if matchesFilter(f, resource) {
			return true
		}
	}
	return false
}

func matchesFilter(f Filter, resource map[string]interface{}) bool {
	actual, present := extractFilterValue(resource, f.Name)
	if !present {
		return false
	}

	if f.Modifier == "contains" {
		return strings.Contains(toFilterString(actual), f.Value)
	}

	switch f.Comparator {
	case "", ComparatorEq:
		return compareEquality(actual, f.Value, false)
	case ComparatorNe:
		return compareEquality(actual, f.Value, true)
	case ComparatorGt, ComparatorGe, ComparatorLt, ComparatorLe:
		return compareOrdered(actual, f.Value, f.Comparator)
	default:
		return false
	}
}

func compareEquality(actual interface{}, value string, negate bool) bool {
	eq := toFilterString(actual) == value
	if negate {
		return !eq
	}
	return eq
}

func compareOrdered(actual interface{}, value string, cmp Comparator) bool {
	af, aok := toFloat(actual)
	vf, verr := strconv.ParseFloat(value, 64)
	if !aok || verr != nil {
		// Not numerically comparable: fall back to lexical string ordering.
		as := toFilterString(actual)
		switch cmp {
		case ComparatorGt:
			return as > value
		case ComparatorGe:
			return as >= value
		case ComparatorLt:
			return as < value
		case ComparatorLe:
			return as <= value
		}
		return false
	}
	switch cmp {
	case ComparatorGt:
		return af > vf
	case ComparatorGe:
		return af >= vf
	case ComparatorLt:
		return af < vf
	case ComparatorLe:
		return af <= vf
	}
	return false
}

func extractFilterValue(resource map[string]interface{}, path string) (interface{}, bool) {
	if resource == nil || path == "" {
		return nil, false
	}
	var cur interface{} = resource
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, exists := m[seg]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func toFilterString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return ""
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
