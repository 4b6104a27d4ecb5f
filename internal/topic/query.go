package topic

import (
	"strconv"
	"strings"
)

// queryAtom is one `name[:modifier]=value[,value…]` term of a query string.
type queryAtom struct {
	name     string
	modifier string // "", "not", "in", "not-in", "missing"
	values   []string
}

// parseQuery splits a query string (atoms joined by '&') into its atoms. A
// blank query parses to an empty, vacuously-true atom list.
func parseQuery(query string) []queryAtom {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	parts := strings.Split(query, "&")
	atoms := make([]queryAtom, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		nameModifier, value, _ := strings.Cut(part, "=")
		name, modifier, hasModifier := strings.Cut(nameModifier, ":")
		if !hasModifier {
			modifier = ""
		}
		var values []string
		for _, v := range strings.Split(value, ",") {
			values = append(values, strings.TrimSpace(v))
		}
		atoms = append(atoms, queryAtom{name: strings.TrimSpace(name), modifier: modifier, values: values})
	}
	return atoms
}

// evaluateQuery evaluates a query string against resource.
// A nil resource (e.g. an absent previous on create) satisfies a blank
// query; every atom over a nil resource treats the field as absent, so
// "not", "not-in", and "missing=true" atoms pass and the others fail.
func evaluateQuery(query string, resource map[string]interface{}, diag func(string)) bool {
	atoms := parseQuery(query)
	for _, atom := range atoms {
		if !evaluateAtom(atom, resource, diag) {
			return false // atoms are conjunctive
		}
	}
	return true
}

func evaluateAtom(atom queryAtom, resource map[string]interface{}, diag func(string)) bool {
	actual, present := extractField(resource, atom.name)

	switch atom.modifier {
	case "missing":
		want := len(atom.values) > 0 && atom.values[0] == "true"
		return !present == want
	case "", "not", "in":
		// disjunctive over values: true if any value's test passes.
		for _, v := range atom.values {
			eq := present && actual == v
			var pass bool
			if atom.modifier == "not" {
				pass = !eq
			} else {
				pass = eq // "" (eq) and "in" share plain equality-per-value
			}
			if pass {
				return true
			}
		}
		return false
	case "not-in":
		// true set-non-membership is inherently conjunctive: actual must not
		// equal any listed value, which cannot be expressed as a
		// disjunction-over-values rule like the other modifiers.
		if !present {
			return true
		}
		for _, v := range atom.values {
			if actual == v {
				return false
			}
		}
		return true
	default:
		if diag != nil {
			diag("topic: unknown query modifier " + atom.modifier + " on " + atom.name + "; atom evaluates false")
		}
		return false
	}
}

// extractField reads a dotted field path from a resource map, reporting
// presence as well as value so the "missing" modifier can distinguish
// absence from a falsy value.
func extractField(resource map[string]interface{}, path string) (string, bool) {
	if resource == nil || path == "" {
		return "", false
	}
	var cur interface{} = resource
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		v, exists := m[seg]
		if !exists {
			return "", false
		}
		cur = v
	}
	return toQueryString(cur)
}

func toQueryString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), true
	default:
		return "", false
	}
}
