package store

import (
	"fmt"
	"sort"
	"strings"
)

// matches reports whether a document satisfies every Where of a query.
func matches(doc Document, q Query) bool {
	for _, w := range q.Wheres {
		value, ok := lookupField(doc.Fields, w.Field)
		switch w.Op {
		case OpEqual:
			if !ok || !valuesEqual(value, w.Value) {
				return false
			}
		case OpArrayContains:
			if !ok || !arrayContains(value, w.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// applyQuery filters, orders and limits a collection snapshot.
func applyQuery(docs []Document, q Query) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if matches(doc, q) {
			out = append(out, doc)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		for _, order := range q.Orders {
			a, _ := lookupField(out[i].Fields, order.Field)
			b, _ := lookupField(out[j].Fields, order.Field)
			cmp := compareValues(a, b)
			if cmp == 0 {
				continue
			}
			if order.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return out[i].ID < out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		if q.LimitToLast {
			out = out[len(out)-q.Limit:]
		} else {
			out = out[:q.Limit]
		}
	}
	return out
}

// applyOps mutates decoded document fields in place.
func applyOps(fields map[string]any, ops []Op) error {
	for _, op := range ops {
		parent, key, err := resolvePath(fields, op.Field)
		if err != nil {
			return err
		}
		switch op.kind {
		case opSet:
			parent[key] = op.Value
		case opIncrement:
			parent[key] = toInt64(parent[key]) + op.Delta
		case opArrayUnion:
			arr := toStringSlice(parent[key])
			found := false
			for _, item := range arr {
				if item == op.Value {
					found = true
					break
				}
			}
			if !found {
				arr = append(arr, op.Value.(string))
			}
			parent[key] = arr
		case opArrayRemove:
			arr := toStringSlice(parent[key])
			kept := arr[:0]
			for _, item := range arr {
				if item != op.Value {
					kept = append(kept, item)
				}
			}
			parent[key] = kept
		default:
			return fmt.Errorf("unknown op kind %d for field %q", op.kind, op.Field)
		}
	}
	return nil
}

// resolvePath walks a dotted field path, creating intermediate maps, and
// returns the map holding the final segment.
func resolvePath(fields map[string]any, path string) (map[string]any, string, error) {
	if path == "" {
		return nil, "", fmt.Errorf("empty field path")
	}
	segments := strings.Split(path, ".")
	current := fields
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment]
		if !ok || next == nil {
			created := map[string]any{}
			current[segment] = created
			current = created
			continue
		}
		nested, ok := next.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("field %q is not a map in path %q", segment, path)
		}
		current = nested
	}
	return current, segments[len(segments)-1], nil
}

func lookupField(fields map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = fields
	for _, segment := range segments {
		nested, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = nested[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func valuesEqual(a, b any) bool {
	if na, aok := asNumber(a); aok {
		if nb, bok := asNumber(b); bok {
			return na == nb
		}
		return false
	}
	return a == b
}

func arrayContains(value, needle any) bool {
	for _, item := range toStringSlice(value) {
		if item == needle {
			return true
		}
	}
	return false
}

// compareValues orders nil < number < string < bool(false<true).
func compareValues(a, b any) int {
	aRank, aNum, aStr, aBool := rankValue(a)
	bRank, bNum, bStr, bBool := rankValue(b)
	if aRank != bRank {
		if aRank < bRank {
			return -1
		}
		return 1
	}
	switch aRank {
	case 1:
		switch {
		case aNum < bNum:
			return -1
		case aNum > bNum:
			return 1
		}
	case 2:
		return strings.Compare(aStr, bStr)
	case 3:
		if aBool == bBool {
			return 0
		}
		if !aBool {
			return -1
		}
		return 1
	}
	return 0
}

func rankValue(v any) (rank int, num float64, str string, b bool) {
	if v == nil {
		return 0, 0, "", false
	}
	if n, ok := asNumber(v); ok {
		return 1, n, "", false
	}
	if s, ok := v.(string); ok {
		return 2, 0, s, false
	}
	if bv, ok := v.(bool); ok {
		return 3, 0, "", bv
	}
	return 4, 0, "", false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toStringSlice(v any) []string {
	switch arr := v.(type) {
	case []string:
		return append([]string(nil), arr...)
	case []any:
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
