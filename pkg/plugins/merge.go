package plugins

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/yamplus/yam/pkg/engine"
)

// annotationKeys are schema keywords that do not affect validation. For these
// the first fragment to declare a value wins.
var annotationKeys = map[string]bool{
	"$schema":     true,
	"$id":         true,
	"$comment":    true,
	"title":       true,
	"description": true,
	"examples":    true,
}

// MergeSchema deep-merges fragment into acc. "required" lists are unioned,
// mappings merge recursively, and any other key must agree with the value
// already present.
func MergeSchema(acc, fragment map[string]interface{}) error {
	return mergeSchema(acc, fragment, "")
}

func mergeSchema(acc, fragment map[string]interface{}, path string) error {
	keys := make([]string, 0, len(fragment))
	for k := range fragment {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		incoming := fragment[key]
		keyPath := joinPath(path, key)

		if key == "required" {
			merged, err := unionRequired(acc[key], incoming, keyPath)
			if err != nil {
				return err
			}
			acc[key] = merged
			continue
		}

		existing, ok := acc[key]
		if !ok {
			acc[key] = engine.CloneValue(incoming)
			continue
		}

		existingMap, existingIsMap := existing.(map[string]interface{})
		incomingMap, incomingIsMap := incoming.(map[string]interface{})
		switch {
		case existingIsMap && incomingIsMap:
			if err := mergeSchema(existingMap, incomingMap, keyPath); err != nil {
				return err
			}
		case existingIsMap != incomingIsMap:
			return fmt.Errorf("schema conflict at %s: cannot merge %s into %s", keyPath, kindOf(incoming), kindOf(existing))
		case annotationKeys[key]:
			// first writer wins
		default:
			same, err := sameValue(existing, incoming)
			if err != nil {
				return fmt.Errorf("schema conflict at %s: %w", keyPath, err)
			}
			if !same {
				return fmt.Errorf("schema conflict at %s: %v != %v", keyPath, existing, incoming)
			}
		}
	}
	return nil
}

func unionRequired(existing, incoming interface{}, path string) ([]interface{}, error) {
	out := make([]interface{}, 0)
	seen := make(map[string]bool)
	for _, v := range []interface{}{existing, incoming} {
		if v == nil {
			continue
		}
		list, ok := v.([]interface{})
		if !ok {
			if strs, isStrs := v.([]string); isStrs {
				for _, s := range strs {
					list = append(list, s)
				}
			} else {
				return nil, fmt.Errorf("schema conflict at %s: required must be a list, got %s", path, kindOf(v))
			}
		}
		for _, item := range list {
			name := fmt.Sprint(item)
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

func sameValue(a, b interface{}) (bool, error) {
	ab, err := engine.CanonicalBytes(a)
	if err != nil {
		return false, err
	}
	bb, err := engine.CanonicalBytes(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}

func kindOf(v interface{}) string {
	switch v.(type) {
	case map[string]interface{}:
		return "mapping"
	case []interface{}, []string:
		return "list"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("scalar(%T)", v)
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return strings.Join([]string{path, key}, ".")
}
