package engine

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/vmware-labs/yaml-jsonpath/pkg/yamlpath"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Identity key prefixes. Scalars are keyed by position so that they can never
// collide with name or hash keys.
const (
	identityName     = "name:"
	identityHash     = "hash:"
	identityPosition = "#"
)

// canonicalEncMode produces deterministic CBOR with sorted map keys.
var canonicalEncMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	// Keep sub-second precision of YAML timestamps.
	opts.Time = cbor.TimeRFC3339Nano
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("engine: failed to build canonical CBOR encoder: %v", err))
	}
	canonicalEncMode = mode
}

// CanonicalBytes serializes a decoded value independently of map key order.
func CanonicalBytes(v interface{}) ([]byte, error) {
	return canonicalEncMode.Marshal(normalizeValue(v))
}

// ContentHash returns the hex BLAKE3 digest of the value's canonical encoding.
func ContentHash(v interface{}) (string, error) {
	data, err := CanonicalBytes(v)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeValue converts decoded trees into plain maps and slices.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case ApplicationModel:
		return normalizeValue(map[string]interface{}(t))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}

// NormalizeMatcher turns a matcher into an absolute path expression.
func NormalizeMatcher(matcher string) string {
	m := strings.TrimSpace(matcher)
	switch {
	case strings.HasPrefix(m, "$"):
		return m
	case strings.HasPrefix(m, "["):
		return "$" + m
	default:
		return "$." + m
	}
}

// DiffEngine extracts and compares subtrees of two models.
type DiffEngine struct {
	logger zerolog.Logger
}

// NewDiffEngine creates a diff engine.
func NewDiffEngine(logger zerolog.Logger) *DiffEngine {
	return &DiffEngine{
		logger: logger.With().Str("component", "diff-engine").Logger(),
	}
}

// Extract returns the flattened items matched by matcher. A matched sequence
// contributes its elements; a path that matches nothing yields an empty list.
func (d *DiffEngine) Extract(model ApplicationModel, matcher string) ([]interface{}, error) {
	path := NormalizeMatcher(matcher)
	items := []interface{}{}
	if model == nil {
		return items, nil
	}

	p, err := yamlpath.NewPath(path)
	if err != nil {
		return nil, NewDiffError("invalid matcher", err).WithResource(matcher)
	}

	var root yaml.Node
	if err := root.Encode(normalizeValue(model)); err != nil {
		return nil, NewDiffError("failed to encode model", err).WithResource(matcher)
	}
	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{&root}}

	matches, err := p.Find(doc)
	if err != nil {
		return nil, NewDiffError("failed to query model", err).WithResource(matcher)
	}

	for _, node := range matches {
		if node.Kind == yaml.SequenceNode {
			for _, child := range node.Content {
				if child.Kind == yaml.SequenceNode {
					return nil, NewDiffError("nested array not allowed", nil).WithResource(matcher).
						WithDetail("line", child.Line)
				}
				v, err := decodeNode(child)
				if err != nil {
					return nil, NewDiffError("failed to decode matched item", err).WithResource(matcher)
				}
				items = append(items, v)
			}
			continue
		}
		v, err := decodeNode(node)
		if err != nil {
			return nil, NewDiffError("failed to decode matched item", err).WithResource(matcher)
		}
		items = append(items, v)
	}
	return items, nil
}

func decodeNode(node *yaml.Node) (interface{}, error) {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeValue(v), nil
}

type identified struct {
	keys  []string
	items map[string]interface{}
	bytes map[string][]byte
}

// identify keys each item by its name, else its content hash, else its position.
func (d *DiffEngine) identify(items []interface{}, matcher string) (*identified, error) {
	out := &identified{
		items: make(map[string]interface{}, len(items)),
		bytes: make(map[string][]byte, len(items)),
	}
	for i, item := range items {
		if _, nested := item.([]interface{}); nested {
			return nil, NewDiffError("nested array not allowed", nil).WithResource(matcher).WithDetail("index", i)
		}

		canonical, err := CanonicalBytes(item)
		if err != nil {
			return nil, NewDiffError("failed to encode item", err).WithResource(matcher)
		}

		var key string
		if obj, ok := item.(map[string]interface{}); ok {
			if name, ok := obj["name"]; ok && name != nil && fmt.Sprint(name) != "" {
				key = identityName + fmt.Sprint(name)
			} else {
				sum := blake3.Sum256(canonical)
				key = identityHash + hex.EncodeToString(sum[:])
			}
		} else {
			key = fmt.Sprintf("%s%d", identityPosition, i)
		}

		if _, dup := out.items[key]; dup {
			d.logger.Warn().Str("matcher", matcher).Str("identity", key).Msg("Duplicate item identity, keeping the last one")
		} else {
			out.keys = append(out.keys, key)
		}
		out.items[key] = item
		out.bytes[key] = canonical
	}
	return out, nil
}

// Diff classifies previous and current items into new, deleted and modified.
func (d *DiffEngine) Diff(matcher string, previous, current []interface{}) (*DiffResult, error) {
	prev, err := d.identify(previous, matcher)
	if err != nil {
		return nil, err
	}
	cur, err := d.identify(current, matcher)
	if err != nil {
		return nil, err
	}

	result := &DiffResult{
		Matcher:       NormalizeMatcher(matcher),
		CurrentItems:  current,
		NewItems:      []interface{}{},
		DeletedItems:  []interface{}{},
		ModifiedItems: []ModifiedItem{},
	}
	if result.CurrentItems == nil {
		result.CurrentItems = []interface{}{}
	}

	for _, key := range cur.keys {
		prevBytes, existed := prev.bytes[key]
		switch {
		case !existed:
			result.NewItems = append(result.NewItems, cur.items[key])
			d.logger.Info().Str("matcher", matcher).Str("identity", key).Msg("New item detected")
		case !bytes.Equal(prevBytes, cur.bytes[key]):
			result.ModifiedItems = append(result.ModifiedItems, ModifiedItem{
				Previous: prev.items[key],
				Current:  cur.items[key],
			})
			d.logger.Info().Str("matcher", matcher).Str("identity", key).Msg("Modified item detected")
		}
	}
	for _, key := range prev.keys {
		if _, still := cur.items[key]; !still {
			result.DeletedItems = append(result.DeletedItems, prev.items[key])
			d.logger.Info().Str("matcher", matcher).Str("identity", key).Msg("Deleted item detected")
		}
	}

	result.HasNew = len(result.NewItems) > 0
	result.HasDeleted = len(result.DeletedItems) > 0
	result.HasModified = len(result.ModifiedItems) > 0
	result.HasDiff = result.HasNew || result.HasDeleted || result.HasModified
	return result, nil
}

// Compare extracts matcher from both models and diffs the results.
func (d *DiffEngine) Compare(previous, current ApplicationModel, matcher string) (*DiffResult, error) {
	prevItems, err := d.Extract(previous, matcher)
	if err != nil {
		return nil, err
	}
	curItems, err := d.Extract(current, matcher)
	if err != nil {
		return nil, err
	}
	return d.Diff(matcher, prevItems, curItems)
}
