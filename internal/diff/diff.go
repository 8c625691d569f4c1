// Package diff computes and renders structural differences between two draft
// snapshots. Raw differences are classified against an ordered list of
// element kinds (first match wins, generic fallback) and rendered through an
// HTML template as the body of an auto-generated review comment.
package diff

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Op tags a single difference.
type Op string

const (
	OpAdd    Op = "add"
	OpChange Op = "change"
	OpRemove Op = "remove"
)

// ErrRender is returned when the comment template cannot be executed. Element
// level cleanup failures are not fatal; the offending element is dropped.
var ErrRender = errors.New("diff render failed")

// Entry is one key added to or removed from a parent path.
type Entry struct {
	Key   string
	Value any
}

// Element is one classified unit of change between two snapshots. For
// OpChange, Old and New carry the pair; for OpAdd and OpRemove, Entries
// carries the affected keys under Path.
type Element struct {
	Op      Op
	Path    string
	Old     any
	New     any
	Entries []Entry
}

// Snapshot is the comparable slice of a draft: the field trees the diff is
// restricted to. Everything else on a record is invisible to the engine.
type Snapshot struct {
	Title        string         `json:"title"`
	Metadata     map[string]any `json:"metadata"`
	CustomFields map[string]any `json:"custom_fields"`
}

// Compute returns the differences between two snapshots, or nil when they are
// identical. Nested maps are walked; every other value (including lists) is
// compared as a whole.
func Compute(oldSnap, newSnap Snapshot) []Element {
	var elements []Element
	diffMaps("metadata", oldSnap.Metadata, newSnap.Metadata, &elements)
	diffMaps("custom_fields", oldSnap.CustomFields, newSnap.CustomFields, &elements)
	if len(elements) == 0 {
		return nil
	}
	return elements
}

func diffMaps(path string, oldMap, newMap map[string]any, elements *[]Element) {
	var added, removed []Entry

	keys := make([]string, 0, len(oldMap)+len(newMap))
	seen := map[string]bool{}
	for key := range oldMap {
		keys = append(keys, key)
		seen[key] = true
	}
	for key := range newMap {
		if !seen[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		oldVal, inOld := oldMap[key]
		newVal, inNew := newMap[key]
		switch {
		case !inOld:
			added = append(added, Entry{Key: key, Value: newVal})
		case !inNew:
			removed = append(removed, Entry{Key: key, Value: oldVal})
		default:
			oldChild, oldIsMap := oldVal.(map[string]any)
			newChild, newIsMap := newVal.(map[string]any)
			if oldIsMap && newIsMap {
				diffMaps(path+"."+key, oldChild, newChild, elements)
				continue
			}
			if !reflect.DeepEqual(oldVal, newVal) {
				*elements = append(*elements, Element{
					Op:   OpChange,
					Path: path + "." + key,
					Old:  oldVal,
					New:  newVal,
				})
			}
		}
	}

	if len(added) > 0 {
		*elements = append(*elements, Element{Op: OpAdd, Path: path, Entries: added})
	}
	if len(removed) > 0 {
		*elements = append(*elements, Element{Op: OpRemove, Path: path, Entries: removed})
	}
}

// Kind classifies and cleans up elements. Match decides whether the kind
// claims an element; Cleanup validates it and may rewrite its payload,
// returning an error to drop the element from the rendered set.
type Kind interface {
	Match(el Element) bool
	Cleanup(el Element) (Element, error)
}

// GenericKind matches everything and only checks the element's shape.
type GenericKind struct{}

func (GenericKind) Match(Element) bool { return true }

func (GenericKind) Cleanup(el Element) (Element, error) {
	if el.Path == "" {
		return Element{}, fmt.Errorf("element has empty path")
	}
	switch el.Op {
	case OpChange:
		if len(el.Entries) != 0 {
			return Element{}, fmt.Errorf("change element %s carries entries", el.Path)
		}
	case OpAdd, OpRemove:
		if len(el.Entries) == 0 {
			return Element{}, fmt.Errorf("%s element %s has no entries", el.Op, el.Path)
		}
	default:
		return Element{}, fmt.Errorf("unknown op %q on %s", el.Op, el.Path)
	}
	return el, nil
}

// DescriptionKind handles the record description field, whose values carry
// markup that must not leak into comments verbatim.
type DescriptionKind struct{}

const descriptionPath = "metadata.description"

func (DescriptionKind) Match(el Element) bool {
	if el.Path == descriptionPath && el.Op == OpChange {
		return true
	}
	if (el.Op == OpAdd || el.Op == OpRemove) && len(el.Entries) == 1 {
		return el.Path+"."+el.Entries[0].Key == descriptionPath
	}
	return false
}

func (DescriptionKind) Cleanup(el Element) (Element, error) {
	switch el.Op {
	case OpChange:
		oldText, err := stripTags(el.Old)
		if err != nil {
			return Element{}, err
		}
		newText, err := stripTags(el.New)
		if err != nil {
			return Element{}, err
		}
		el.Old = oldText
		el.New = newText
		return el, nil
	case OpAdd, OpRemove:
		if len(el.Entries) != 1 {
			return Element{}, fmt.Errorf("unexpected %s payload for %s", el.Op, el.Path)
		}
		text, err := stripTags(el.Entries[0].Value)
		if err != nil {
			return Element{}, err
		}
		el.Entries = []Entry{{Key: el.Entries[0].Key, Value: text}}
		return el, nil
	}
	return Element{}, fmt.Errorf("unexpected op %q for %s", el.Op, el.Path)
}

// stripTags removes markup from a description value. Values other than
// strings are rejected rather than guessed at.
func stripTags(value any) (string, error) {
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("description value is %T, not string", value)
	}
	if !strings.ContainsAny(text, "<>") {
		return strings.TrimSpace(text), nil
	}
	var b strings.Builder
	inTag := false
	for _, ch := range text {
		switch {
		case ch == '<':
			inTag = true
		case ch == '>':
			inTag = false
		case !inTag:
			b.WriteRune(ch)
		}
	}
	if inTag {
		return "", fmt.Errorf("unterminated tag in description value")
	}
	return strings.TrimSpace(b.String()), nil
}
