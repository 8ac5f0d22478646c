package protocol

import (
	"sort"
	"strings"

	"github.com/anqori/anchorwatch/errors"
)

// NormalizePatch expands a patch that may mix nested objects and dotted-path
// keys ("wifi.ssid") into a purely nested object. Keys are applied in sorted
// order and colliding objects merge. An empty key or an empty path segment
// makes the whole patch invalid.
func NormalizePatch(raw any) (Map, error) {
	obj, ok := raw.(Map)
	if !ok {
		return nil, errors.ErrInvalidPatch
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := Map{}
	for _, key := range keys {
		if err := assignPatchEntry(out, key, obj[key]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func assignPatchEntry(target Map, key string, value any) error {
	if key == "" {
		return errors.ErrInvalidPatch
	}

	segments := strings.Split(key, ".")
	for _, seg := range segments {
		if seg == "" {
			return errors.ErrInvalidPatch
		}
	}

	cursor := target
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cursor[seg].(Map)
		if !ok {
			next = Map{}
			cursor[seg] = next
		}
		cursor = next
	}

	leaf := segments[len(segments)-1]
	if IsObject(value) {
		nested, err := NormalizePatch(value)
		if err != nil {
			return err
		}
		if existing, ok := cursor[leaf].(Map); ok {
			cursor[leaf] = DeepMerge(existing, nested)
		} else {
			cursor[leaf] = nested
		}
		return nil
	}

	cursor[leaf] = value
	return nil
}

// DeepMerge returns base with patch applied: objects merge recursively,
// everything else replaces. Neither input is modified.
func DeepMerge(base, patch Map) Map {
	out := Clone(base)
	if out == nil {
		out = Map{}
	}
	for k, v := range patch {
		pv, pIsObj := v.(Map)
		bv, bIsObj := out[k].(Map)
		if pIsObj && bIsObj {
			out[k] = DeepMerge(bv, pv)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}
