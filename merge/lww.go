package merge

import (
	"math"
	"strings"
	"time"

	"github.com/anqori/anchorwatch/protocol"
)

// ApplyLWW writes patch into snapshot field by field. A leaf is skipped only
// when the time recorded for its dotted path, or for any path below it, is
// newer than ts; equal times overwrite. An object is skipped when a newer
// plain value is recorded at its path. Whichever shape wins drops the times
// of the shape it replaced. Nested objects recurse with copied children, so snapshot's
// previous children are never modified. It reports whether any leaf was
// written.
func ApplyLWW(snapshot protocol.Map, fieldTimes map[string]int64, patch protocol.Map, ts int64) bool {
	return applyLWW(snapshot, fieldTimes, patch, ts, "")
}

func applyLWW(snapshot protocol.Map, fieldTimes map[string]int64, patch protocol.Map, ts int64, prefix string) bool {
	changed := false
	for key, value := range patch {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if obj, ok := value.(protocol.Map); ok {
			// A newer plain value at path outranks the whole object.
			if prev, ok := fieldTimes[path]; ok {
				if ts < prev {
					continue
				}
				delete(fieldTimes, path)
				changed = true
			}
			child := protocol.Map{}
			if existing, ok := snapshot[key].(protocol.Map); ok {
				for k, v := range existing {
					child[k] = v
				}
			}
			if applyLWW(child, fieldTimes, obj, ts, path) {
				changed = true
			}
			snapshot[key] = child
			continue
		}

		if prev, ok := fieldTimes[path]; ok && ts < prev {
			continue
		}
		if newestBelow(fieldTimes, path) > ts {
			continue
		}
		dropBelow(fieldTimes, path)
		snapshot[key] = value
		fieldTimes[path] = ts
		changed = true
	}
	return changed
}

// newestBelow returns the newest time recorded under path, or math.MinInt64.
func newestBelow(fieldTimes map[string]int64, path string) int64 {
	newest := int64(math.MinInt64)
	prefix := path + "."
	for p, t := range fieldTimes {
		if strings.HasPrefix(p, prefix) && t > newest {
			newest = t
		}
	}
	return newest
}

func dropBelow(fieldTimes map[string]int64, path string) {
	prefix := path + "."
	for p := range fieldTimes {
		if strings.HasPrefix(p, prefix) {
			delete(fieldTimes, p)
		}
	}
}

// Timestamp reads a millisecond timestamp. Missing, non-finite and
// non-positive values become now.
func Timestamp(raw any, now time.Time) int64 {
	v, ok := protocol.Finite(raw)
	if !ok || v <= 0 || v > math.MaxInt64 {
		return now.UnixMilli()
	}
	return int64(v)
}
