// Package vectorclock implements comparison, merging and boundary
// sanitization of vector clocks.
package vectorclock

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/devrev/opsync/internal/model"
)

const (
	// MaxClientIDLength is the longest accepted client ID key
	MaxClientIDLength = 255
	// MaxCounter is the largest accepted counter value
	MaxCounter = 100_000_000
	// MaxVectorClockSize is the soft working-set cap on entries
	MaxVectorClockSize = 30
)

// MaxSanitizeEntries is the hard cap; clocks above it are rejected whole.
// ceil(2.5 * MaxVectorClockSize)
var MaxSanitizeEntries = int(math.Ceil(2.5 * MaxVectorClockSize))

// Compare compares two vector clocks. Absent keys count as zero.
func Compare(a, b model.VectorClock) model.VectorClockComparison {
	aGreater := false
	bGreater := false

	for id, av := range a {
		bv := b[id]
		if av > bv {
			aGreater = true
		} else if av < bv {
			bGreater = true
		}
	}
	for id, bv := range b {
		if _, seen := a[id]; seen {
			continue
		}
		if bv > 0 {
			bGreater = true
		} else if bv < 0 {
			aGreater = true
		}
	}

	switch {
	case aGreater && bGreater:
		return model.Concurrent
	case aGreater:
		return model.GreaterThan
	case bGreater:
		return model.LessThan
	default:
		return model.Equal
	}
}

// Merge returns the component-wise maximum of the given clocks
func Merge(clocks ...model.VectorClock) model.VectorClock {
	merged := make(model.VectorClock)
	for _, clock := range clocks {
		for id, v := range clock {
			if existing, ok := merged[id]; !ok || v > existing {
				merged[id] = v
			}
		}
	}
	return merged
}

// Increment returns a copy of the clock with clientID's counter advanced
func Increment(vc model.VectorClock, clientID string) model.VectorClock {
	out := vc.Copy()
	out[clientID]++
	return out
}

// Dominates reports whether a is greater than or equal to b on every key
func Dominates(a, b model.VectorClock) bool {
	c := Compare(a, b)
	return c == model.GreaterThan || c == model.Equal
}

// Sanitize validates an untrusted clock at a system boundary. Entries with
// an invalid key or counter are stripped and counted. The whole clock is
// rejected when the input is not an object or carries more than
// MaxSanitizeEntries entries.
func Sanitize(input any) (model.VectorClock, int, error) {
	switch raw := input.(type) {
	case nil:
		return nil, 0, fmt.Errorf("vector clock is missing")
	case model.VectorClock:
		return sanitizeTyped(raw)
	case map[string]int64:
		return sanitizeTyped(model.VectorClock(raw))
	case json.RawMessage:
		return SanitizeJSON(raw)
	case map[string]any:
		if len(raw) > MaxSanitizeEntries {
			return nil, 0, fmt.Errorf("vector clock has %d entries, maximum is %d", len(raw), MaxSanitizeEntries)
		}
		out := make(model.VectorClock, len(raw))
		stripped := 0
		for k, v := range raw {
			counter, ok := toCounter(v)
			if !ok || !validKey(k) {
				stripped++
				continue
			}
			out[k] = counter
		}
		return out, stripped, nil
	default:
		return nil, 0, fmt.Errorf("vector clock must be an object, got %T", input)
	}
}

// SanitizeJSON decodes a raw JSON clock preserving number precision and
// sanitizes it.
func SanitizeJSON(data json.RawMessage) (model.VectorClock, int, error) {
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("vector clock is missing")
	}
	var raw any
	if err := decodeUseNumber(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("vector clock is not valid JSON: %w", err)
	}
	if _, ok := raw.(map[string]any); !ok {
		return nil, 0, fmt.Errorf("vector clock must be an object")
	}
	return Sanitize(raw)
}

// IsValid reports whether the clock would pass Sanitize without stripping
func IsValid(vc model.VectorClock) bool {
	if vc == nil {
		return false
	}
	_, stripped, err := Sanitize(vc)
	return err == nil && stripped == 0
}

func sanitizeTyped(vc model.VectorClock) (model.VectorClock, int, error) {
	if len(vc) > MaxSanitizeEntries {
		return nil, 0, fmt.Errorf("vector clock has %d entries, maximum is %d", len(vc), MaxSanitizeEntries)
	}
	out := make(model.VectorClock, len(vc))
	stripped := 0
	for k, v := range vc {
		if !validKey(k) || v < 0 || v > MaxCounter {
			stripped++
			continue
		}
		out[k] = v
	}
	return out, stripped, nil
}

func validKey(k string) bool {
	return k != "" && len(k) <= MaxClientIDLength
}

func toCounter(v any) (int64, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return inRange(i)
		}
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = n
	case int:
		return inRange(int64(n))
	case int64:
		return inRange(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < 0 || f > MaxCounter {
		return 0, false
	}
	return int64(f), true
}

func inRange(i int64) (int64, bool) {
	if i < 0 || i > MaxCounter {
		return 0, false
	}
	return i, true
}
