package model

// VectorClock maps a client ID to the number of operations that client has
// produced. A missing key is equivalent to a zero counter.
type VectorClock map[string]int64

// Copy returns an independent copy of the clock. A nil clock copies to an
// empty one.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Get returns the counter for clientID, or 0 when absent.
func (vc VectorClock) Get(clientID string) int64 {
	return vc[clientID]
}

// VectorClockComparison represents the result of comparing two vector clocks
type VectorClockComparison int

const (
	// Equal means every counter matches
	Equal VectorClockComparison = iota
	// GreaterThan means the first clock dominates the second
	GreaterThan
	// LessThan means the second clock dominates the first
	LessThan
	// Concurrent means neither clock dominates (conflict)
	Concurrent
)

// String returns the wire name of the comparison result
func (c VectorClockComparison) String() string {
	switch c {
	case Equal:
		return "EQUAL"
	case GreaterThan:
		return "GREATER_THAN"
	case LessThan:
		return "LESS_THAN"
	case Concurrent:
		return "CONCURRENT"
	default:
		return "UNKNOWN"
	}
}
