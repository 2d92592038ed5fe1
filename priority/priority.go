// Package priority defines the priority bands used by the write queue and
// pending-request queues, and the mapping from a band onto the wire-level
// dependency form (parent stream, weight, exclusivity).
package priority

// Level is a scheduling band. Higher values are served first.
type Level uint8

const (
	Idle Level = iota
	Lowest
	Low
	Medium
	High
	Highest

	NumLevels = int(Highest) + 1
)

func (l Level) Valid() bool { return int(l) < NumLevels }

func (l Level) String() string {
	switch l {
	case Idle:
		return "idle"
	case Lowest:
		return "lowest"
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Highest:
		return "highest"
	}
	return "invalid"
}

// Weight converts a band to the frame weight field (0..255, wire semantics
// "value plus one"). Bands spread evenly so that Highest maps to 255 and
// Idle to 0.
func (l Level) Weight() uint8 {
	if !l.Valid() {
		l = Lowest
	}
	return uint8(int(l) * 255 / (NumLevels - 1))
}
