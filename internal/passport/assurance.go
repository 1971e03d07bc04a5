package passport

// Level is an ordered assurance tier. Ordinary tiers form a total order
// L0 < L1 < L2 < L3; the elevated L4 tiers (KYC and financial vetting)
// satisfy any requirement, including each other.
type Level string

const (
	LevelL0    Level = "L0"
	LevelL1    Level = "L1"
	LevelL2    Level = "L2"
	LevelL3    Level = "L3"
	LevelL4KYC Level = "L4KYC"
	LevelL4FIN Level = "L4FIN"
)

var levelRank = map[Level]int{
	LevelL0:    0,
	LevelL1:    1,
	LevelL2:    2,
	LevelL3:    3,
	LevelL4KYC: 4,
	LevelL4FIN: 4,
}

// Known reports whether the level is one of the defined tiers.
func (l Level) Known() bool {
	_, ok := levelRank[l]
	return ok
}

// Satisfies reports whether this level meets a required floor. Unknown levels
// never satisfy anything, so a malformed passport fails closed.
func (l Level) Satisfies(required Level) bool {
	lr, ok := levelRank[l]
	if !ok {
		return false
	}
	rr, ok := levelRank[required]
	if !ok {
		return false
	}
	return lr >= rr
}

// ParseLevel validates a level string.
func ParseLevel(s string) (Level, bool) {
	l := Level(s)
	return l, l.Known()
}
