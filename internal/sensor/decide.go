package sensor

// DefaultDIThreshold is the discomfort index at and above which the relay
// is switched on.
const DefaultDIThreshold = 75.0

// Policy maps a discomfort index to an actuation command.
type Policy struct {
	Threshold float64
}

// DefaultPolicy returns a Policy using DefaultDIThreshold.
func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultDIThreshold}
}

// Decide returns On when di >= Threshold, Off otherwise.
func (p Policy) Decide(di float64) Command {
	if di >= p.Threshold {
		return On
	}
	return Off
}
