package clock

import "time"

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// New returns a Clock backed by the system time in UTC.
func New() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
