package evm

import "time"

// Clock abstracts monotonic time so the dispatcher can be driven by a fake
// clock in tests, matching the event scenarios in spec.md section 8.
type Clock interface {
	Now() time.Time
}

// systemClock is the production Clock, backed by the monotonic reading
// time.Now() already carries on every supported platform.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the Clock used when none is supplied to New.
var SystemClock Clock = systemClock{}
