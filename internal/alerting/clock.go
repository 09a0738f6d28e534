package alerting

import "time"

// Clock supplies the current time. Tests inject a fixed or stepping clock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns wall-clock time in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })
