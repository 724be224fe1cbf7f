package plc

import "time"

// Clock abstracts the passage of time so bucket-control command sequences
// (Design Notes §9: "model as a small DSL of {write, delay} steps") can be
// tested for step ordering and minimum delays without real-time sleeps.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// realClock is the production Clock, backed by the standard library.
type realClock struct{}

// RealClock returns the production Clock.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
