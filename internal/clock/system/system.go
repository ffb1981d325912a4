// Package system provides the wall clock used outside tests.
package system

import "time"

// isoLayout matches Python's datetime.isoformat for naive UTC timestamps,
// which is what the research backend writes and parses.
const isoLayout = "2006-01-02T15:04:05.000000"

// Clock implements relay.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Stamp formats the current time the way status payloads carry it.
func (c Clock) Stamp() string {
	return Format(c.Now())
}

// Format renders t as a zone-less UTC isoformat string.
func Format(t time.Time) string {
	return t.UTC().Format(isoLayout)
}
