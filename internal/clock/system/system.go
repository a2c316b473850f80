// Package system provides the wall clock shared by the cache, the request log and
// statistics.
package system

import "time"

// Clock implements cache.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
