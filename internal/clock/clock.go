// Package clock abstracts time for services that must be testable around
// expiry and month boundaries.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func NewSystem() Clock { return systemClock{} }
