// Package attendance governs the sign-in/sign-out lifecycle of an identity.
// Transitions never touch storage: they return an updated copy that the
// caller persists, and leave the input untouched on every path.
package attendance

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrCodeEU/faceattend/pkg/identity"
)

// State is the attendance state of one identity.
type State int

const (
	SignedOut State = iota
	SignedIn
)

func (s State) String() string {
	if s == SignedIn {
		return "signed in"
	}
	return "signed out"
}

// ErrAlreadySignedIn is returned by SignIn while a record is open.
var ErrAlreadySignedIn = errors.New("already signed in")

// ErrNotSignedIn is returned by SignOut when no record is open.
var ErrNotSignedIn = errors.New("not signed in")

// ErrCooldownActive is wrapped by CooldownError.
var ErrCooldownActive = errors.New("sign-in cooldown active")

// CooldownError reports when the next sign-in becomes possible.
type CooldownError struct {
	SignedOutAt time.Time
	Until       time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%v: signed out at %s, next sign-in allowed at %s",
		ErrCooldownActive, e.SignedOutAt.Format(identity.TimeLayout), e.Until.Format(identity.TimeLayout))
}

func (e *CooldownError) Unwrap() error {
	return ErrCooldownActive
}

// Machine applies attendance transitions under a fixed cooldown window.
type Machine struct {
	cooldown time.Duration
}

// NewMachine returns a Machine that refuses sign-ins within cooldown of the
// previous sign-out.
func NewMachine(cooldown time.Duration) *Machine {
	return &Machine{cooldown: cooldown}
}

// Cooldown returns the configured window.
func (m *Machine) Cooldown() time.Duration {
	return m.cooldown
}

// StateOf derives the state from the most recent record.
func StateOf(id *identity.Identity) State {
	last, ok := id.LastRecord()
	if ok && last.Open() {
		return SignedIn
	}
	return SignedOut
}

// SignIn opens a new record and increments the attendance counter.
func (m *Machine) SignIn(id identity.Identity, now time.Time) (identity.Identity, error) {
	if StateOf(&id) == SignedIn {
		return id, ErrAlreadySignedIn
	}

	if last, ok := id.LastRecord(); ok {
		signedOut := last.SignOutTime.Time
		if now.Sub(signedOut) < m.cooldown {
			return id, &CooldownError{SignedOutAt: signedOut, Until: signedOut.Add(m.cooldown)}
		}
	}

	next := id.Clone()
	next.Attendance = append(next.Attendance, identity.AttendanceRecord{SignInTime: identity.At(now)})
	next.TotalAttendance++
	return next, nil
}

// SignOut closes the open record and stamps the last attendance time.
func (m *Machine) SignOut(id identity.Identity, now time.Time) (identity.Identity, error) {
	if StateOf(&id) != SignedIn {
		return id, ErrNotSignedIn
	}

	next := id.Clone()
	stamp := identity.At(now)
	next.Attendance[len(next.Attendance)-1].SignOutTime = stamp
	next.LastAttendanceTime = stamp
	return next, nil
}
