package access

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/MrCodeEU/faceattend/pkg/attendance"
	"github.com/MrCodeEU/faceattend/pkg/identity"
	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/MrCodeEU/faceattend/pkg/recognition"
	"github.com/MrCodeEU/faceattend/pkg/storage"
)

// MatchOutcome reports a recognition attempt. NoMatch is a normal outcome:
// Matched is false, Identity is nil and BestScore shows how close it came.
type MatchOutcome struct {
	Matched   bool
	Identity  *identity.Identity
	Score     float64
	BestScore float64
	Duration  time.Duration
}

type transition func(id identity.Identity, now time.Time) (identity.Identity, error)

// Identify reports who is in frame without changing any state.
func (s *Service) Identify(frame image.Image) (MatchOutcome, error) {
	start := time.Now()
	_, probe, err := s.faceOf(frame)
	if err != nil {
		return MatchOutcome{}, err
	}

	identities, err := s.store.Load()
	if err != nil {
		return MatchOutcome{}, err
	}

	outcome, _ := s.match(probe, identities)
	outcome.Duration = time.Since(start)
	return outcome, nil
}

// SignIn recognizes the face in frame and signs that identity in.
func (s *Service) SignIn(frame image.Image) (MatchOutcome, error) {
	return s.applyByFace(frame, "sign-in", s.machine.SignIn)
}

// SignOut recognizes the face in frame and signs that identity out.
func (s *Service) SignOut(frame image.Image) (MatchOutcome, error) {
	return s.applyByFace(frame, "sign-out", s.machine.SignOut)
}

// SignInByEmail signs in the identity registered under email. A zero now
// uses the service clock.
func (s *Service) SignInByEmail(email string, now time.Time) (*identity.Identity, error) {
	return s.applyByEmail(email, now, "sign-in", s.machine.SignIn)
}

// SignOutByEmail signs out the identity registered under email.
func (s *Service) SignOutByEmail(email string, now time.Time) (*identity.Identity, error) {
	return s.applyByEmail(email, now, "sign-out", s.machine.SignOut)
}

// match returns the outcome and the matched position in identities, or -1.
func (s *Service) match(probe recognition.Vector, identities []identity.Identity) (MatchOutcome, int) {
	candidates, positions := s.candidates(identities)
	result := s.matcher.Match(probe, candidates)

	outcome := MatchOutcome{
		Matched:   result.Matched,
		Score:     result.Score,
		BestScore: result.BestScore,
	}
	if !result.Matched {
		return outcome, -1
	}
	found := result.Identity.Clone()
	outcome.Identity = &found
	return outcome, positions[result.Index]
}

func (s *Service) applyByFace(frame image.Image, action string, apply transition) (MatchOutcome, error) {
	start := time.Now()
	log := logging.Component("access")

	_, probe, err := s.faceOf(frame)
	if err != nil {
		return MatchOutcome{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	identities, err := s.store.Load()
	if err != nil {
		return MatchOutcome{}, err
	}

	outcome, pos := s.match(probe, identities)
	if pos < 0 {
		outcome.Duration = time.Since(start)
		log.Infof("%s: no match (best score %.4f, threshold %.4f)", action, outcome.BestScore, s.matcher.Threshold())
		return outcome, ErrNoMatch
	}

	updated, err := s.commitAt(identities, pos, apply, s.clock())
	outcome.Duration = time.Since(start)
	if err != nil {
		return outcome, err
	}

	outcome.Identity = updated
	log.WithField("id", updated.ID).Infof("%s accepted (score %.4f) in %v", action, outcome.Score, outcome.Duration)
	return outcome, nil
}

func (s *Service) applyByEmail(email string, now time.Time, action string, apply transition) (*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identities, err := s.store.Load()
	if err != nil {
		return nil, err
	}

	pos, err := s.store.FindByEmail(identities, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, logging.MaskEmail(email))
		}
		return nil, err
	}

	if now.IsZero() {
		now = s.clock()
	}
	updated, err := s.commitAt(identities, pos, apply, now)
	if err != nil {
		return nil, err
	}
	logging.Component("access").WithField("id", updated.ID).Infof("%s by email accepted", action)
	return updated, nil
}

// commitAt applies the transition and persists it. Rejected transitions and
// failed saves leave the record file untouched.
func (s *Service) commitAt(identities []identity.Identity, pos int, apply transition, now time.Time) (*identity.Identity, error) {
	updated, err := apply(identities[pos], now)
	if err != nil {
		var cooldown *attendance.CooldownError
		if errors.As(err, &cooldown) {
			logging.Component("access").WithField("id", identities[pos].ID).Infof("Cooldown active until %s",
				cooldown.Until.Format(identity.TimeLayout))
		}
		return nil, err
	}

	next := make([]identity.Identity, len(identities))
	copy(next, identities)
	next[pos] = updated
	if err := s.store.Save(next); err != nil {
		return nil, err
	}
	return &updated, nil
}
