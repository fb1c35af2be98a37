// Package access runs the registration and attendance flows on top of the
// record store, the face pipeline and the attendance state machine.
//
// All mutating flows hold one service-wide lock for the whole
// load-modify-save cycle, so a single Service is the store's only writer.
// Running two processes against the same data directory is not supported.
package access

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/MrCodeEU/faceattend/pkg/attendance"
	"github.com/MrCodeEU/faceattend/pkg/identity"
	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/MrCodeEU/faceattend/pkg/recognition"
)

// ErrInvalidInput is returned for incomplete or malformed requests.
var ErrInvalidInput = errors.New("invalid input")

// ErrDuplicateRegistration is returned when the email or phone is taken.
var ErrDuplicateRegistration = errors.New("duplicate registration")

// ErrNoMatch is returned when a face matches no registered identity.
var ErrNoMatch = errors.New("face not recognized")

// ErrUnknownIdentity is returned when an email lookup finds nobody.
var ErrUnknownIdentity = errors.New("unknown identity")

// ErrForbidden is returned when a non-administrator requests admin data.
var ErrForbidden = errors.New("administrator role required")

// Store is the record store as seen by the flows.
type Store interface {
	Load() ([]identity.Identity, error)
	Save(identities []identity.Identity) error
	FindByEmail(identities []identity.Identity, email string) (int, error)
	CheckUnique(identities []identity.Identity, email, phone string) error

	SaveEmbedding(id string, vec recognition.Vector) (string, error)
	LoadEmbedding(ref string) (recognition.Vector, error)
	SaveFaceImage(id string, img image.Image) (string, error)
	RemoveBlob(ref string) error
}

// FieldCipher seals PII fields and computes the email blind index.
type FieldCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	Index(normalized string) string
}

// Dependencies wires a Service.
type Dependencies struct {
	Store    Store
	Cipher   FieldCipher
	Locator  recognition.Locator
	Embedder recognition.Embedder
	Matcher  *recognition.Matcher
	Machine  *attendance.Machine

	// Clock defaults to time.Now.
	Clock func() time.Time
	// SignInOnRegister signs a new identity in as part of registration.
	SignInOnRegister bool
}

// Service implements the access flows.
type Service struct {
	store    Store
	cipher   FieldCipher
	locator  recognition.Locator
	embedder recognition.Embedder
	matcher  *recognition.Matcher
	machine  *attendance.Machine
	clock    func() time.Time

	signInOnRegister bool

	mu sync.Mutex
}

// NewService validates deps and returns a ready Service.
func NewService(deps Dependencies) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("access: store is required")
	case deps.Cipher == nil:
		return nil, errors.New("access: cipher is required")
	case deps.Locator == nil || deps.Embedder == nil:
		return nil, errors.New("access: face locator and embedder are required")
	case deps.Matcher == nil:
		return nil, errors.New("access: matcher is required")
	case deps.Machine == nil:
		return nil, errors.New("access: attendance machine is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Service{
		store:            deps.Store,
		cipher:           deps.Cipher,
		locator:          deps.Locator,
		embedder:         deps.Embedder,
		matcher:          deps.Matcher,
		machine:          deps.Machine,
		clock:            clock,
		signInOnRegister: deps.SignInOnRegister,
	}, nil
}

// faceOf runs locate, crop and embed on a frame.
func (s *Service) faceOf(frame image.Image) (image.Image, recognition.Vector, error) {
	if frame == nil || frame.Bounds().Empty() {
		return nil, nil, fmt.Errorf("%w: empty frame", recognition.ErrInvalidInput)
	}

	box, err := s.locator.Locate(frame)
	if err != nil {
		return nil, nil, err
	}
	face, err := recognition.CropFace(frame, box)
	if err != nil {
		return nil, nil, err
	}
	vec, err := s.embedder.Embed(face)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed face: %w", err)
	}
	return face, vec, nil
}

// candidates loads the stored embedding of every identity. Identities whose
// embedding cannot be read are left out of matching. positions maps each
// candidate back to its index in identities.
func (s *Service) candidates(identities []identity.Identity) (candidates []recognition.Candidate, positions []int) {
	log := logging.Component("access")
	for i := range identities {
		id := &identities[i]
		vec, err := s.store.LoadEmbedding(id.FaceEncoding)
		if err != nil {
			log.WithError(err).Warnf("Skipping identity %s: embedding unavailable", id.ID)
			continue
		}
		candidates = append(candidates, recognition.Candidate{Identity: id, Embedding: vec})
		positions = append(positions, i)
	}
	return candidates, positions
}
