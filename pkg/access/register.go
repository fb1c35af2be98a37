package access

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/MrCodeEU/faceattend/pkg/identity"
	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/MrCodeEU/faceattend/pkg/storage"
)

// RegisterRequest carries the plaintext registration details and the frame
// the face is taken from.
type RegisterRequest struct {
	FullName string
	Email    string
	Phone    string
	Role     identity.Role
	Frame    image.Image
}

func (r *RegisterRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.FullName) == "" {
		missing = append(missing, "full name")
	}
	if strings.TrimSpace(r.Email) == "" {
		missing = append(missing, "email")
	}
	if identity.NormalizePhone(r.Phone) == "" {
		missing = append(missing, "phone")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}

	if !strings.Contains(r.Email, "@") {
		return fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	if _, err := identity.ParseRole(string(r.Role)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Register enrolls a new identity. Either the identity and its blobs are all
// persisted, or nothing is: the record file is left as it was.
func (s *Service) Register(req RegisterRequest) (*identity.Identity, error) {
	log := logging.Component("access")

	if err := req.validate(); err != nil {
		return nil, err
	}
	face, vec, err := s.faceOf(req.Frame)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	identities, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	if err := s.store.CheckUnique(identities, req.Email, req.Phone); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			log.Warnf("Registration rejected for %s: %v", logging.MaskEmail(req.Email), err)
			return nil, fmt.Errorf("%w: %w", ErrDuplicateRegistration, err)
		}
		return nil, err
	}

	role, _ := identity.ParseRole(string(req.Role))
	rec := identity.Identity{
		ID:         identity.NewID(),
		Role:       role,
		EmailIndex: s.cipher.Index(identity.NormalizeEmail(req.Email)),
		Attendance: []identity.AttendanceRecord{},
	}

	for _, f := range []struct {
		dst   *string
		plain string
	}{
		{&rec.FullName, strings.TrimSpace(req.FullName)},
		{&rec.Email, strings.TrimSpace(req.Email)},
		{&rec.Phone, identity.NormalizePhone(req.Phone)},
	} {
		sealed, err := s.cipher.Encrypt(f.plain)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt registration: %w", err)
		}
		*f.dst = sealed
	}

	var written []string
	cleanup := func() {
		for _, ref := range written {
			if err := s.store.RemoveBlob(ref); err != nil {
				log.WithError(err).Warnf("Failed to remove %s", ref)
			}
		}
	}

	if rec.FaceImage, err = s.store.SaveFaceImage(rec.ID, face); err != nil {
		return nil, err
	}
	written = append(written, rec.FaceImage)

	if rec.FaceEncoding, err = s.store.SaveEmbedding(rec.ID, vec); err != nil {
		cleanup()
		return nil, err
	}
	written = append(written, rec.FaceEncoding)

	if s.signInOnRegister {
		if rec, err = s.machine.SignIn(rec, s.clock()); err != nil {
			cleanup()
			return nil, err
		}
	}

	if err := s.store.Save(append(identities, rec)); err != nil {
		cleanup()
		return nil, err
	}

	log.WithField("id", rec.ID).Infof("Registered %s as %s", logging.MaskEmail(req.Email), rec.Role)
	return &rec, nil
}
