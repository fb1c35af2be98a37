// Package storage persists registered identities in a single JSON record file
// and keeps embeddings and face images in per-identity side files.
// The store assumes one writer at a time; callers serialize mutations.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MrCodeEU/faceattend/pkg/identity"
	"github.com/MrCodeEU/faceattend/pkg/logging"
)

// ErrNotFound is returned when no identity matches a lookup.
var ErrNotFound = errors.New("identity not found")

// ErrCorrupt is returned when a persisted file cannot be parsed.
var ErrCorrupt = errors.New("storage corrupt")

// ErrDuplicate is wrapped by both duplicate registration errors.
var ErrDuplicate = errors.New("already registered")

// ErrDuplicateEmail is returned when the email is already registered.
var ErrDuplicateEmail = fmt.Errorf("email %w", ErrDuplicate)

// ErrDuplicatePhone is returned when the phone number is already registered.
var ErrDuplicatePhone = fmt.Errorf("phone number %w", ErrDuplicate)

// FieldCipher is what the store needs to compare encrypted fields.
type FieldCipher interface {
	Decrypt(ciphertext string) (string, error)
	Index(normalized string) string
}

// FileStore implements the record store on top of the local filesystem.
type FileStore struct {
	dataDir    string
	recordPath string
	cipher     FieldCipher
}

// NewFileStore creates the data directory layout and returns a store whose
// record file lives at recordPath.
func NewFileStore(dataDir, recordPath string, cipher FieldCipher) (*FileStore, error) {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, facesDir), filepath.Join(dataDir, encodingsDir)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(recordPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}

	return &FileStore{
		dataDir:    dataDir,
		recordPath: recordPath,
		cipher:     cipher,
	}, nil
}

// RecordPath returns the location of the record file.
func (fs *FileStore) RecordPath() string {
	return fs.recordPath
}

// Load reads every identity. A missing or empty record file is an empty store.
func (fs *FileStore) Load() ([]identity.Identity, error) {
	data, err := os.ReadFile(fs.recordPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []identity.Identity{}, nil
		}
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return []identity.Identity{}, nil
	}

	var identities []identity.Identity
	if err := json.Unmarshal(data, &identities); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, fs.recordPath, err)
	}
	if identities == nil {
		identities = []identity.Identity{}
	}
	for i := range identities {
		if err := identities[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, fs.recordPath, err)
		}
	}

	logging.Component("storage").Debugf("Loaded %d identities", len(identities))
	return identities, nil
}

// Save replaces the record file. The write goes to a temporary file that is
// renamed over the old one, so readers see either the old or the new list.
func (fs *FileStore) Save(identities []identity.Identity) error {
	if identities == nil {
		identities = []identity.Identity{}
	}

	data, err := json.MarshalIndent(identities, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	if err := writeFileAtomic(fs.recordPath, data); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}

	logging.Component("storage").Debugf("Saved %d identities", len(identities))
	return nil
}

// FindByEmail returns the position of the identity registered under email.
// Records carrying a blind index are matched on it; older records are
// decrypted. Records that cannot be decrypted are skipped.
func (fs *FileStore) FindByEmail(identities []identity.Identity, email string) (int, error) {
	normalized := identity.NormalizeEmail(email)
	index := fs.cipher.Index(normalized)

	for i := range identities {
		id := &identities[i]
		if id.EmailIndex != "" {
			if id.EmailIndex == index {
				return i, nil
			}
			continue
		}

		plain, err := fs.cipher.Decrypt(id.Email)
		if err != nil {
			logging.Component("storage").WithError(err).Warnf("Skipping identity %s: email not decryptable", id.ID)
			continue
		}
		if identity.NormalizeEmail(plain) == normalized {
			return i, nil
		}
	}
	return -1, ErrNotFound
}

// Lookup loads the store and returns the identity registered under email.
func (fs *FileStore) Lookup(email string) (*identity.Identity, error) {
	identities, err := fs.Load()
	if err != nil {
		return nil, err
	}
	i, err := fs.FindByEmail(identities, email)
	if err != nil {
		return nil, err
	}
	return &identities[i], nil
}

// CheckUnique fails when email or phone already belongs to a stored identity.
// This decrypts every record, which is linear in the store size.
func (fs *FileStore) CheckUnique(identities []identity.Identity, email, phone string) error {
	log := logging.Component("storage")
	normalizedEmail := identity.NormalizeEmail(email)
	normalizedPhone := identity.NormalizePhone(phone)
	index := fs.cipher.Index(normalizedEmail)

	for i := range identities {
		id := &identities[i]

		if id.EmailIndex != "" && id.EmailIndex == index {
			return ErrDuplicateEmail
		}
		if plain, err := fs.cipher.Decrypt(id.Email); err != nil {
			log.WithError(err).Warnf("Skipping email check for identity %s", id.ID)
		} else if identity.NormalizeEmail(plain) == normalizedEmail {
			return ErrDuplicateEmail
		}

		if plain, err := fs.cipher.Decrypt(id.Phone); err != nil {
			log.WithError(err).Warnf("Skipping phone check for identity %s", id.ID)
		} else if identity.NormalizePhone(plain) == normalizedPhone {
			return ErrDuplicatePhone
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
