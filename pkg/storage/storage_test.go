package storage

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrCodeEU/faceattend/pkg/cipher"
	"github.com/MrCodeEU/faceattend/pkg/identity"
	"github.com/MrCodeEU/faceattend/pkg/recognition"
)

func newTestStore(t *testing.T) (*FileStore, *cipher.Cipher) {
	t.Helper()
	var key [cipher.KeySize]byte
	key[0] = 7
	c := cipher.New(key)

	dir := t.TempDir()
	fs, err := NewFileStore(dir, filepath.Join(dir, "registered_data.json"), c)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return fs, c
}

func sealedIdentity(t *testing.T, c *cipher.Cipher, email, phone string, withIndex bool) identity.Identity {
	t.Helper()
	encEmail, err := c.Encrypt(email)
	if err != nil {
		t.Fatal(err)
	}
	encPhone, err := c.Encrypt(phone)
	if err != nil {
		t.Fatal(err)
	}
	encName, err := c.Encrypt("Test User")
	if err != nil {
		t.Fatal(err)
	}
	id := identity.Identity{
		ID:       identity.NewID(),
		FullName: encName,
		Email:    encEmail,
		Phone:    encPhone,
		Role:     identity.RoleRegularUser,
	}
	if withIndex {
		id.EmailIndex = c.Index(identity.NormalizeEmail(email))
	}
	return id
}

func TestNewFileStore_CreatesLayout(t *testing.T) {
	fs, _ := newTestStore(t)

	for _, dir := range []string{facesDir, encodingsDir} {
		if info, err := os.Stat(filepath.Join(fs.dataDir, dir)); err != nil || !info.IsDir() {
			t.Errorf("%s directory was not created", dir)
		}
	}
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	fs, _ := newTestStore(t)

	identities, err := fs.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if identities == nil || len(identities) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", identities)
	}
}

func TestLoad_EmptyFileIsEmpty(t *testing.T) {
	fs, _ := newTestStore(t)
	if err := os.WriteFile(fs.RecordPath(), []byte("  \n"), 0600); err != nil {
		t.Fatal(err)
	}

	identities, err := fs.Load()
	if err != nil || len(identities) != 0 {
		t.Errorf("expected empty store, got %v, %v", identities, err)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	tests := map[string]string{
		"truncated json": `[{"id": "a", `,
		"wrong shape":    `{"id": "a"}`,
		"unknown role":   `[{"id": "a", "role": "Root"}]`,
		"bad timestamp":  `[{"id": "a", "role": "Administrator", "last_attendance_time": "yesterday"}]`,
		"missing role":   `[{"id": "a", "total_attendance": 0}]`,
		"negative total": `[{"id": "a", "role": "Regular User", "total_attendance": -3}]`,
		"empty sign-in": `[{"id": "a", "role": "Regular User", "total_attendance": 1,
			"attendance_status": [{"sign_in_time": "", "sign_out_time": ""}]}]`,
		"open record before last": `[{"id": "a", "role": "Regular User", "total_attendance": 2,
			"attendance_status": [
				{"sign_in_time": "03-06-2024 08:00:00", "sign_out_time": ""},
				{"sign_in_time": "03-06-2024 09:00:00", "sign_out_time": ""}]}]`,
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			fs, _ := newTestStore(t)
			if err := os.WriteFile(fs.RecordPath(), []byte(content), 0600); err != nil {
				t.Fatal(err)
			}
			_, err := fs.Load()
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("expected ErrCorrupt, got %v", err)
			}
			// nothing is repaired behind the caller's back
			data, _ := os.ReadFile(fs.RecordPath())
			if string(data) != content {
				t.Error("corrupt file was modified")
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	fs, c := newTestStore(t)

	now := identity.At(time.Now())
	a := sealedIdentity(t, c, "a@x.com", "08011111111", true)
	a.TotalAttendance = 1
	a.Attendance = []identity.AttendanceRecord{{SignInTime: now}}
	b := sealedIdentity(t, c, "b@x.com", "08022222222", false)

	if err := fs.Save([]identity.Identity{a, b}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(fs.RecordPath())
	if err != nil {
		t.Fatalf("record file missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("record file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := fs.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(loaded))
	}
	if loaded[0].ID != a.ID || loaded[1].ID != b.ID {
		t.Error("order not preserved")
	}
	if len(loaded[0].Attendance) != 1 || !loaded[0].Attendance[0].SignInTime.Equal(now.Time) {
		t.Errorf("attendance not preserved: %+v", loaded[0].Attendance)
	}
	if loaded[0].Email != a.Email {
		t.Error("ciphertext not preserved")
	}

	// no temp files left behind
	entries, _ := os.ReadDir(filepath.Dir(fs.RecordPath()))
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestSave_DoesNotPersistPlaintext(t *testing.T) {
	fs, c := newTestStore(t)
	if err := fs.Save([]identity.Identity{sealedIdentity(t, c, "secret@x.com", "08099999999", true)}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(fs.RecordPath())
	for _, plain := range []string{"secret@x.com", "08099999999", "Test User"} {
		if bytes.Contains(data, []byte(plain)) {
			t.Errorf("record file contains plaintext %q", plain)
		}
	}
}

func TestSave_FailureKeepsPreviousFile(t *testing.T) {
	fs, c := newTestStore(t)
	if err := fs.Save([]identity.Identity{sealedIdentity(t, c, "a@x.com", "1", true)}); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(fs.RecordPath())

	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	// make the directory unwritable so the temp file cannot be created
	dir := filepath.Dir(fs.RecordPath())
	if err := os.Chmod(dir, 0500); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chmod(dir, 0700) }()

	if err := fs.Save(nil); err == nil {
		t.Fatal("expected Save to fail")
	}
	after, _ := os.ReadFile(fs.RecordPath())
	if string(before) != string(after) {
		t.Error("failed save modified the record file")
	}
}

func TestFindByEmail(t *testing.T) {
	fs, c := newTestStore(t)
	identities := []identity.Identity{
		sealedIdentity(t, c, "a@x.com", "1", true),
		sealedIdentity(t, c, "Legacy@X.com", "2", false),
	}

	tests := []struct {
		email string
		want  int
	}{
		{"a@x.com", 0},
		{"  A@X.COM ", 0},
		{"legacy@x.com", 1},
		{" LEGACY@x.com", 1},
	}
	for _, tt := range tests {
		got, err := fs.FindByEmail(identities, tt.email)
		if err != nil || got != tt.want {
			t.Errorf("FindByEmail(%q) = %d, %v; want %d", tt.email, got, err, tt.want)
		}
	}

	if _, err := fs.FindByEmail(identities, "nobody@x.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByEmail_SkipsUndecryptable(t *testing.T) {
	fs, c := newTestStore(t)
	broken := sealedIdentity(t, c, "broken@x.com", "1", false)
	broken.Email = "garbage"
	identities := []identity.Identity{broken, sealedIdentity(t, c, "ok@x.com", "2", false)}

	got, err := fs.FindByEmail(identities, "ok@x.com")
	if err != nil || got != 1 {
		t.Errorf("expected index 1, got %d, %v", got, err)
	}
}

func TestLookup(t *testing.T) {
	fs, c := newTestStore(t)
	a := sealedIdentity(t, c, "a@x.com", "1", true)
	if err := fs.Save([]identity.Identity{a}); err != nil {
		t.Fatal(err)
	}

	got, err := fs.Lookup("A@x.com")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("Lookup returned %s, want %s", got.ID, a.ID)
	}
	if _, err := fs.Lookup("z@x.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckUnique(t *testing.T) {
	fs, c := newTestStore(t)
	identities := []identity.Identity{
		sealedIdentity(t, c, "a@x.com", "08011111111", true),
		sealedIdentity(t, c, "old@x.com", "08022222222", false),
	}

	tests := []struct {
		name  string
		email string
		phone string
		want  error
	}{
		{"fresh", "new@x.com", "08033333333", nil},
		{"same email", "a@x.com", "08033333333", ErrDuplicateEmail},
		{"same email different case", " A@X.com", "08033333333", ErrDuplicateEmail},
		{"legacy email", "old@x.com", "08033333333", ErrDuplicateEmail},
		{"same phone", "new@x.com", "0802 222 2222", ErrDuplicatePhone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fs.CheckUnique(identities, tt.email, tt.phone)
			if !errors.Is(err, tt.want) {
				t.Errorf("CheckUnique = %v, want %v", err, tt.want)
			}
			if tt.want != nil && !errors.Is(err, ErrDuplicate) {
				t.Error("duplicate errors should wrap ErrDuplicate")
			}
		})
	}
}

func TestCheckUnique_SkipsUndecryptable(t *testing.T) {
	fs, c := newTestStore(t)
	broken := sealedIdentity(t, c, "x@x.com", "1", false)
	broken.Email = "garbage"
	broken.Phone = "garbage"

	if err := fs.CheckUnique([]identity.Identity{broken}, "new@x.com", "2"); err != nil {
		t.Errorf("undecryptable record should be skipped, got %v", err)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	fs, _ := newTestStore(t)
	vec := recognition.Vector{0.1, -2.5, 3.75, 0}

	ref, err := fs.SaveEmbedding("abc", vec)
	if err != nil {
		t.Fatalf("SaveEmbedding failed: %v", err)
	}
	if filepath.IsAbs(ref) {
		t.Errorf("reference should be relative, got %s", ref)
	}

	loaded, err := fs.LoadEmbedding(ref)
	if err != nil {
		t.Fatalf("LoadEmbedding failed: %v", err)
	}
	if len(loaded) != len(vec) {
		t.Fatalf("dimension mismatch: %d vs %d", len(loaded), len(vec))
	}
	for i := range vec {
		if loaded[i] != vec[i] {
			t.Errorf("value %d: got %f, want %f", i, loaded[i], vec[i])
		}
	}
}

func TestLoadEmbedding_Corrupt(t *testing.T) {
	fs, _ := newTestStore(t)
	ref, err := fs.SaveEmbedding("abc", recognition.Vector{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	path := fs.resolve(ref)
	data, _ := os.ReadFile(path)

	cases := map[string][]byte{
		"truncated": data[:len(data)-2],
		"bad magic": append([]byte("NOPE"), data[4:]...),
		"too short": data[:3],
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if err := os.WriteFile(path, content, 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := fs.LoadEmbedding(ref); !errors.Is(err, ErrCorrupt) {
				t.Errorf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}

func TestSaveEmbedding_Empty(t *testing.T) {
	fs, _ := newTestStore(t)
	if _, err := fs.SaveEmbedding("abc", nil); !errors.Is(err, recognition.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestFaceImage(t *testing.T) {
	fs, _ := newTestStore(t)
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	img.Set(1, 1, color.RGBA{255, 0, 0, 255})

	ref, err := fs.SaveFaceImage("abc", img)
	if err != nil {
		t.Fatalf("SaveFaceImage failed: %v", err)
	}
	data, err := os.ReadFile(fs.resolve(ref))
	if err != nil {
		t.Fatalf("face image missing: %v", err)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Error("face image is not JPEG")
	}

	if err := fs.RemoveBlob(ref); err != nil {
		t.Errorf("RemoveBlob failed: %v", err)
	}
	if err := fs.RemoveBlob(ref); err != nil {
		t.Errorf("RemoveBlob on missing file should be a no-op, got %v", err)
	}
	if _, err := fs.SaveFaceImage("abc", nil); !errors.Is(err, recognition.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for nil image, got %v", err)
	}
}
