// Package identity defines registered identities and their attendance history
// as persisted in the record file. PII fields only ever hold ciphertext.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// TimeLayout is the persisted timestamp layout (local time, second precision).
const TimeLayout = "02-01-2006 15:04:05"

// Role is the closed set of identity roles.
type Role string

const (
	RoleAdministrator Role = "Administrator"
	RoleRegularUser   Role = "Regular User"
)

// ErrInvalidRole is returned when a role string is not one of the known roles.
var ErrInvalidRole = errors.New("invalid role")

// ParseRole accepts the persisted names plus a few CLI-friendly aliases.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "administrator", "admin":
		return RoleAdministrator, nil
	case "regular user", "regularuser", "regular", "user":
		return RoleRegularUser, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// IsAdmin reports whether the role grants admin-only capabilities.
func (r Role) IsAdmin() bool {
	return r == RoleAdministrator
}

// UnmarshalJSON rejects unknown roles so a tampered record file surfaces as corrupt.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Timestamp is a second-precision time that persists as TimeLayout.
// The zero value persists as the empty string.
type Timestamp struct {
	time.Time
}

// At truncates t to whole seconds, matching what survives a round trip.
func At(t time.Time) Timestamp {
	return Timestamp{t.Truncate(time.Second)}
}

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(ts.Local().Format(TimeLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		ts.Time = time.Time{}
		return nil
	}
	t, err := time.ParseInLocation(TimeLayout, s, time.Local)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	ts.Time = t
	return nil
}

// AttendanceRecord is one sign-in with its optional sign-out.
type AttendanceRecord struct {
	SignInTime  Timestamp `json:"sign_in_time"`
	SignOutTime Timestamp `json:"sign_out_time"`
}

// Open reports whether the record has no sign-out yet.
func (r AttendanceRecord) Open() bool {
	return r.SignOutTime.IsZero()
}

// Identity is a registered person. FullName, Email and Phone hold ciphertext.
type Identity struct {
	ID                 string             `json:"id"`
	FullName           string             `json:"fullname"`
	Email              string             `json:"email"`
	Phone              string             `json:"telephone"`
	EmailIndex         string             `json:"email_index,omitempty"`
	FaceImage          string             `json:"face_image"`
	FaceEncoding       string             `json:"face_encoding"`
	Role               Role               `json:"role"`
	TotalAttendance    int                `json:"total_attendance"`
	Attendance         []AttendanceRecord `json:"attendance_status"`
	LastAttendanceTime Timestamp          `json:"last_attendance_time"`
}

// ErrInvalidRecord is returned by Validate for identities that break the
// attendance history rules.
var ErrInvalidRecord = errors.New("invalid identity record")

// Validate checks what decoding alone cannot: the role field was present
// and known, the attendance counter is not negative, and only the most
// recent attendance record may be open.
func (id *Identity) Validate() error {
	if _, err := ParseRole(string(id.Role)); err != nil {
		return fmt.Errorf("%w: identity %q: %v", ErrInvalidRecord, id.ID, err)
	}
	if id.TotalAttendance < 0 {
		return fmt.Errorf("%w: identity %q: negative total_attendance %d", ErrInvalidRecord, id.ID, id.TotalAttendance)
	}
	for i, r := range id.Attendance {
		if r.SignInTime.IsZero() {
			return fmt.Errorf("%w: identity %q: record %d has no sign_in_time", ErrInvalidRecord, id.ID, i)
		}
		if r.Open() && i != len(id.Attendance)-1 {
			return fmt.Errorf("%w: identity %q: record %d is open but not the latest", ErrInvalidRecord, id.ID, i)
		}
	}
	return nil
}

// NewID returns a fresh identity id used to name blob files.
func NewID() string {
	return uuid.NewString()
}

// LastRecord returns the most recent attendance record, if any.
func (id *Identity) LastRecord() (AttendanceRecord, bool) {
	if len(id.Attendance) == 0 {
		return AttendanceRecord{}, false
	}
	return id.Attendance[len(id.Attendance)-1], true
}

// OpenRecords counts records without a sign-out.
func (id *Identity) OpenRecords() int {
	n := 0
	for _, r := range id.Attendance {
		if r.Open() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so callers can mutate without aliasing history.
func (id Identity) Clone() Identity {
	if id.Attendance != nil {
		records := make([]AttendanceRecord, len(id.Attendance))
		copy(records, id.Attendance)
		id.Attendance = records
	}
	return id
}

// NormalizeEmail is the canonical form used for uniqueness and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(email)))
}

// NormalizePhone strips surrounding and inner whitespace.
func NormalizePhone(phone string) string {
	return strings.Join(strings.Fields(phone), "")
}
