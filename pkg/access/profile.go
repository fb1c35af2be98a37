package access

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/MrCodeEU/faceattend/pkg/attendance"
	"github.com/MrCodeEU/faceattend/pkg/identity"
	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/MrCodeEU/faceattend/pkg/storage"
)

// Profile is the decrypted view of an identity.
type Profile struct {
	ID              string
	FullName        string
	Email           string
	Phone           string
	Role            identity.Role
	TotalAttendance int
	State           attendance.State
	LastAttendance  time.Time
	Attendance      []identity.AttendanceRecord
}

// ActivityEntry is one attendance record joined with its owner's details.
type ActivityEntry struct {
	FullName           string
	Email              string
	Phone              string
	SignInTime         time.Time
	SignOutTime        time.Time
	TotalAttendance    int
	LastAttendanceTime time.Time
}

// Profile decrypts id. Decryption failures wrap cipher.ErrDecryption.
func (s *Service) Profile(id identity.Identity) (Profile, error) {
	p := Profile{
		ID:              id.ID,
		Role:            id.Role,
		TotalAttendance: id.TotalAttendance,
		State:           attendance.StateOf(&id),
		LastAttendance:  id.LastAttendanceTime.Time,
		Attendance:      id.Clone().Attendance,
	}

	var err error
	if p.FullName, err = s.cipher.Decrypt(id.FullName); err != nil {
		return Profile{}, fmt.Errorf("identity %s: full name: %w", id.ID, err)
	}
	if p.Email, err = s.cipher.Decrypt(id.Email); err != nil {
		return Profile{}, fmt.Errorf("identity %s: email: %w", id.ID, err)
	}
	if p.Phone, err = s.cipher.Decrypt(id.Phone); err != nil {
		return Profile{}, fmt.Errorf("identity %s: phone: %w", id.ID, err)
	}
	return p, nil
}

// ListProfiles decrypts every identity, skipping the ones that fail.
func (s *Service) ListProfiles() ([]Profile, error) {
	identities, err := s.store.Load()
	if err != nil {
		return nil, err
	}

	profiles := make([]Profile, 0, len(identities))
	skipped := 0
	for _, id := range identities {
		p, err := s.Profile(id)
		if err != nil {
			skipped++
			logging.Component("access").WithError(err).Debug("Skipping profile")
			continue
		}
		profiles = append(profiles, p)
	}
	if skipped > 0 {
		logging.Component("access").Warnf("Skipped %d identities that could not be decrypted", skipped)
	}
	return profiles, nil
}

// ActivityLog returns every attendance record in the store. Only
// administrators may read it.
func (s *Service) ActivityLog(requester identity.Identity) ([]ActivityEntry, error) {
	if !requester.Role.IsAdmin() {
		return nil, ErrForbidden
	}

	profiles, err := s.ListProfiles()
	if err != nil {
		return nil, err
	}

	var entries []ActivityEntry
	for _, p := range profiles {
		for _, rec := range p.Attendance {
			entries = append(entries, ActivityEntry{
				FullName:           p.FullName,
				Email:              p.Email,
				Phone:              p.Phone,
				SignInTime:         rec.SignInTime.Time,
				SignOutTime:        rec.SignOutTime.Time,
				TotalAttendance:    p.TotalAttendance,
				LastAttendanceTime: p.LastAttendance,
			})
		}
	}

	logging.Component("access").WithField("requester", requester.ID).Infof("Activity log exported (%d entries)", len(entries))
	return entries, nil
}

// ActivityLogFor resolves the requester by email first.
func (s *Service) ActivityLogFor(email string) ([]ActivityEntry, error) {
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
	return s.ActivityLog(identities[pos])
}

var activityHeader = []string{
	"fullname", "email", "telephone",
	"sign_in_time", "sign_out_time",
	"total_attendance", "last_attendance_time",
}

// WriteActivityCSV writes entries with a header row. Empty times are blank.
func WriteActivityCSV(w io.Writer, entries []ActivityEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(activityHeader); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			e.FullName, e.Email, e.Phone,
			formatTime(e.SignInTime), formatTime(e.SignOutTime),
			strconv.Itoa(e.TotalAttendance), formatTime(e.LastAttendanceTime),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(identity.TimeLayout)
}
