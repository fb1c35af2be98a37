package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MrCodeEU/faceattend/pkg/access"
	"github.com/MrCodeEU/faceattend/pkg/attendance"
	"github.com/MrCodeEU/faceattend/pkg/camera"
	"github.com/MrCodeEU/faceattend/pkg/cipher"
	"github.com/MrCodeEU/faceattend/pkg/identity"
	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/MrCodeEU/faceattend/pkg/recognition"
	"github.com/MrCodeEU/faceattend/pkg/storage"
)

// newService wires the access flows from cfg. Models are only loaded when
// the command needs the camera pipeline.
func newService(withModels bool) (*access.Service, *recognition.DlibRecognizer, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, nil, fmt.Errorf("failed to create directories: %w", err)
	}

	c, err := cipher.Load(cfg.KeyPath())
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewFileStore(cfg.Storage.DataDir, cfg.RecordPath(), c)
	if err != nil {
		return nil, nil, err
	}

	recognizer := recognition.NewRecognizer(cfg.Recognition.FacePadding)
	if withModels {
		if err := recognizer.LoadModels(cfg.Recognition.ModelPath); err != nil {
			return nil, nil, fmt.Errorf("%w (run 'faceattend download-models' first)", err)
		}
	}

	scorer, err := recognition.ScorerByName(cfg.Recognition.Scoring)
	if err != nil {
		_ = recognizer.Close()
		return nil, nil, err
	}

	svc, err := access.NewService(access.Dependencies{
		Store:            store,
		Cipher:           c,
		Locator:          recognizer,
		Embedder:         recognizer,
		Matcher:          recognition.NewMatcher(scorer, cfg.Recognition.Threshold),
		Machine:          attendance.NewMachine(cfg.Attendance.Cooldown),
		SignInOnRegister: cfg.Attendance.SignInOnRegister,
	})
	if err != nil {
		_ = recognizer.Close()
		return nil, nil, err
	}
	return svc, recognizer, nil
}

// captureFrame grabs one frame, retrying failed reads within the configured budget.
func captureFrame() (image.Image, error) {
	session := camera.NewSession(camera.FFmpegOpener(cfg.Camera.DevicePattern), cfg.Camera)
	h, err := session.Acquire()
	if err != nil {
		return nil, err
	}
	defer session.Release(h)

	var lastErr error
	for attempt := 1; attempt <= cfg.Camera.MaxFailures; attempt++ {
		frame, err := session.ReadFrame(h)
		if err == nil {
			return frame.Image, nil
		}
		lastErr = err
		logging.Warnf("Frame capture failed (%d/%d): %v", attempt, cfg.Camera.MaxFailures, err)
		time.Sleep(cfg.Camera.RetryBackoff)
	}
	return nil, fmt.Errorf("%w: %v", camera.ErrRetriesExhausted, lastErr)
}

func parseRegisterArgs(args []string) (access.RegisterRequest, error) {
	if len(args) < 3 {
		return access.RegisterRequest{}, fmt.Errorf("full name, email and phone required\nUsage: %s", commands["register"].Usage)
	}
	req := access.RegisterRequest{
		FullName: args[0],
		Email:    args[1],
		Phone:    args[2],
		Role:     identity.RoleRegularUser,
	}
	if len(args) > 3 {
		role, err := identity.ParseRole(strings.Join(args[3:], " "))
		if err != nil {
			return access.RegisterRequest{}, err
		}
		req.Role = role
	}
	return req, nil
}

func cmdRegister(args []string) error {
	req, err := parseRegisterArgs(args)
	if err != nil {
		return err
	}

	svc, recognizer, err := newService(true)
	if err != nil {
		return err
	}
	defer func() { _ = recognizer.Close() }()

	fmt.Println("Look at the camera...")
	if req.Frame, err = captureFrame(); err != nil {
		return err
	}

	id, err := svc.Register(req)
	if err != nil {
		if errors.Is(err, access.ErrDuplicateRegistration) {
			return fmt.Errorf("%s is already registered: %w", req.Email, err)
		}
		return err
	}

	fmt.Printf("Registered %s as %s.\n", req.FullName, id.Role)
	if attendance.StateOf(id) == attendance.SignedIn {
		fmt.Println("You are now signed in.")
	}
	return nil
}

func cmdSignIn(args []string) error {
	return runAttendance(args, "signed in", (*access.Service).SignIn, (*access.Service).SignInByEmail)
}

func cmdSignOut(args []string) error {
	return runAttendance(args, "signed out", (*access.Service).SignOut, (*access.Service).SignOutByEmail)
}

func runAttendance(
	args []string,
	verb string,
	byFace func(*access.Service, image.Image) (access.MatchOutcome, error),
	byEmail func(*access.Service, string, time.Time) (*identity.Identity, error),
) error {
	svc, recognizer, err := newService(len(args) == 0)
	if err != nil {
		return err
	}
	defer func() { _ = recognizer.Close() }()

	var id *identity.Identity
	if len(args) > 0 {
		id, err = byEmail(svc, args[0], time.Time{})
	} else {
		var frame image.Image
		if frame, err = captureFrame(); err != nil {
			return err
		}
		var outcome access.MatchOutcome
		outcome, err = byFace(svc, frame)
		id = outcome.Identity
	}
	if err != nil {
		return describeAttendanceError(err)
	}

	p, err := svc.Profile(*id)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s at %s (total attendance: %d).\n", p.FullName, verb,
		time.Now().Format(identity.TimeLayout), p.TotalAttendance)
	return nil
}

func describeAttendanceError(err error) error {
	var cooldown *attendance.CooldownError
	switch {
	case errors.As(err, &cooldown):
		return fmt.Errorf("you signed out recently; try again after %s", cooldown.Until.Format(identity.TimeLayout))
	case errors.Is(err, attendance.ErrAlreadySignedIn):
		return errors.New("you are already signed in")
	case errors.Is(err, attendance.ErrNotSignedIn):
		return errors.New("you are not signed in")
	case errors.Is(err, access.ErrNoMatch):
		return errors.New("face not recognized; please register first")
	case errors.Is(err, recognition.ErrNoFaceDetected):
		return errors.New("no face detected; position your face in front of the camera")
	}
	return err
}

func cmdIdentify(args []string) error {
	svc, recognizer, err := newService(true)
	if err != nil {
		return err
	}
	defer func() { _ = recognizer.Close() }()

	frame, err := captureFrame()
	if err != nil {
		return err
	}
	outcome, err := svc.Identify(frame)
	if err != nil {
		return describeAttendanceError(err)
	}
	if !outcome.Matched {
		fmt.Printf("No match (best score %.3f, threshold %.3f).\n", outcome.BestScore, cfg.Recognition.Threshold)
		return nil
	}

	p, err := svc.Profile(*outcome.Identity)
	if err != nil {
		return err
	}
	fmt.Printf("%s <%s> (%s, %s), score %.3f in %v\n", p.FullName, p.Email, p.Role, p.State,
		outcome.Score, outcome.Duration.Round(time.Millisecond))
	return nil
}

func cmdPreview(args []string) error {
	duration := 10 * time.Second
	if len(args) > 0 {
		secs, err := strconv.Atoi(args[0])
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid duration %q", args[0])
		}
		duration = time.Duration(secs) * time.Second
	}

	recognizer := recognition.NewRecognizer(cfg.Recognition.FacePadding)
	var locator recognition.Locator
	if err := recognizer.LoadModels(cfg.Recognition.ModelPath); err != nil {
		logging.Warnf("Preview without face detection: %v", err)
	} else {
		locator = recognizer
	}
	defer func() { _ = recognizer.Close() }()

	session := camera.NewSession(camera.FFmpegOpener(cfg.Camera.DevicePattern), cfg.Camera)
	h, err := session.Acquire()
	if err != nil {
		return err
	}
	defer session.Release(h)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	preview := session.StartPreview(ctx, h, locator, session.PreviewOptions())
	defer preview.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-preview.Done():
			if err := preview.Err(); err != nil {
				return err
			}
			return savePreview(preview.Latest(), args)
		case <-ticker.C:
			frame := preview.Latest()
			switch {
			case frame == nil:
				fmt.Println("waiting for camera...")
			case frame.Face != nil:
				fmt.Printf("face at %v\n", *frame.Face)
			default:
				fmt.Println("no face")
			}
		}
	}
}

func savePreview(frame *camera.Frame, args []string) error {
	if len(args) < 2 || frame == nil {
		return nil
	}
	f, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := jpeg.Encode(f, frame.Image, &jpeg.Options{Quality: 90}); err != nil {
		return err
	}
	fmt.Printf("Last preview frame written to %s\n", args[1])
	return nil
}

func cmdList(args []string) error {
	svc, _, err := newService(false)
	if err != nil {
		return err
	}

	profiles, err := svc.ListProfiles()
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Println("Nobody registered.")
		return nil
	}

	fmt.Println("Registered people:")
	for _, p := range profiles {
		last := "never"
		if !p.LastAttendance.IsZero() {
			last = p.LastAttendance.Format(identity.TimeLayout)
		}
		fmt.Printf("  - %-24s %-28s %-13s %-10s attended %d, last %s\n",
			p.FullName, p.Email, p.Role, p.State, p.TotalAttendance, last)
	}
	fmt.Printf("\nTotal: %d\n", len(profiles))
	return nil
}

func cmdExport(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("administrator email required\nUsage: %s", commands["export"].Usage)
	}

	svc, _, err := newService(false)
	if err != nil {
		return err
	}

	entries, err := svc.ActivityLogFor(args[0])
	if err != nil {
		return err
	}

	path := fmt.Sprintf("activity_log_%s.csv", time.Now().Format("20060102_150405"))
	if len(args) > 1 {
		path = args[1]
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := access.WriteActivityCSV(f, entries); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Printf("Activity log (%d entries) written to %s\n", len(entries), path)
	return nil
}

func cmdConfig(args []string) error {
	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()
	fmt.Println("[Camera]")
	fmt.Printf("  Devices:         %s (0..%d)\n", cfg.Camera.DevicePattern, cfg.Camera.MaxDevices-1)
	fmt.Printf("  Resolution:      %dx%d @ %d FPS\n", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	fmt.Printf("  Preview Size:    %d\n", cfg.Camera.PreviewSize)
	fmt.Printf("  Read Failures:   %d (backoff %v)\n", cfg.Camera.MaxFailures, cfg.Camera.RetryBackoff)
	fmt.Printf("  Read Timeout:    %v\n", cfg.Camera.ReadTimeout)
	fmt.Println()
	fmt.Println("[Recognition]")
	fmt.Printf("  Scoring:         %s\n", cfg.Recognition.Scoring)
	fmt.Printf("  Threshold:       %.2f\n", cfg.Recognition.Threshold)
	fmt.Printf("  Model Path:      %s\n", cfg.Recognition.ModelPath)
	fmt.Printf("  Face Padding:    %d\n", cfg.Recognition.FacePadding)
	fmt.Println()
	fmt.Println("[Attendance]")
	fmt.Printf("  Cooldown:        %v\n", cfg.Attendance.Cooldown)
	fmt.Printf("  Sign In on Reg.: %t\n", cfg.Attendance.SignInOnRegister)
	fmt.Println()
	fmt.Println("[Storage]")
	fmt.Printf("  Data Dir:        %s\n", cfg.Storage.DataDir)
	fmt.Printf("  Records:         %s\n", cfg.RecordPath())
	fmt.Printf("  Key File:        %s\n", cfg.KeyPath())
	fmt.Println()
	fmt.Println("[Logging]")
	fmt.Printf("  Level:           %s\n", cfg.Logging.Level)
	fmt.Printf("  Format:          %s\n", cfg.Logging.Format)
	fmt.Printf("  File:            %s\n", cfg.Logging.File)
	return nil
}

func cmdVersion(args []string) error {
	fmt.Printf("faceattend v%s\n", version)
	return nil
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: %s", cmdName)
	}

	fmt.Printf("Command: %s\n", cmd.Name)
	fmt.Printf("Description: %s\n", cmd.Description)
	fmt.Printf("Usage: %s\n", cmd.Usage)

	switch cmdName {
	case "register":
		fmt.Println("\nThe role defaults to a regular user. Email and phone must be unique.")
		fmt.Println("Personal details are encrypted before they are written to disk.")
	case "signin", "signout":
		fmt.Println("\nWithout an email the camera is used to recognize you.")
		fmt.Printf("Sign-in is refused for %v after a sign-out.\n", cfg.Attendance.Cooldown)
	case "config":
		fmt.Println("\nConfiguration Locations:")
		fmt.Println("  System: /etc/faceattend/faceattend.yaml")
		fmt.Println("  User:   ~/.config/faceattend/faceattend.yaml")
		fmt.Println("\nFACEATTEND_* environment variables (or a .env file) override both.")
	}
	return nil
}
