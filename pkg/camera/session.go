package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/MrCodeEU/faceattend/pkg/config"
	"github.com/MrCodeEU/faceattend/pkg/logging"
)

// ErrUnavailable is returned when no probed device could be opened.
var ErrUnavailable = errors.New("camera unavailable")

// ErrReadFailure wraps device read errors.
var ErrReadFailure = errors.New("camera read failed")

// ErrHandleReleased is returned when reading through a released handle.
var ErrHandleReleased = errors.New("camera handle released")

// Frame is one captured image.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
	// Face is the detected face box in source frame coordinates, if any.
	Face *image.Rectangle
}

// Handle is the session's claim on an opened device.
type Handle struct {
	index  int
	device Device

	mu       sync.Mutex
	reading  bool
	released bool
	closed   bool
}

// Index returns the device index the handle was opened on.
func (h *Handle) Index() int {
	return h.index
}

func (h *Handle) beginRead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return false
	}
	h.reading = true
	return true
}

// endRead finishes a read and performs a close that Release deferred.
func (h *Handle) endRead() {
	h.mu.Lock()
	h.reading = false
	pending := h.released && !h.closed
	if pending {
		h.closed = true
	}
	h.mu.Unlock()

	if pending {
		h.closeDevice()
	}
}

// release marks the handle dead and closes the device unless a read is
// still using it, in which case endRead closes it.
func (h *Handle) release() {
	h.mu.Lock()
	h.released = true
	now := !h.reading && !h.closed
	if now {
		h.closed = true
	}
	h.mu.Unlock()

	if now {
		h.closeDevice()
	}
}

func (h *Handle) closeDevice() {
	if err := h.device.Close(); err != nil {
		logging.Component("camera").WithError(err).Warnf("closing camera %d", h.index)
		return
	}
	logging.Component("camera").Debugf("released camera %d", h.index)
}

// Session owns at most one open device at a time.
type Session struct {
	opener Opener
	cfg    config.CameraConfig

	mu      sync.Mutex
	current *Handle

	// readSem serializes physical reads between preview and capture-now.
	readSem chan struct{}
}

// NewSession creates a session. Nothing is opened until Acquire.
func NewSession(opener Opener, cfg config.CameraConfig) *Session {
	return &Session{opener: opener, cfg: cfg, readSem: make(chan struct{}, 1)}
}

// Acquire returns the held handle, or probes device indices in order and
// keeps the first one that opens.
func (s *Session) Acquire() (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return s.current, nil
	}

	log := logging.Component("camera")
	var lastErr error
	for i := 0; i < s.cfg.MaxDevices; i++ {
		dev, err := s.opener(i, s.cfg.Width, s.cfg.Height)
		if err != nil {
			log.Debugf("device %d: %v", i, err)
			lastErr = err
			continue
		}
		s.current = &Handle{index: i, device: dev}
		log.Infof("acquired camera %d at %dx%d", i, s.cfg.Width, s.cfg.Height)
		return s.current, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: probed %d devices, last error: %v", ErrUnavailable, s.cfg.MaxDevices, lastErr)
	}
	return nil, ErrUnavailable
}

// Held reports whether h is the session's live handle.
func (s *Session) Held(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return h != nil && h == s.current
}

// ReadFrame performs one synchronous read through h, bounded by the
// configured read timeout.
func (s *Session) ReadFrame(h *Handle) (*Frame, error) {
	return s.ReadFrameContext(context.Background(), h)
}

// ReadFrameContext is ReadFrame with a caller context. It returns as soon
// as ctx is done even if the device is still busy; the next read waits for
// that device read to finish before starting its own.
func (s *Session) ReadFrameContext(ctx context.Context, h *Handle) (*Frame, error) {
	if s.cfg.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ReadTimeout)
		defer cancel()
	}

	select {
	case s.readSem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for device: %w", ErrReadFailure, ctx.Err())
	}

	if !s.Held(h) || !h.beginRead() {
		<-s.readSem
		return nil, ErrHandleReleased
	}

	type result struct {
		img image.Image
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() { <-s.readSem }()
		defer h.endRead()
		img, err := h.device.Read(ctx)
		done <- result{img, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrReadFailure, ctx.Err())
	}

	if res.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailure, res.err)
	}
	if res.img == nil || res.img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty frame", ErrReadFailure)
	}
	return &Frame{Image: res.img, Timestamp: time.Now()}, nil
}

// Release closes the device behind h. Nil and stale handles are ignored.
// It does not wait for an in-flight read; the device is closed once that
// read returns.
func (s *Session) Release(h *Handle) {
	s.mu.Lock()
	if h == nil || h != s.current {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.mu.Unlock()

	h.release()
}

// PreviewOptions derives preview settings from the session config.
func (s *Session) PreviewOptions() PreviewOptions {
	return PreviewOptions{
		FPS:         s.cfg.FPS,
		Size:        s.cfg.PreviewSize,
		MaxFailures: s.cfg.MaxFailures,
		Backoff:     s.cfg.RetryBackoff,
	}
}
