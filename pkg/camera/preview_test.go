package camera

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"
)

type fixedLocator struct {
	box image.Rectangle
	err error
}

func (l fixedLocator) Locate(image.Image) (image.Rectangle, error) {
	return l.box, l.err
}

func startTestPreview(t *testing.T, dev *fakeDevice, opts PreviewOptions) (*Session, *Handle, *Preview) {
	t.Helper()
	var probed []int
	s := NewSession(openerFor(dev, 0, &probed), testCameraConfig())
	h, err := s.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	p := s.StartPreview(context.Background(), h, fixedLocator{box: image.Rect(200, 100, 400, 300)}, opts)
	return s, h, p
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestPreview_PublishesFrames(t *testing.T) {
	dev := newFakeDevice()
	_, _, p := startTestPreview(t, dev, PreviewOptions{FPS: 200, Size: 400, MaxFailures: 5, Backoff: time.Millisecond})
	defer p.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for p.Latest() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	frame := p.Latest()
	if frame == nil {
		t.Fatal("no frame published")
	}
	if b := frame.Image.Bounds(); b.Dx() != 400 || b.Dy() != 400 {
		t.Errorf("expected 400x400 preview, got %v", b)
	}
	if frame.Face == nil || *frame.Face != image.Rect(200, 100, 400, 300) {
		t.Errorf("unexpected face box %v", frame.Face)
	}
}

func TestPreview_ScalesSmallFrames(t *testing.T) {
	dev := newFakeDevice()
	dev.size = image.Rect(0, 0, 160, 120)
	_, _, p := startTestPreview(t, dev, PreviewOptions{FPS: 200, Size: 400, MaxFailures: 5})
	defer p.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for p.Latest() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	frame := p.Latest()
	if frame == nil {
		t.Fatal("no frame published")
	}
	if b := frame.Image.Bounds(); b.Dx() != 400 || b.Dy() != 400 {
		t.Errorf("expected scaled 400x400 preview, got %v", b)
	}
}

func TestPreview_StopsAfterMaxFailures(t *testing.T) {
	dev := newFakeDevice()
	dev.failing.Store(true)
	_, _, p := startTestPreview(t, dev, PreviewOptions{FPS: 200, MaxFailures: 5, Backoff: time.Millisecond})

	waitFor(t, p.Terminated(), "termination")
	waitFor(t, p.Done(), "loop exit")

	if !errors.Is(p.Err(), ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", p.Err())
	}

	time.Sleep(20 * time.Millisecond)
	if n := dev.reads.Load(); n != 5 {
		t.Errorf("expected exactly 5 reads, got %d", n)
	}
	if p.Reads() != 5 {
		t.Errorf("loop counted %d reads", p.Reads())
	}
	p.Stop()
}

func TestPreview_RecoversBeforeBudget(t *testing.T) {
	dev := newFakeDevice()
	dev.failing.Store(true)
	_, _, p := startTestPreview(t, dev, PreviewOptions{FPS: 200, MaxFailures: 5, Backoff: 5 * time.Millisecond})
	defer p.Stop()

	for dev.reads.Load() < 2 {
		time.Sleep(time.Millisecond)
	}
	dev.failing.Store(false)

	deadline := time.Now().Add(5 * time.Second)
	for p.Latest() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.Latest() == nil {
		t.Fatal("preview did not recover")
	}
	select {
	case <-p.Terminated():
		t.Error("preview terminated despite recovering")
	default:
	}
}

func TestPreview_Stop(t *testing.T) {
	dev := newFakeDevice()
	_, _, p := startTestPreview(t, dev, PreviewOptions{FPS: 1})

	p.Stop()
	p.Stop()
	reads := dev.reads.Load()
	time.Sleep(20 * time.Millisecond)
	if dev.reads.Load() != reads {
		t.Error("reads continued after Stop")
	}
	if p.Err() != nil {
		t.Errorf("Stop is not a failure, got %v", p.Err())
	}
}

func TestPreview_ContextCancel(t *testing.T) {
	dev := newFakeDevice()
	var probed []int
	s := NewSession(openerFor(dev, 0, &probed), testCameraConfig())
	h, _ := s.Acquire()

	ctx, cancel := context.WithCancel(context.Background())
	p := s.StartPreview(ctx, h, nil, PreviewOptions{FPS: 1})
	cancel()
	waitFor(t, p.Done(), "loop exit")
}

func TestPreview_StopWithStalledDevice(t *testing.T) {
	dev := newFakeDevice()
	dev.block = make(chan struct{})
	s, h, p := startTestPreview(t, dev, PreviewOptions{FPS: 200, MaxFailures: 5})
	waitUntil(t, func() bool { return dev.inFlight.Load() == 1 }, "preview read to start")

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked behind a stalled read")
	}
	if p.Err() != nil {
		t.Errorf("Stop is not a failure, got %v", p.Err())
	}

	released := make(chan struct{})
	go func() {
		s.Release(h)
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("Release blocked behind a stalled read")
	}

	close(dev.block)
	waitUntil(t, func() bool { return dev.closes.Load() == 1 }, "device close")
	if n := dev.reads.Load(); n != 1 {
		t.Errorf("expected a single device read, got %d", n)
	}
}

func TestPreview_ReleasedHandle(t *testing.T) {
	dev := newFakeDevice()
	s, h, p := startTestPreview(t, dev, PreviewOptions{FPS: 200, MaxFailures: 5})
	s.Release(h)

	waitFor(t, p.Terminated(), "termination")
	if !errors.Is(p.Err(), ErrHandleReleased) {
		t.Errorf("expected ErrHandleReleased, got %v", p.Err())
	}
}

func TestCaptureNowDuringPreview(t *testing.T) {
	dev := newFakeDevice()
	dev.delay = time.Millisecond
	s, h, p := startTestPreview(t, dev, PreviewOptions{FPS: 500, MaxFailures: 5})
	defer p.Stop()

	for i := 0; i < 10; i++ {
		if _, err := s.ReadFrame(h); err != nil {
			t.Fatalf("capture-now failed: %v", err)
		}
	}
	if dev.overlap.Load() {
		t.Error("preview and capture-now read concurrently")
	}
}

func TestBackoff(t *testing.T) {
	o := PreviewOptions{Backoff: 10 * time.Millisecond}
	if o.backoff(1) != 10*time.Millisecond || o.backoff(3) != 30*time.Millisecond {
		t.Error("backoff should grow linearly")
	}
	if o.backoff(100) != 50*time.Millisecond {
		t.Errorf("backoff should be capped, got %v", o.backoff(100))
	}
	if (PreviewOptions{FPS: 30}).interval() != time.Second/30 {
		t.Error("unexpected frame interval")
	}
}
