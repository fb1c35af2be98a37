package camera

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/MrCodeEU/faceattend/pkg/recognition"
)

// ErrRetriesExhausted is reported once the preview gives up on the device.
var ErrRetriesExhausted = errors.New("camera read retries exhausted")

const maxBackoffSteps = 5

// PreviewOptions tunes the preview loop.
type PreviewOptions struct {
	FPS         int
	Size        int // side of the square preview; 0 keeps the full frame
	MaxFailures int
	Backoff     time.Duration // grows linearly per consecutive failure
}

func (o PreviewOptions) interval() time.Duration {
	if o.FPS <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(o.FPS)
}

func (o PreviewOptions) backoff(failures int) time.Duration {
	if failures > maxBackoffSteps {
		failures = maxBackoffSteps
	}
	return o.Backoff * time.Duration(failures)
}

// Preview is a running background capture loop. It is the only writer of
// the latest frame.
type Preview struct {
	session *Session
	handle  *Handle
	locator recognition.Locator
	opts    PreviewOptions

	latest  atomic.Pointer[Frame]
	stopped atomic.Bool
	reads   atomic.Int64

	stopOnce   sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
	terminated chan struct{}

	mu  sync.Mutex
	err error
}

// StartPreview starts the loop on h. locator may be nil to skip annotation.
// Cancelling ctx or calling Stop also abandons a read in progress.
func (s *Session) StartPreview(ctx context.Context, h *Handle, locator recognition.Locator, opts PreviewOptions) *Preview {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Preview{
		session:    s,
		handle:     h,
		locator:    locator,
		opts:       opts,
		cancel:     cancel,
		done:       make(chan struct{}),
		terminated: make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *Preview) run(ctx context.Context) {
	defer close(p.done)
	defer p.cancel()
	log := logging.Component("preview")

	failures := 0
	for {
		if p.stopped.Load() || ctx.Err() != nil {
			return
		}

		p.reads.Add(1)
		frame, err := p.session.ReadFrameContext(ctx, p.handle)
		if err != nil {
			if p.stopped.Load() || ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrHandleReleased) {
				p.terminate(err)
				return
			}
			failures++
			log.WithError(err).Warnf("read failed (%d/%d)", failures, p.opts.MaxFailures)
			if failures >= p.opts.MaxFailures {
				p.terminate(ErrRetriesExhausted)
				return
			}
			if !p.sleep(ctx, p.opts.backoff(failures)) {
				return
			}
			continue
		}

		failures = 0
		p.latest.Store(p.render(frame))

		if !p.sleep(ctx, p.opts.interval()) {
			return
		}
	}
}

func (p *Preview) terminate(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	logging.Component("preview").WithError(err).Warn("preview terminated")
	close(p.terminated)
}

// sleep waits for d and reports false if the loop should exit instead.
func (p *Preview) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !p.stopped.Load()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !p.stopped.Load()
	case <-ctx.Done():
		return false
	}
}

func (p *Preview) render(frame *Frame) *Frame {
	img := toRGBA(frame.Image)
	out := &Frame{Timestamp: frame.Timestamp}

	if p.locator != nil {
		if box, err := p.locator.Locate(img); err == nil {
			drawCorners(img, box, color.RGBA{R: 0, G: 255, B: 0, A: 255})
			out.Face = &box
		}
	}

	out.Image = centerSquare(img, p.opts.Size)
	return out
}

// Stop ends the loop and waits for it to exit. Safe to call repeatedly.
func (p *Preview) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		p.cancel()
	})
	<-p.done
}

// Latest returns the most recently published frame, or nil before the first.
func (p *Preview) Latest() *Frame {
	return p.latest.Load()
}

// Terminated is closed when the loop stops itself after failures.
func (p *Preview) Terminated() <-chan struct{} {
	return p.terminated
}

// Done is closed when the loop has exited for any reason.
func (p *Preview) Done() <-chan struct{} {
	return p.done
}

// Err returns the reason the loop terminated itself, if it did.
func (p *Preview) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Reads returns how many physical reads the loop has attempted.
func (p *Preview) Reads() int {
	return int(p.reads.Load())
}

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// drawCorners marks the four corners of box with short L-shaped strokes.
func drawCorners(img *image.RGBA, box image.Rectangle, c color.RGBA) {
	box = box.Intersect(img.Bounds())
	if box.Empty() {
		return
	}
	length := min(box.Dx(), box.Dy()) / 4
	const thickness = 2

	fill := func(r image.Rectangle) {
		draw.Draw(img, r.Intersect(box), &image.Uniform{C: c}, image.Point{}, draw.Src)
	}

	x0, y0, x1, y1 := box.Min.X, box.Min.Y, box.Max.X, box.Max.Y
	fill(image.Rect(x0, y0, x0+length, y0+thickness))
	fill(image.Rect(x0, y0, x0+thickness, y0+length))
	fill(image.Rect(x1-length, y0, x1, y0+thickness))
	fill(image.Rect(x1-thickness, y0, x1, y0+length))
	fill(image.Rect(x0, y1-thickness, x0+length, y1))
	fill(image.Rect(x0, y1-length, x0+thickness, y1))
	fill(image.Rect(x1-length, y1-thickness, x1, y1))
	fill(image.Rect(x1-thickness, y1-length, x1, y1))
}

// centerSquare crops the largest centered square and brings it to size x size,
// cropping when the frame is big enough and scaling up otherwise.
func centerSquare(img *image.RGBA, size int) image.Image {
	if size <= 0 {
		return img
	}
	b := img.Bounds()
	side := min(b.Dx(), b.Dy())

	if side >= size {
		x := b.Min.X + (b.Dx()-size)/2
		y := b.Min.Y + (b.Dy()-size)/2
		return img.SubImage(image.Rect(x, y, x+size, y+size))
	}

	x := b.Min.X + (b.Dx()-side)/2
	y := b.Min.Y + (b.Dy()-side)/2
	src := image.Rect(x, y, x+side, y+side)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst
}
