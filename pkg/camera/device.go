// Package camera owns the capture device: probing and acquiring a single
// handle, synchronized frame reads and the background preview loop.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os/exec"
	"strings"
	"time"
)

// execCommand is swapped out in tests.
var execCommand = exec.CommandContext

// probeTimeout bounds a single v4l2-ctl query.
const probeTimeout = 5 * time.Second

// Device is an opened capture device. Read must give up once ctx is done.
type Device interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// Opener opens the device with the given index at a fixed resolution.
type Opener func(index, width, height int) (Device, error)

// DeviceInfo is what v4l2-ctl reports for an opened device.
type DeviceInfo struct {
	Path   string
	Name   string
	Driver string
}

type ffmpegDevice struct {
	info   DeviceInfo
	width  int
	height int
}

// FFmpegOpener opens V4L2 devices whose paths follow pattern (e.g.
// "/dev/video%d"). Frames are grabbed one at a time through ffmpeg.
func FFmpegOpener(pattern string) Opener {
	return func(index, width, height int) (Device, error) {
		path := fmt.Sprintf(pattern, index)
		info, err := probeDevice(path)
		if err != nil {
			return nil, err
		}
		return &ffmpegDevice{info: info, width: width, height: height}, nil
	}
}

func probeDevice(path string) (DeviceInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := execCommand(ctx, "v4l2-ctl", "--device", path, "--info").Output()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("probe %s: %w", path, err)
	}

	info := DeviceInfo{Path: path}
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Driver name":
			info.Driver = strings.TrimSpace(value)
		case "Card type":
			info.Name = strings.TrimSpace(value)
		}
	}
	return info, nil
}

// Info returns the probed device details.
func (d *ffmpegDevice) Info() DeviceInfo {
	return d.info
}

// Read grabs one frame. Cancelling ctx kills the ffmpeg process.
func (d *ffmpegDevice) Read(ctx context.Context) (image.Image, error) {
	cmd := execCommand(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", d.width, d.height),
		"-i", d.info.Path,
		"-frames:v", "1",
		"-f", "image2", "-vcodec", "mjpeg",
		"pipe:1",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ffmpeg capture from %s: %w", d.info.Path, ctxErr)
		}
		return nil, fmt.Errorf("ffmpeg capture from %s: %w (%s)", d.info.Path, err, strings.TrimSpace(stderr.String()))
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode frame from %s: %w", d.info.Path, err)
	}
	return img, nil
}

// Close is a no-op: ffmpeg holds the device only for the duration of a read.
func (d *ffmpegDevice) Close() error {
	return nil
}
