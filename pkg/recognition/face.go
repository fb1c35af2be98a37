// Package recognition turns face images into embeddings and decides which
// registered identity, if any, a probe embedding belongs to.
package recognition

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// ErrNoFaceDetected is returned when no face is found in the image.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrInvalidInput is returned for missing, empty or undecodable images.
var ErrInvalidInput = errors.New("invalid face image")

// ErrModelNotLoaded is returned when models are not loaded.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// Embedder turns a cropped face into a fixed-length vector.
type Embedder interface {
	Embed(face image.Image) (Vector, error)
}

// Locator finds the first face in a frame and returns its padded box.
type Locator interface {
	Locate(frame image.Image) (image.Rectangle, error)
}

// ExpandBox grows box by padding on every side and clamps it to bounds.
func ExpandBox(box image.Rectangle, padding int, bounds image.Rectangle) image.Rectangle {
	return image.Rect(
		box.Min.X-padding, box.Min.Y-padding,
		box.Max.X+padding, box.Max.Y+padding,
	).Intersect(bounds)
}

// CropFace copies the region of img inside box into a new image.
func CropFace(img image.Image, box image.Rectangle) (image.Image, error) {
	if isEmpty(img) {
		return nil, ErrInvalidInput
	}
	box = box.Intersect(img.Bounds())
	if box.Empty() {
		return nil, ErrInvalidInput
	}

	dst := image.NewRGBA(image.Rect(0, 0, box.Dx(), box.Dy()))
	draw.Draw(dst, dst.Bounds(), img, box.Min, draw.Src)
	return dst, nil
}

// withMargin centers img on a neutral canvas a quarter of its longer side
// wider on every edge, so a face that fills a tight crop is still found.
func withMargin(img image.Image) *image.RGBA {
	b := img.Bounds()
	margin := max(b.Dx(), b.Dy()) / 4
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()+2*margin, b.Dy()+2*margin))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.Gray{Y: 128}}, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(margin, margin, margin+b.Dx(), margin+b.Dy()), img, b.Min, draw.Src)
	return dst
}

func isEmpty(img image.Image) bool {
	return img == nil || img.Bounds().Empty()
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
