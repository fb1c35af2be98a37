package recognition

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/MrCodeEU/faceattend/pkg/logging"
)

// FaceEngine is the subset of go-face's Recognizer used here.
type FaceEngine interface {
	Recognize(imgData []byte) ([]face.Face, error)
	Close()
}

// EngineFactory loads a FaceEngine from a model directory.
type EngineFactory func(modelPath string) (FaceEngine, error)

func newDlibEngine(modelPath string) (FaceEngine, error) {
	rec, err := face.NewRecognizer(modelPath)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DlibRecognizer implements Locator and Embedder with dlib via go-face.
// Its descriptors are 128-d and pair with the "distance" scorer.
type DlibRecognizer struct {
	engine  FaceEngine
	factory EngineFactory
	padding int
	loaded  bool
	mu      sync.RWMutex
}

// NewRecognizer creates a DlibRecognizer that pads located boxes by padding pixels.
func NewRecognizer(padding int) *DlibRecognizer {
	return &DlibRecognizer{
		factory: newDlibEngine,
		padding: padding,
	}
}

// LoadModels loads the dlib models from the specified path.
// The path should contain:
// - shape_predictor_5_face_landmarks.dat
// - dlib_face_recognition_resnet_model_v1.dat
// - mmod_human_face_detector.dat
func (r *DlibRecognizer) LoadModels(modelPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return nil
	}

	logging.Component("recognition").Infof("Loading face recognition models from: %s", modelPath)

	engine, err := r.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	r.engine = engine
	r.loaded = true
	return nil
}

// IsLoaded returns true if models are loaded.
func (r *DlibRecognizer) IsLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Close releases the engine.
func (r *DlibRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.engine != nil {
		r.engine.Close()
		r.engine = nil
	}
	r.loaded = false
	return nil
}

// detect runs the engine on img; only the first detection is ever used.
func (r *DlibRecognizer) detect(img image.Image) (*face.Face, error) {
	if isEmpty(img) {
		return nil, ErrInvalidInput
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.loaded {
		return nil, ErrModelNotLoaded
	}

	data, err := encodeJPEG(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	faces, err := r.engine.Recognize(data)
	if err != nil {
		var loadErr face.ImageLoadError
		if errors.As(err, &loadErr) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}
	if len(faces) > 1 {
		logging.Component("recognition").Debugf("Detected %d faces, using the first", len(faces))
	}
	return &faces[0], nil
}

// Locate implements Locator. Rectangles are relative to img's bounds.
func (r *DlibRecognizer) Locate(img image.Image) (image.Rectangle, error) {
	f, err := r.detect(img)
	if err != nil {
		return image.Rectangle{}, err
	}
	bounds := img.Bounds()
	box := f.Rectangle.Add(bounds.Min)
	return ExpandBox(box, r.padding, bounds), nil
}

// Embed implements Embedder. img is usually a crop already trimmed to the
// face, so detection runs on a margined copy.
func (r *DlibRecognizer) Embed(img image.Image) (Vector, error) {
	if isEmpty(img) {
		return nil, ErrInvalidInput
	}
	f, err := r.detect(withMargin(img))
	if err != nil {
		return nil, err
	}
	vec := make(Vector, len(f.Descriptor))
	copy(vec, f.Descriptor[:])
	return vec, nil
}
