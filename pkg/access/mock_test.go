package access

import (
	"image"
	"image/color"

	"github.com/MrCodeEU/faceattend/pkg/identity"
	"github.com/MrCodeEU/faceattend/pkg/recognition"
	"github.com/MrCodeEU/faceattend/pkg/storage"
)

// MockLocator implements recognition.Locator for testing.
type MockLocator struct {
	LocateFunc func(frame image.Image) (image.Rectangle, error)
}

func (m *MockLocator) Locate(frame image.Image) (image.Rectangle, error) {
	if m.LocateFunc != nil {
		return m.LocateFunc(frame)
	}
	return frame.Bounds(), nil
}

// MockEmbedder implements recognition.Embedder for testing. By default each
// person's frame color maps to its own one-hot vector.
type MockEmbedder struct {
	EmbedFunc func(face image.Image) (recognition.Vector, error)
}

func (m *MockEmbedder) Embed(face image.Image) (recognition.Vector, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(face)
	}
	r, _, _, _ := face.At(face.Bounds().Min.X, face.Bounds().Min.Y).RGBA()
	vec := make(recognition.Vector, 8)
	vec[int(r>>8)%8] = 1
	return vec, nil
}

// personFrame is a solid frame that MockEmbedder maps to person n (0..7).
func personFrame(n int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	c := color.RGBA{R: uint8(n), A: 255}
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// MockStore wraps a real FileStore and lets tests fail individual calls.
type MockStore struct {
	*storage.FileStore

	SaveFunc          func(identities []identity.Identity) error
	SaveEmbeddingFunc func(id string, vec recognition.Vector) (string, error)
	FindByEmailFunc   func(identities []identity.Identity, email string) (int, error)
}

func (m *MockStore) FindByEmail(identities []identity.Identity, email string) (int, error) {
	if m.FindByEmailFunc != nil {
		return m.FindByEmailFunc(identities, email)
	}
	return m.FileStore.FindByEmail(identities, email)
}

func (m *MockStore) Save(identities []identity.Identity) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(identities)
	}
	return m.FileStore.Save(identities)
}

func (m *MockStore) SaveEmbedding(id string, vec recognition.Vector) (string, error) {
	if m.SaveEmbeddingFunc != nil {
		return m.SaveEmbeddingFunc(id, vec)
	}
	return m.FileStore.SaveEmbedding(id, vec)
}
