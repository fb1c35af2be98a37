package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"github.com/MrCodeEU/faceattend/pkg/recognition"
)

const (
	facesDir     = "faces"
	encodingsDir = "encodings"
)

// embeddingMagic prefixes every embedding blob.
var embeddingMagic = [4]byte{'F', 'A', 'E', 'V'}

// resolve turns a stored blob reference into a filesystem path. References
// are kept relative to the data directory so the directory can be moved.
func (fs *FileStore) resolve(ref string) string {
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(fs.dataDir, ref)
}

// SaveEmbedding writes vec for identity id and returns its reference.
// Layout: magic, uint32 dimension, then little-endian float32 values.
func (fs *FileStore) SaveEmbedding(id string, vec recognition.Vector) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("%w: empty embedding", recognition.ErrInvalidInput)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 8+4*len(vec)))
	buf.Write(embeddingMagic[:])
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(vec)))
	for _, v := range vec {
		_ = binary.Write(buf, binary.LittleEndian, math.Float32bits(v))
	}

	ref := filepath.Join(encodingsDir, id+".vec")
	if err := writeFileAtomic(fs.resolve(ref), buf.Bytes()); err != nil {
		return "", fmt.Errorf("failed to write embedding: %w", err)
	}
	return ref, nil
}

// LoadEmbedding reads an embedding written by SaveEmbedding.
func (fs *FileStore) LoadEmbedding(ref string) (recognition.Vector, error) {
	data, err := os.ReadFile(fs.resolve(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding: %w", err)
	}

	if len(data) < 8 || !bytes.Equal(data[:4], embeddingMagic[:]) {
		return nil, fmt.Errorf("%w: %s is not an embedding blob", ErrCorrupt, ref)
	}
	dim := binary.LittleEndian.Uint32(data[4:8])
	if uint64(len(data)-8) != uint64(dim)*4 || dim == 0 {
		return nil, fmt.Errorf("%w: %s has %d payload bytes for dimension %d", ErrCorrupt, ref, len(data)-8, dim)
	}

	vec := make(recognition.Vector, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[8+4*i:]))
	}
	return vec, nil
}

// SaveFaceImage writes the face crop as JPEG and returns its reference.
func (fs *FileStore) SaveFaceImage(id string, img image.Image) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", recognition.ErrInvalidInput
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return "", fmt.Errorf("failed to encode face image: %w", err)
	}

	ref := filepath.Join(facesDir, id+".jpg")
	if err := writeFileAtomic(fs.resolve(ref), buf.Bytes()); err != nil {
		return "", fmt.Errorf("failed to write face image: %w", err)
	}
	return ref, nil
}

// RemoveBlob deletes a side file. Missing files are not an error.
func (fs *FileStore) RemoveBlob(ref string) error {
	if ref == "" {
		return nil
	}
	if err := os.Remove(fs.resolve(ref)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
