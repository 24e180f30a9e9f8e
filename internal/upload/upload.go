package upload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// maxImageSize bounds a decoded upload.
const maxImageSize = 10 << 20 // 10MB

var (
	ErrBadEncoding   = errors.New("invalid base64 payload")
	ErrBadExtension  = errors.New("unsupported file extension")
	ErrImageTooLarge = errors.New("image too large")
)

var allowedExtensions = map[string]struct{}{
	"png":  {},
	"jpg":  {},
	"jpeg": {},
	"gif":  {},
	"webp": {},
}

// Store writes uploaded images into a flat directory. Filenames are random,
// so a stored name is safe to hand straight back to clients.
type Store struct {
	dir string
}

func New(dir string) *Store {
	if dir == "" {
		dir = "./uploads"
	}
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

// SaveBase64 decodes a base64 image, with or without a data-URL prefix, and
// writes it under a fresh name. It returns the stored filename.
func (s *Store) SaveBase64(data, extension string) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(extension), "."))
	if _, ok := allowedExtensions[ext]; !ok {
		return "", fmt.Errorf("%w: %q", ErrBadExtension, extension)
	}

	if idx := strings.Index(data, ","); idx >= 0 && strings.HasPrefix(data, "data:") {
		data = data[idx+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	if len(raw) == 0 {
		return "", ErrBadEncoding
	}
	if len(raw) > maxImageSize {
		return "", ErrImageTooLarge
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	name := uuid.NewString() + "." + ext
	if err := os.WriteFile(filepath.Join(s.dir, name), raw, 0o644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return name, nil
}
