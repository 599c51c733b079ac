// Package artifact persists per-utterance audio files and removes them after
// a grace period.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind describes one type of artifact by file name prefix and extension.
type Kind struct {
	Prefix string
	Ext    string
}

// Artifact kinds written by a processing pass.
var (
	KindInput  = Kind{Prefix: "audio", Ext: "wav"}
	KindSpeech = Kind{Prefix: "speech", Ext: "mp3"}
)

// SpeechKind returns the speech kind for a non-default audio extension.
func SpeechKind(ext string) Kind {
	if ext == "" {
		return KindSpeech
	}
	return Kind{Prefix: KindSpeech.Prefix, Ext: ext}
}

// Ref identifies a persisted artifact.
type Ref struct {
	Name string // base file name, unique across connections
	Path string // location on disk
}

// IsZero reports whether r refers to nothing.
func (r Ref) IsZero() bool { return r.Name == "" }

// Store persists and deletes artifacts and maps them to public URLs.
type Store interface {
	Persist(ctx context.Context, kind Kind, data []byte) (Ref, error)
	Delete(ref Ref) error
	URL(ref Ref) string
}

// ErrOutsideDir is returned when a ref points outside the store directory.
var ErrOutsideDir = errors.New("artifact: path outside store directory")

// FileStore keeps artifacts as files in one directory, served publicly under
// baseURL + "/temp/".
type FileStore struct {
	dir     string
	baseURL string
	now     func() time.Time
}

// NewFileStore creates dir if needed. baseURL is the externally reachable
// server origin, e.g. "http://localhost:5000".
func NewFileStore(dir, baseURL string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("artifact: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("artifact: create directory: %w", err)
	}
	return &FileStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// Dir returns the directory artifacts are written to.
func (s *FileStore) Dir() string { return s.dir }

// Persist writes data under a fresh name of the form
// <prefix>_<unix millis>_<uuid>.<ext>.
func (s *FileStore) Persist(ctx context.Context, kind Kind, data []byte) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}

	name := fmt.Sprintf("%s_%d_%s.%s", kind.Prefix, s.now().UnixMilli(), uuid.NewString(), kind.Ext)
	ref := Ref{Name: name, Path: filepath.Join(s.dir, name)}

	// Write to a temp name first so the static route never serves a partial file.
	tmp := ref.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return Ref{}, fmt.Errorf("artifact: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, ref.Path); err != nil {
		_ = os.Remove(tmp)
		return Ref{}, fmt.Errorf("artifact: rename %s: %w", name, err)
	}
	return ref, nil
}

// Delete removes the artifact. Deleting a missing artifact is not an error.
func (s *FileStore) Delete(ref Ref) error {
	if ref.IsZero() {
		return nil
	}
	if err := s.contains(ref.Path); err != nil {
		return err
	}
	if err := os.Remove(ref.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("artifact: delete %s: %w", ref.Name, err)
	}
	return nil
}

// URL returns the public location of the artifact.
func (s *FileStore) URL(ref Ref) string {
	return s.baseURL + "/temp/" + url.PathEscape(ref.Name)
}

func (s *FileStore) contains(path string) error {
	absDir, err := filepath.Abs(s.dir)
	if err != nil {
		return fmt.Errorf("artifact: resolve directory: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("artifact: resolve path: %w", err)
	}
	if filepath.Dir(absPath) != filepath.Clean(absDir) {
		return fmt.Errorf("%w: %s", ErrOutsideDir, path)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
