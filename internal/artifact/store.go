package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/store"
)

const defaultCacheSize = 512

// Store reads and writes stage artifacts. Decoded artifacts are cached and
// reused while the file keeps the same size and modification time.
type Store struct {
	now       func() time.Time
	cacheSize int
	cache     *lru.Cache[string, cachedArtifact]
}

type cachedArtifact struct {
	size    int64
	modTime time.Time
	art     Artifact
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for metadata timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithCacheSize bounds the number of decoded artifacts kept in memory.
func WithCacheSize(size int) StoreOption {
	return func(s *Store) {
		if size > 0 {
			s.cacheSize = size
		}
	}
}

// NewStore builds an artifact store.
func NewStore(opts ...StoreOption) (*Store, error) {
	s := &Store{now: time.Now, cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.New[string, cachedArtifact](s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("artifact: create cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Write encodes body with meta and atomically writes it to path. The stored
// metadata (with defaults and checksum applied) is returned.
func (s *Store) Write(path string, kind Kind, body []byte, meta Metadata) (Artifact, error) {
	prepared := meta.WithDefaults(s.now())
	if err := prepared.Validate(); err != nil {
		return Artifact{}, failure.Validation(meta.Stage, meta.IdeaID, path, "invalid metadata", err)
	}
	var (
		content []byte
		err     error
	)
	switch kind {
	case KindDocument:
		content, prepared, err = EncodeDocument(body, prepared)
	default:
		kind = KindJSON
		content, prepared, err = EncodeJSON(body, prepared)
	}
	if err != nil {
		return Artifact{}, failure.Validation(meta.Stage, meta.IdeaID, path, "invalid body", err)
	}
	if err := store.WriteFile(path, content); err != nil {
		return Artifact{}, failure.Write(path, err)
	}
	s.cache.Remove(path)
	return s.Read(path, kind)
}

// Read decodes the artifact at path. A missing file yields store.ErrNotFound;
// malformed content yields an artifact validation failure.
func (s *Store) Read(path string, kind Kind) (Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Artifact{}, fmt.Errorf("%w: %s", store.ErrNotFound, path)
		}
		return Artifact{}, fmt.Errorf("artifact: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Artifact{}, failure.Validation("", "", path, "expected file, found directory", nil)
	}
	if hit, ok := s.cache.Get(path); ok && hit.size == info.Size() && hit.modTime.Equal(info.ModTime()) && hit.art.Kind == kind {
		return cloneArtifact(hit.art), nil
	}
	data, err := store.ReadFile(path)
	if err != nil {
		return Artifact{}, err
	}
	art, err := decode(path, kind, data)
	if err != nil {
		return Artifact{}, failure.Validation("", "", path, "malformed artifact", err)
	}
	s.cache.Add(path, cachedArtifact{size: info.Size(), modTime: info.ModTime(), art: art})
	return cloneArtifact(art), nil
}

// Check inspects the artifact on disk and returns its status and metadata.
func (s *Store) Check(path string, kind Kind) CheckResult {
	art, err := s.Read(path, kind)
	switch {
	case err == nil:
		return CheckResult{Path: path, State: StateReady, Artifact: &art}
	case errors.Is(err, store.ErrNotFound):
		return CheckResult{Path: path, State: StateMissing}
	case errors.Is(err, failure.ErrArtifactValidation):
		return CheckResult{Path: path, State: StateInvalid, Err: err}
	default:
		return CheckResult{Path: path, State: StateError, Err: err}
	}
}

// Forget drops any cached copy of path.
func (s *Store) Forget(path string) {
	s.cache.Remove(path)
}

func decode(path string, kind Kind, data []byte) (Artifact, error) {
	var (
		meta Metadata
		body []byte
		sum  string
		err  error
	)
	switch kind {
	case KindDocument:
		meta, body, err = ParseFrontMatter(data)
		if err != nil {
			return Artifact{}, err
		}
		sum = ChecksumDocument(body)
	default:
		meta, body, err = DecodeJSON(data)
		if err != nil {
			return Artifact{}, err
		}
		sum, err = ChecksumJSON(body)
		if err != nil {
			return Artifact{}, err
		}
	}
	if err := meta.Validate(); err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: path, Kind: kind, Metadata: meta, Body: body, Checksum: sum}, nil
}

func cloneArtifact(a Artifact) Artifact {
	clone := a
	clone.Body = append([]byte(nil), a.Body...)
	clone.Metadata.Inputs = append([]string{}, a.Metadata.Inputs...)
	return clone
}
