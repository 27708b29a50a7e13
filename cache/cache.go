// Package cache stores pipeline artifacts under content-derived fingerprints
// so repeated runs with identical inputs hit the filesystem instead of the
// engines.
package cache

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Kind identifies what a cached artifact is.
type Kind string

const (
	KindNarration     Kind = "narration"
	KindMusic         Kind = "music"
	KindMixed         Kind = "mixed"
	KindAvatar        Kind = "avatar"
	KindVideo         Kind = "video"
	KindChunkedScript Kind = "chunked_script"
)

// Extension returns the fixed file extension for the kind.
func (k Kind) Extension() string {
	switch k {
	case KindNarration, KindMusic, KindMixed:
		return ".mp3"
	case KindAvatar, KindVideo:
		return ".mp4"
	case KindChunkedScript:
		return ".txt"
	default:
		return ".bin"
	}
}

// MinValidSize returns the smallest byte count an artifact of this kind may
// have and still be treated as usable. Anything below it is a failed or
// partial production.
func (k Kind) MinValidSize() int64 {
	switch k {
	case KindAvatar, KindVideo:
		return 50 * 1024
	case KindNarration, KindMusic, KindMixed:
		return 500
	case KindChunkedScript:
		return 1
	default:
		return 1
	}
}

// ErrCacheDirUnwritable reports a cache root we cannot create files in.
// This is an environment error and fatal to the run.
var ErrCacheDirUnwritable = errors.New("cache directory is not writable")

var allKinds = []Kind{KindNarration, KindMusic, KindMixed, KindAvatar, KindVideo, KindChunkedScript}

// Store is a content-addressed artifact store rooted at a single directory.
// Layout: <root>/<kind>/<fingerprint><ext>, temp files <root>/<kind>/.tmp-<id>.
//
// Leases give at-most-one concurrent production per (kind, fingerprint)
// within this process. Cross-process coordination is explicitly not provided.
type Store struct {
	root string

	mu     sync.Mutex
	leases map[string]*leaseState
}

type leaseState struct {
	lock sync.Mutex
	refs int
}

// Lease is a held production slot for one (kind, fingerprint) pair. Exactly
// one of Commit or Discard must be called on it.
type Lease struct {
	store       *Store
	kind        Kind
	fingerprint string
	released    bool
}

// NewStore creates the kind subdirectories under root and verifies the root
// is writable.
func NewStore(root string) (*Store, error) {
	for _, k := range allKinds {
		if err := os.MkdirAll(filepath.Join(root, string(k)), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory for %s: %v", k, err)
		}
	}

	probe := filepath.Join(root, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCacheDirUnwritable, root, err)
	}
	os.Remove(probe)

	return &Store{
		root:   root,
		leases: make(map[string]*leaseState),
	}, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the canonical location for a (kind, fingerprint) pair whether
// or not an artifact exists there yet.
func (s *Store) Path(kind Kind, fingerprint string) string {
	return filepath.Join(s.root, string(kind), fingerprint+kind.Extension())
}

// TempPath returns a fresh staging path inside the kind's directory. Staging
// in the same directory keeps the final rename atomic on every filesystem.
func (s *Store) TempPath(kind Kind) string {
	return filepath.Join(s.root, string(kind), ".tmp-"+uuid.New().String())
}

// Lookup returns the artifact path for (kind, fingerprint) if it exists and
// passes the kind's minimum-size check. An undersized file is stale output
// from a failed producer and is deleted on sight.
func (s *Store) Lookup(kind Kind, fingerprint string) (string, bool) {
	path := s.Path(kind, fingerprint)
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}

	if info.Size() < kind.MinValidSize() {
		log.Printf("Removing stale %s artifact %s (%d bytes, need %d)",
			kind, fingerprint, info.Size(), kind.MinValidSize())
		os.Remove(path)
		return "", false
	}

	return path, true
}

// Reserve blocks until this goroutine holds the production slot for
// (kind, fingerprint). Callers racing on the same pair serialize here; the
// loser should re-check Lookup before producing.
func (s *Store) Reserve(kind Kind, fingerprint string) *Lease {
	key := string(kind) + "/" + fingerprint

	s.mu.Lock()
	st, ok := s.leases[key]
	if !ok {
		st = &leaseState{}
		s.leases[key] = st
	}
	st.refs++
	s.mu.Unlock()

	st.lock.Lock()

	return &Lease{store: s, kind: kind, fingerprint: fingerprint}
}

// Commit atomically publishes producedPath as the artifact for the lease's
// (kind, fingerprint) and releases the lease. The produced file must pass the
// kind's minimum-size check. If a valid artifact already exists at the
// canonical path the produced file is discarded (first writer wins).
func (s *Store) Commit(lease *Lease, producedPath string) (string, error) {
	if lease.released {
		return "", fmt.Errorf("lease for %s/%s already released", lease.kind, lease.fingerprint)
	}
	defer s.release(lease)

	info, err := os.Stat(producedPath)
	if err != nil {
		return "", fmt.Errorf("produced artifact missing: %v", err)
	}
	if info.Size() < lease.kind.MinValidSize() {
		os.Remove(producedPath)
		return "", fmt.Errorf("produced %s artifact too small: %d bytes (need %d)",
			lease.kind, info.Size(), lease.kind.MinValidSize())
	}

	canonical := s.Path(lease.kind, lease.fingerprint)
	if existing, err := os.Stat(canonical); err == nil && existing.Size() >= lease.kind.MinValidSize() {
		os.Remove(producedPath)
		return canonical, nil
	}

	if err := os.Rename(producedPath, canonical); err != nil {
		return "", fmt.Errorf("failed to commit %s artifact: %v", lease.kind, err)
	}

	return canonical, nil
}

// Discard releases the lease without publishing anything. The producer
// failed; any temp file cleanup is the producer's job.
func (s *Store) Discard(lease *Lease) {
	if lease.released {
		return
	}
	s.release(lease)
}

func (s *Store) release(lease *Lease) {
	lease.released = true
	key := string(lease.kind) + "/" + lease.fingerprint

	s.mu.Lock()
	st := s.leases[key]
	st.refs--
	if st.refs == 0 {
		delete(s.leases, key)
	}
	s.mu.Unlock()

	st.lock.Unlock()
}
