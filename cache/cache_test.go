package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

// validAudio is comfortably above the 500-byte audio minimum.
func validAudio() []byte {
	return bytes.Repeat([]byte("a"), 1024)
}

func TestNewStoreCreatesKindDirectories(t *testing.T) {
	root := t.TempDir()
	if _, err := NewStore(root); err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	for _, kind := range allKinds {
		if info, err := os.Stat(filepath.Join(root, string(kind))); err != nil || !info.IsDir() {
			t.Errorf("Expected directory for kind %s", kind)
		}
	}
}

func TestNewStoreUnwritableRoot(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	root := filepath.Join(t.TempDir(), "frozen")
	if err := os.MkdirAll(root, 0o555); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	if _, err := NewStore(root); err == nil {
		t.Error("Expected an error for an unwritable cache root")
	}
}

func TestLookupMissAndHit(t *testing.T) {
	store := newTestStore(t)
	fp := NarrationFingerprint("hello", "google", nil)

	if _, ok := store.Lookup(KindNarration, fp); ok {
		t.Fatal("Lookup reported a hit on an empty store")
	}

	lease := store.Reserve(KindNarration, fp)
	tmp := store.TempPath(KindNarration)
	if err := os.WriteFile(tmp, validAudio(), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	committed, err := store.Commit(lease, tmp)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	path, ok := store.Lookup(KindNarration, fp)
	if !ok {
		t.Fatal("Lookup missed a committed artifact")
	}
	if path != committed {
		t.Errorf("Lookup path %s differs from committed path %s", path, committed)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Error("Temp file survived the commit")
	}
}

func TestLookupDeletesUndersizedArtifact(t *testing.T) {
	store := newTestStore(t)
	fp := NarrationFingerprint("tiny", "google", nil)

	// Plant a partial write directly at the final path.
	path := store.Path(KindNarration, fp)
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, ok := store.Lookup(KindNarration, fp); ok {
		t.Error("Lookup returned an undersized artifact")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Undersized artifact was not deleted")
	}
}

func TestCommitRejectsUndersizedProduction(t *testing.T) {
	store := newTestStore(t)
	lease := store.Reserve(KindNarration, "deadbeef")

	tmp := store.TempPath(KindNarration)
	if err := os.WriteFile(tmp, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := store.Commit(lease, tmp); err == nil {
		t.Error("Commit accepted an undersized artifact")
	}
	if _, ok := store.Lookup(KindNarration, "deadbeef"); ok {
		t.Error("Rejected commit is visible via Lookup")
	}
}

func TestFirstWriterWins(t *testing.T) {
	store := newTestStore(t)
	fp := "cafebabe"

	write := func(content []byte) string {
		lease := store.Reserve(KindNarration, fp)
		defer store.Discard(lease)

		if path, ok := store.Lookup(KindNarration, fp); ok {
			return path
		}
		tmp := store.TempPath(KindNarration)
		if err := os.WriteFile(tmp, content, 0644); err != nil {
			t.Errorf("WriteFile failed: %v", err)
			return ""
		}
		path, err := store.Commit(lease, tmp)
		if err != nil {
			t.Errorf("Commit failed: %v", err)
		}
		return path
	}

	first := bytes.Repeat([]byte("1"), 1024)
	second := bytes.Repeat([]byte("2"), 1024)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		content := first
		if i%2 == 1 {
			content = second
		}
		wg.Add(1)
		go func(content []byte) {
			defer wg.Done()
			write(content)
		}(content)
	}
	wg.Wait()

	path, ok := store.Lookup(KindNarration, fp)
	if !ok {
		t.Fatal("No artifact after concurrent producers")
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, first) && !bytes.Equal(got, second) {
		t.Error("Committed artifact is a mix of two producers")
	}
}

func TestTempPathsAreUnique(t *testing.T) {
	store := newTestStore(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tmp := store.TempPath(KindMusic)
		if seen[tmp] {
			t.Fatalf("TempPath repeated %s", tmp)
		}
		seen[tmp] = true
	}
}

func TestKindMetadata(t *testing.T) {
	tests := []struct {
		kind    Kind
		ext     string
		minSize int64
	}{
		{KindNarration, ".mp3", 500},
		{KindMusic, ".mp3", 500},
		{KindMixed, ".mp3", 500},
		{KindAvatar, ".mp4", 50 * 1024},
		{KindVideo, ".mp4", 50 * 1024},
		{KindChunkedScript, ".txt", 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Extension(); got != tt.ext {
				t.Errorf("Extension = %s, want %s", got, tt.ext)
			}
			if got := tt.kind.MinValidSize(); got != tt.minSize {
				t.Errorf("MinValidSize = %d, want %d", got, tt.minSize)
			}
		})
	}
}
