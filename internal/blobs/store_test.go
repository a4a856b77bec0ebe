package blobs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mbme/arhiv-sub003/internal/entities"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "blobs"), nil)
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	return store
}

func writeSource(t *testing.T, name string, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}
	return path
}

func TestPutDeduplicatesIdenticalContent(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Put(writeSource(t, "a.txt", "same bytes"))
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	second, err := store.Put(writeSource(t, "b.bin", "same bytes"))
	if err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical ids, got %s and %s", first, second)
	}
	if first != entities.BlobIDFromBytes([]byte("same bytes")) {
		t.Fatalf("expected id derived from content, got %s", first)
	}

	var stored int
	err = filepath.WalkDir(store.Dir(), func(path string, entry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !entry.IsDir() {
			stored++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	if stored != 1 {
		t.Fatalf("expected a single stored file, found %d", stored)
	}
}

func TestBlobMetadata(t *testing.T) {
	store := newTestStore(t)
	blobID, err := store.PutReader(strings.NewReader("plain text content\n"))
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}

	exists, err := store.Exists(blobID)
	if err != nil || !exists {
		t.Fatalf("expected blob to exist, got %v %v", exists, err)
	}
	size, err := store.Size(blobID)
	if err != nil || size != int64(len("plain text content\n")) {
		t.Fatalf("unexpected size %d (%v)", size, err)
	}
	mediaType, err := store.MediaType(blobID)
	if err != nil {
		t.Fatalf("media type failed: %v", err)
	}
	if !strings.HasPrefix(mediaType, "text/plain") {
		t.Fatalf("expected text/plain, got %s", mediaType)
	}
	if err := store.Verify(blobID); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	path, ok, err := store.Get(blobID)
	if err != nil || !ok || path != store.Path(blobID) {
		t.Fatalf("unexpected get result %q %v %v", path, ok, err)
	}
}

func TestMissingBlobIsReported(t *testing.T) {
	store := newTestStore(t)
	blobID := entities.BlobIDFromBytes([]byte("never stored"))

	exists, err := store.Exists(blobID)
	if err != nil || exists {
		t.Fatalf("expected missing blob, got %v %v", exists, err)
	}
	if _, ok, err := store.Get(blobID); ok || err != nil {
		t.Fatalf("expected absent get, got %v %v", ok, err)
	}
	if _, err := store.Size(blobID); !errors.Is(err, ErrMissingBlob) {
		t.Fatalf("expected ErrMissingBlob, got %v", err)
	}
	missing, err := store.Missing([]entities.BlobID{blobID})
	if err != nil || len(missing) != 1 {
		t.Fatalf("expected one missing id, got %v %v", missing, err)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	store := newTestStore(t)
	blobID, err := store.PutReader(strings.NewReader("original"))
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	path := store.Path(blobID)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if err := store.Verify(blobID); !errors.Is(err, ErrCorruptBlob) {
		t.Fatalf("expected ErrCorruptBlob, got %v", err)
	}
}

func TestListAndCopyTo(t *testing.T) {
	store := newTestStore(t)
	first, err := store.Put(writeSource(t, "a.txt", "first"))
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	second, err := store.Put(writeSource(t, "b.txt", "second"))
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Dir(), "README"), []byte("not a blob"), 0o600); err != nil {
		t.Fatalf("failed to write stray file: %v", err)
	}

	listed, err := store.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 blobs, got %v", listed)
	}
	for _, blobID := range []entities.BlobID{first, second} {
		if listed[0] != blobID && listed[1] != blobID {
			t.Fatalf("expected %s in %v", blobID, listed)
		}
	}

	target := newTestStore(t)
	copied, err := store.CopyTo(target, first)
	if err != nil || !copied {
		t.Fatalf("expected copy, got %v (%v)", copied, err)
	}
	if err := target.Verify(first); err != nil {
		t.Fatalf("copied blob failed verification: %v", err)
	}
	copied, err = store.CopyTo(target, first)
	if err != nil || copied {
		t.Fatalf("expected existing blob to be skipped, got %v (%v)", copied, err)
	}

	missing := entities.BlobIDFromBytes([]byte("never stored"))
	if _, err := store.CopyTo(target, missing); !errors.Is(err, ErrMissingBlob) {
		t.Fatalf("expected ErrMissingBlob, got %v", err)
	}
}
