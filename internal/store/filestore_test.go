package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"breakerpay/internal/models"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.json")
	fs, err := NewFileStore(zap.NewNop(), path, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return fs, path
}

func TestCreatesEmptyDocument(t *testing.T) {
	_, path := newTestStore(t)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("ledger file not created: %v", err)
	}
}

func TestMutatePersistsAndReloads(t *testing.T) {
	fs, path := newTestStore(t)

	err := fs.Mutate(context.Background(), func(s *models.Snapshot) (bool, error) {
		s.Tarjetas = append(s.Tarjetas, &models.Tarjeta{ID: "U1", Saldo: 3600})
		s.Breakers = append(s.Breakers, &models.Breaker{ID: "b1", Tarjeta: "U1", Estado: true})
		return true, nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	fs.Close()

	// A fresh store over the same file sees the committed document.
	again, err := NewFileStore(zap.NewNop(), path, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	snap, _ := again.Snapshot(context.Background())
	if got := snap.Tarjeta("U1"); got == nil || got.Saldo != 3600 {
		t.Errorf("tarjeta after reload = %+v", got)
	}
	if got := snap.Breaker("b1"); got == nil || !got.Estado {
		t.Errorf("breaker after reload = %+v", got)
	}
}

func TestMutateErrorDiscardsChanges(t *testing.T) {
	fs, _ := newTestStore(t)
	seed(t, fs)

	boom := errors.New("boom")
	err := fs.Mutate(context.Background(), func(s *models.Snapshot) (bool, error) {
		s.Tarjeta("U1").Saldo = 0
		return true, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	snap, _ := fs.Snapshot(context.Background())
	if saldo := snap.Tarjeta("U1").Saldo; saldo != 100 {
		t.Errorf("saldo = %v, failed mutation leaked", saldo)
	}
}

func TestUnchangedMutationSkipsWrite(t *testing.T) {
	fs, path := newTestStore(t)
	seed(t, fs)

	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	err = fs.Mutate(context.Background(), func(s *models.Snapshot) (bool, error) {
		return false, nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	after, _ := os.Stat(path)
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("no-op mutation rewrote the file")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	fs, _ := newTestStore(t)
	seed(t, fs)

	snap, _ := fs.Snapshot(context.Background())
	snap.Tarjeta("U1").Saldo = 0

	fresh, _ := fs.Snapshot(context.Background())
	if saldo := fresh.Tarjeta("U1").Saldo; saldo != 100 {
		t.Errorf("saldo = %v, snapshot aliases store memory", saldo)
	}
}

func TestWatchDetectsExternalWrite(t *testing.T) {
	fs, path := newTestStore(t)
	seed(t, fs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := fs.Watch(ctx)

	// Simulate an external editor: rewrite the document out of band with a
	// strictly newer mtime.
	time.Sleep(20 * time.Millisecond)
	raw := []byte(`{"tarjetas":[{"id":"U1","saldo":999}],"breakers":[],"arduinos":[]}`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed early")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("external write never detected")
	}

	snap, _ := fs.Snapshot(context.Background())
	if saldo := snap.Tarjeta("U1").Saldo; saldo != 999 {
		t.Errorf("saldo = %v, external document not reloaded", saldo)
	}
}

func seed(t *testing.T, fs *FileStore) {
	t.Helper()
	err := fs.Mutate(context.Background(), func(s *models.Snapshot) (bool, error) {
		s.Tarjetas = append(s.Tarjetas, &models.Tarjeta{ID: "U1", Saldo: 100})
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
