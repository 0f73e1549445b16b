package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoadLatest(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.Save(100, []byte("first")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(250, []byte("second")); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, seq, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if seq != 250 {
		t.Errorf("seq = %d, want 250 (newest checkpoint)", seq)
	}
	if !bytes.Equal(data, []byte("second")) {
		t.Errorf("data = %q, want %q", data, "second")
	}
}

func TestLoadLatestEmptyDir(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, seq, err := s.LoadLatest()
	if err != nil || data != nil || seq != 0 {
		t.Errorf("empty dir: got %v/%d/%v, want nil/0/nil", data, seq, err)
	}
}

func TestSaveIgnoresTornTmpFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(10, []byte("good")); err != nil {
		t.Fatalf("save: %v", err)
	}
	// A crash between write and rename leaves a .tmp behind; it must not be
	// picked up.
	if err := os.WriteFile(filepath.Join(dir, "ckpt-00000000000000000099.bin.tmp"), []byte("torn"), 0o600); err != nil {
		t.Fatalf("plant tmp: %v", err)
	}

	data, seq, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if seq != 10 || !bytes.Equal(data, []byte("good")) {
		t.Errorf("got %q/%d, want good/10", data, seq)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, seq := range []uint64{1, 2, 3, 4} {
		if err := s.Save(seq, []byte{byte(seq)}); err != nil {
			t.Fatalf("save %d: %v", seq, err)
		}
	}
	if err := s.Prune(2); err != nil {
		t.Fatalf("prune: %v", err)
	}

	_, seq, err := s.LoadLatest()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if seq != 4 {
		t.Errorf("newest after prune = %d, want 4", seq)
	}
}
