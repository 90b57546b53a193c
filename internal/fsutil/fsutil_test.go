package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.txt")

	if err := AtomicWrite(path, []byte("one\n"), 0600); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}
	if err := AtomicWrite(path, []byte("two\n"), 0600); err != nil {
		t.Fatalf("AtomicWrite overwrite: %v", err)
	}

	got, err := ReadFirstLine(path)
	if err != nil {
		t.Fatalf("ReadFirstLine: %v", err)
	}
	if got != "two" {
		t.Errorf("content = %q, want %q", got, "two")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestWithLockSerializesReadModifyWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter")
	if err := AtomicWrite(path, []byte("0"), 0600); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(path, func() error {
				line, err := ReadFirstLine(path)
				if err != nil {
					return err
				}
				n, err := strconv.Atoi(line)
				if err != nil {
					return err
				}
				return AtomicWrite(path, []byte(strconv.Itoa(n+1)), 0600)
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()

	line, err := ReadFirstLine(path)
	if err != nil {
		t.Fatal(err)
	}
	if line != strconv.Itoa(workers) {
		t.Errorf("counter = %s, want %d", line, workers)
	}
}

func TestWithLockPropagatesError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	sentinel := errors.New("boom")
	if err := WithLock(path, func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("WithLock error = %v, want %v", err, sentinel)
	}
	// The lock must be free again.
	if err := WithLock(path, func() error { return nil }); err != nil {
		t.Fatalf("second WithLock: %v", err)
	}
}

func TestAppendJSONLAndReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.jsonl")
	for i := 0; i < 3; i++ {
		if err := AppendJSONL(path, map[string]int{"n": i}); err != nil {
			t.Fatalf("AppendJSONL: %v", err)
		}
	}
	lines, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	if len(lines) != 3 || lines[2] != `{"n":2}` {
		t.Errorf("lines = %q", lines)
	}

	missing, err := ReadLines(filepath.Join(t.TempDir(), "nope"))
	if err != nil || missing != nil {
		t.Errorf("ReadLines(missing) = %q, %v", missing, err)
	}
}

func TestCheckRegular(t *testing.T) {
	dir := t.TempDir()
	regular := filepath.Join(dir, "regular.txt")
	if err := os.WriteFile(regular, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link.txt")
	if err := os.Symlink(regular, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if err := CheckRegular(regular); err != nil {
		t.Errorf("CheckRegular(regular) = %v", err)
	}
	if err := CheckRegular(filepath.Join(dir, "missing")); err != nil {
		t.Errorf("CheckRegular(missing) = %v", err)
	}
	if err := CheckRegular(link); !errors.Is(err, ErrSymlink) {
		t.Errorf("CheckRegular(link) = %v, want ErrSymlink", err)
	}
	if err := CheckRegular(dir + "/../etc/passwd"); !errors.Is(err, ErrTraversal) {
		t.Errorf("CheckRegular(traversal) = %v, want ErrTraversal", err)
	}
}

func TestRemoveIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	existed, err := RemoveIfExists(path)
	if err != nil || existed {
		t.Fatalf("RemoveIfExists(missing) = %v, %v", existed, err)
	}
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}
	existed, err = RemoveIfExists(path)
	if err != nil || !existed {
		t.Fatalf("RemoveIfExists(present) = %v, %v", existed, err)
	}
	if Exists(path) {
		t.Error("file still exists")
	}
}
