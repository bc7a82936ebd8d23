package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func newClockedWatcher(dir string, debounce time.Duration) (*Watcher, *time.Time) {
	w := New(dir, debounce)
	now := time.Now()
	w.now = func() time.Time { return now }
	return w, &now
}

func TestPollWaitsForDebounce(t *testing.T) {
	dir := t.TempDir()
	w, now := newClockedWatcher(dir, 2*time.Second)

	writeFile(t, filepath.Join(dir, "scan_0001.tif"), []byte("pixels"))

	stable, err := w.Poll()
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(stable) != 0 {
		t.Fatalf("file emitted on first sight, want none, got %v", stable)
	}
	if w.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", w.PendingCount())
	}

	*now = now.Add(3 * time.Second)
	stable, err = w.Poll()
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(stable) != 1 || filepath.Base(stable[0]) != "scan_0001.tif" {
		t.Fatalf("stable = %v, want [scan_0001.tif]", stable)
	}
	if w.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d after emission, want 0", w.PendingCount())
	}
}

func TestPollNeverEmitsTwice(t *testing.T) {
	dir := t.TempDir()
	w, now := newClockedWatcher(dir, time.Second)
	path := filepath.Join(dir, "scan_0001.tif")
	writeFile(t, path, []byte("pixels"))

	w.Poll()
	*now = now.Add(2 * time.Second)
	stable, _ := w.Poll()
	if len(stable) != 1 {
		t.Fatalf("expected one stable file, got %v", stable)
	}

	for i := 0; i < 3; i++ {
		*now = now.Add(2 * time.Second)
		stable, _ = w.Poll()
		if len(stable) != 0 {
			t.Fatalf("file emitted again on poll %d: %v", i, stable)
		}
	}
}

func TestPollReemitsAfterChange(t *testing.T) {
	dir := t.TempDir()
	w, now := newClockedWatcher(dir, time.Second)
	path := filepath.Join(dir, "scan_0001.tif")
	writeFile(t, path, []byte("pixels"))

	w.Poll()
	*now = now.Add(2 * time.Second)
	if stable, _ := w.Poll(); len(stable) != 1 {
		t.Fatalf("expected first emission, got %v", stable)
	}

	// the scanner rewrote the file after it was consumed
	writeFile(t, path, []byte("different pixels entirely"))

	*now = now.Add(2 * time.Second)
	if stable, _ := w.Poll(); len(stable) != 0 {
		t.Fatalf("changed file emitted before it re-stabilized: %v", stable)
	}
	*now = now.Add(2 * time.Second)
	stable, _ := w.Poll()
	if len(stable) != 1 {
		t.Fatalf("changed file never re-emitted, got %v", stable)
	}
}

func TestPollDropsVanishedFiles(t *testing.T) {
	dir := t.TempDir()
	w, now := newClockedWatcher(dir, time.Second)
	path := filepath.Join(dir, "scan_0001.tif")
	writeFile(t, path, []byte("pixels"))

	w.Poll()
	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}

	*now = now.Add(2 * time.Second)
	stable, err := w.Poll()
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(stable) != 0 {
		t.Fatalf("vanished file emitted: %v", stable)
	}
	if w.PendingCount() != 0 {
		t.Fatalf("vanished file still tracked, PendingCount = %d", w.PendingCount())
	}
}

func TestPollNaturalOrder(t *testing.T) {
	dir := t.TempDir()
	w, now := newClockedWatcher(dir, time.Second)

	for _, name := range []string{"scan_10.tif", "scan_2.tif", "scan_1.tif"} {
		writeFile(t, filepath.Join(dir, name), []byte("pixels"))
	}

	w.Poll()
	*now = now.Add(2 * time.Second)
	stable, err := w.Poll()
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	want := []string{"scan_1.tif", "scan_2.tif", "scan_10.tif"}
	if len(stable) != len(want) {
		t.Fatalf("stable = %v, want %d files", stable, len(want))
	}
	for i, name := range want {
		if filepath.Base(stable[i]) != name {
			t.Errorf("stable[%d] = %s, want %s", i, filepath.Base(stable[i]), name)
		}
	}
}

func TestPollIgnoresNonImages(t *testing.T) {
	dir := t.TempDir()
	w, now := newClockedWatcher(dir, time.Second)
	writeFile(t, filepath.Join(dir, "notes.txt"), []byte("not an image"))

	w.Poll()
	*now = now.Add(2 * time.Second)
	stable, _ := w.Poll()
	if len(stable) != 0 {
		t.Fatalf("non-image emitted: %v", stable)
	}
}

func TestForgetAllowsReemission(t *testing.T) {
	dir := t.TempDir()
	w, now := newClockedWatcher(dir, time.Second)
	path := filepath.Join(dir, "scan_0001.tif")
	writeFile(t, path, []byte("pixels"))

	w.Poll()
	*now = now.Add(2 * time.Second)
	if stable, _ := w.Poll(); len(stable) != 1 {
		t.Fatalf("expected emission, got %v", stable)
	}

	w.Forget(path)

	w.Poll()
	*now = now.Add(2 * time.Second)
	stable, _ := w.Poll()
	if len(stable) != 1 {
		t.Fatalf("forgotten file never re-emitted, got %v", stable)
	}
}
