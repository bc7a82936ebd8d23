package watcher

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/facette/natsort"

	"github.com/mdopp/diabay/utils"
)

// fileStamp identifies one observed version of a file
type fileStamp struct {
	size    int64
	modTime time.Time
}

// trackedFile is the in-memory tracking entry for a not-yet-stable file
type trackedFile struct {
	stamp       fileStamp
	stableSince time.Time
}

// Watcher observes the input directory and reports files once the scanner
// has finished writing them. A file is stable when its size and mtime are
// unchanged across two consecutive polls separated by the debounce
// interval. The watcher never opens file contents and never emits the
// same file twice until it changes again after being consumed.
type Watcher struct {
	dir      string
	debounce time.Duration
	now      func() time.Time

	tracked map[string]*trackedFile
	emitted map[string]fileStamp
}

// New creates a watcher for dir with the given debounce interval
func New(dir string, debounce time.Duration) *Watcher {
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		now:      time.Now,
		tracked:  make(map[string]*trackedFile),
		emitted:  make(map[string]fileStamp),
	}
}

// Poll snapshots the input directory and returns the files that became
// stable since the last call, in natural filename order. Files that
// disappear before stabilizing are silently dropped (aborted scanner
// writes).
func (w *Watcher) Poll() ([]string, error) {
	seen := make(map[string]fileStamp)

	err := filepath.Walk(w.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// a file vanishing mid-walk is an aborted write, not a failure
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !utils.IsRasterImage(info.Name()) {
			return nil
		}
		seen[path] = fileStamp{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := w.now()
	var stable []string

	for path, stamp := range seen {
		if prev, ok := w.emitted[path]; ok {
			if prev == stamp {
				continue // already consumed, unchanged since
			}
			// file changed after consumption, watch it again
			delete(w.emitted, path)
		}

		entry, ok := w.tracked[path]
		if !ok || entry.stamp != stamp {
			w.tracked[path] = &trackedFile{stamp: stamp, stableSince: now}
			continue
		}

		if now.Sub(entry.stableSince) >= w.debounce {
			stable = append(stable, path)
			w.emitted[path] = stamp
			delete(w.tracked, path)
		}
	}

	// drop tracked and emitted entries for files that are gone
	for path := range w.tracked {
		if _, ok := seen[path]; !ok {
			log.Printf("watcher: dropping vanished file %s", filepath.Base(path))
			delete(w.tracked, path)
		}
	}
	for path := range w.emitted {
		if _, ok := seen[path]; !ok {
			delete(w.emitted, path)
		}
	}

	natsort.Sort(stable)
	return stable, nil
}

// Forget clears the consumed marker for a path so a later poll can emit
// it again. The pipeline uses this when it has to requeue a file.
func (w *Watcher) Forget(path string) {
	delete(w.emitted, path)
	delete(w.tracked, path)
}

// PendingCount reports how many files are being debounced right now
func (w *Watcher) PendingCount() int {
	return len(w.tracked)
}
