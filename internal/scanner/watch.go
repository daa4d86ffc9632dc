package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"localmodeld/internal/common/fsutil"
)

// DefaultDebounce is how long Watch waits for the directory to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watch calls onChange after .gguf files appear, change or disappear under
// the models directory. Bursts of events (a download writing chunks, a copy of
// several parts) are coalesced into one call once no event arrived for
// debounce. Watch blocks until ctx is canceled.
func (s *Scanner) Watch(ctx context.Context, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	root, err := s.Dir()
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addTree(w, root); err != nil {
		return err
	}
	s.log.Debug().Str("dir", root).Msg("scanner watching")

	// fire is nil while nothing is pending.
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				// New subdirectories are watched too.
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = addTree(w, ev.Name)
				}
			}
			if !relevant(ev) {
				continue
			}
			fire = time.After(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("scanner watch error")
		case <-fire:
			fire = nil
			onChange()
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	name := strings.ToLower(filepath.Base(ev.Name))
	if strings.HasSuffix(name, ".gguf") {
		return true
	}
	// A removed or renamed directory may have held models.
	return ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && fsutil.IsHidden(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
