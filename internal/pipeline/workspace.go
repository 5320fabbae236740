package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// workspace owns every temporary artifact of one request. Release removes
// all of them and must be deferred right after creation.
type workspace struct {
	dir string

	mu      sync.Mutex
	created []string
	// normalized intermediates keyed by their duration cap
	norm map[time.Duration]string
}

func (w *workspace) intermediate(maxDuration time.Duration) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.norm[maxDuration]
	return p, ok
}

func (w *workspace) rememberIntermediate(maxDuration time.Duration, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.norm == nil {
		w.norm = make(map[time.Duration]string)
	}
	w.norm[maxDuration] = path
}

func newWorkspace(base, id string) (*workspace, error) {
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp base: %w", err)
	}
	dir, err := os.MkdirTemp(base, "sticker-"+id+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &workspace{dir: dir}, nil
}

// Path reserves a unique artifact path inside the workspace.
func (w *workspace) Path(prefix, ext string) string {
	p := filepath.Join(w.dir, prefix+"_"+uuid.NewString()+ext)
	w.mu.Lock()
	w.created = append(w.created, p)
	w.mu.Unlock()
	return p
}

// Tracked returns the artifact paths handed out so far.
func (w *workspace) Tracked() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.created))
	copy(out, w.created)
	return out
}

// Release removes every tracked artifact and the workspace directory.
func (w *workspace) Release() error {
	var errs []error
	for _, p := range w.Tracked() {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(w.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
