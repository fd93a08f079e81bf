package intake

import (
	"os"
	"strings"
	"sync"
	"time"
)

// Tracker holds the in-flight pair observations and applies the debounce
// rule: a pair is ready only when both files exist and neither has changed
// within the quiet period. It is the timing core of the detector, separated
// from fsnotify so it can be exercised directly in tests.
type Tracker struct {
	mu     sync.Mutex
	pairs  map[string]*Observation
	cadExt map[string]bool
	docExt map[string]bool
	quiet  time.Duration

	// now is injectable for debounce tests.
	now func() time.Time
}

// NewTracker creates a tracker for the given extension allow-lists. The
// extensions are compared case-insensitively without the leading dot.
func NewTracker(cadExts, docExts []string, quiet time.Duration) *Tracker {
	t := &Tracker{
		pairs:  make(map[string]*Observation),
		cadExt: make(map[string]bool),
		docExt: make(map[string]bool),
		quiet:  quiet,
		now:    time.Now,
	}
	for _, e := range cadExts {
		t.cadExt[normalizeExt(e)] = true
	}
	for _, e := range docExts {
		t.docExt[normalizeExt(e)] = true
	}
	return t
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// Matches reports whether the path carries an allow-listed extension.
func (t *Tracker) Matches(path string) bool {
	ext := extOf(path)
	return t.cadExt[ext] || t.docExt[ext]
}

func extOf(path string) string {
	i := strings.LastIndex(path, ".")
	if i < 0 {
		return ""
	}
	return strings.ToLower(path[i+1:])
}

// Observe records a change notification for path. Unknown extensions are
// ignored. The observation's quiet-period clock restarts on every call.
func (t *Tracker) Observe(path string) {
	ext := extOf(path)
	isCAD := t.cadExt[ext]
	isDoc := t.docExt[ext]
	if !isCAD && !isDoc {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// The file may have been removed between the event and the stat;
		// a later event will re-observe it.
		return
	}

	key := KeyForPath(path)
	state := &fileState{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	obs, ok := t.pairs[key.String()]
	if !ok {
		obs = &Observation{Key: key}
		t.pairs[key.String()] = obs
	}
	if isCAD {
		obs.CAD = state
	} else {
		obs.Doc = state
	}
	obs.LastEvent = t.now()
}

// Forget drops the observation for a key, if any.
func (t *Tracker) Forget(key PairKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pairs, key.String())
}

// Sweep returns every pair that has settled: both files present on disk with
// the recorded sizes, and no event within the quiet period. Returned pairs
// are removed from the tracker, so readiness fires exactly once per
// transition into the ready state. A pair whose size changed since the last
// observation has its clock restarted instead.
func (t *Tracker) Sweep() []ReadyPair {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var ready []ReadyPair

	for id, obs := range t.pairs {
		if !obs.complete() {
			continue
		}
		if now.Sub(obs.LastEvent) < t.quiet {
			continue
		}

		settled := true
		for _, f := range []*fileState{obs.CAD, obs.Doc} {
			info, err := os.Stat(f.Path)
			if err != nil {
				// One half vanished; wait for a new event.
				settled = false
				break
			}
			if info.Size() != f.Size || !info.ModTime().Equal(f.ModTime) {
				// Still being written. Restart the quiet period.
				f.Size = info.Size()
				f.ModTime = info.ModTime()
				obs.LastEvent = now
				settled = false
				break
			}
		}
		if !settled {
			continue
		}

		ready = append(ready, ReadyPair{
			Key:     obs.Key,
			CADPath: obs.CAD.Path,
			DocPath: obs.Doc.Path,
		})
		delete(t.pairs, id)
	}

	return ready
}

// setClock overrides the tracker's clock. Test hook.
func (t *Tracker) setClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}
