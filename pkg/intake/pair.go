package intake

import (
	"path/filepath"
	"strings"
	"time"
)

// PairKey is the stable identity shared by a CAD file and its companion
// rendered document: the lowercased base name without extension, qualified by
// the parent directory. Both files of a pair derive the identical key no
// matter which of them triggered an event.
type PairKey struct {
	Dir  string
	Stem string
}

// KeyForPath derives the PairKey for a file path.
func KeyForPath(path string) PairKey {
	clean := filepath.Clean(path)
	base := filepath.Base(clean)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return PairKey{
		Dir:  filepath.Dir(clean),
		Stem: strings.ToLower(stem),
	}
}

// String returns the canonical form used as the Job key.
func (k PairKey) String() string {
	return filepath.Join(k.Dir, k.Stem)
}

// fileState is the last observed state of one file of a pair.
type fileState struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Observation is the raw detector signal for one pair: the paths seen so far
// and when either file last changed. It lives only inside the tracker and is
// discarded once the pair is handed off as ready.
type Observation struct {
	Key       PairKey
	CAD       *fileState
	Doc       *fileState
	LastEvent time.Time
}

// complete reports whether both files of the pair have been observed.
func (o *Observation) complete() bool {
	return o.CAD != nil && o.Doc != nil
}

// ReadyPair is the detector's output: a pair that exists in full and has
// stopped changing for the configured quiet period.
type ReadyPair struct {
	Key     PairKey
	CADPath string
	DocPath string
}
