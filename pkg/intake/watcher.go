package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/intralog/drawbridge/pkg/telemetry"
)

// DetectorConfig controls the file pair detector.
type DetectorConfig struct {
	// Roots are the directories to watch, recursively.
	Roots []string

	// CADExtensions and DocExtensions are the pairing allow-lists.
	CADExtensions []string
	DocExtensions []string

	// QuietPeriod is how long both files must be unchanged before the pair
	// is declared ready.
	QuietPeriod time.Duration

	// SweepInterval is how often settled pairs are checked for. Defaults to
	// a quarter of the quiet period.
	SweepInterval time.Duration

	// QueueSize bounds the ready-pair channel.
	QueueSize int
}

// Detector watches the configured roots and emits ReadyPair values when a
// CAD file and its companion document have both settled. It never talks to
// the job store; dedup against existing jobs happens downstream.
type Detector struct {
	cfg     DetectorConfig
	tracker *Tracker
	watcher *fsnotify.Watcher
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	ready   chan ReadyPair
}

// NewDetector creates a detector. Start must be called before pairs flow.
func NewDetector(cfg DetectorConfig, logger *telemetry.Logger, metrics *telemetry.Metrics) (*Detector, error) {
	if len(cfg.Roots) == 0 {
		return nil, NewConfigError("no watch roots configured", nil)
	}
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.QuietPeriod / 4
		if cfg.SweepInterval < 250*time.Millisecond {
			cfg.SweepInterval = 250 * time.Millisecond
		}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}

	return &Detector{
		cfg:     cfg,
		tracker: NewTracker(cfg.CADExtensions, cfg.DocExtensions, cfg.QuietPeriod),
		logger:  logger.NewComponentLogger("detector"),
		metrics: metrics,
		ready:   make(chan ReadyPair, cfg.QueueSize),
	}, nil
}

// Ready returns the channel of settled pairs. Closed when the detector stops.
func (d *Detector) Ready() <-chan ReadyPair {
	return d.ready
}

// Start begins watching. It scans the roots once so files that arrived while
// the process was down are picked up, then processes events until ctx is
// cancelled.
func (d *Detector) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	d.watcher = watcher

	for _, root := range d.cfg.Roots {
		if err := d.watchTree(root); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}

	// Startup scan: observe everything already on disk. Pairs that settled
	// before the process started become ready after one quiet period.
	for _, root := range d.cfg.Roots {
		d.scan(root)
	}

	go d.processEvents(ctx)

	d.logger.Zerolog().Info().
		Int("roots", len(d.cfg.Roots)).
		Dur("quiet_period", d.cfg.QuietPeriod).
		Msg("Detector started")

	return nil
}

// watchTree adds root and every subdirectory to the watcher.
func (d *Detector) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return d.watcher.Add(path)
		}
		return nil
	})
}

// scan observes every matching file under root.
func (d *Detector) scan(root string) {
	err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() && d.tracker.Matches(path) {
			d.tracker.Observe(path)
		}
		return nil
	})
	if err != nil {
		d.logger.Zerolog().Warn().Err(err).Str("root", root).Msg("Startup scan incomplete")
	}
}

// processEvents consumes fsnotify events and sweeps for settled pairs.
func (d *Detector) processEvents(ctx context.Context) {
	defer close(d.ready)

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if d.watcher != nil {
				_ = d.watcher.Close()
			}
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleEvent(event)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Zerolog().Error().Err(err).Msg("Watcher error")

		case <-ticker.C:
			d.emitReady(ctx)
		}
	}
}

func (d *Detector) handleEvent(event fsnotify.Event) {
	d.metrics.RecordWatcherEvent(event.Op.String())

	switch {
	case event.Op&fsnotify.Create != 0:
		// New directories must be added to the watch set; fsnotify does not
		// recurse on its own.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := d.watchTree(event.Name); err != nil {
				d.logger.Zerolog().Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
				return
			}
			// Files may have landed in the directory before the watch was
			// in place.
			d.scan(event.Name)
			return
		}
		d.tracker.Observe(event.Name)

	case event.Op&fsnotify.Write != 0:
		d.tracker.Observe(event.Name)

	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if d.tracker.Matches(event.Name) {
			// Half a pair disappearing restarts detection from scratch.
			d.tracker.Forget(KeyForPath(event.Name))
		}
	}
}

func (d *Detector) emitReady(ctx context.Context) {
	for _, pair := range d.tracker.Sweep() {
		d.logger.Zerolog().Info().
			Str("key", pair.Key.String()).
			Str("cad", pair.CADPath).
			Str("doc", pair.DocPath).
			Msg("File pair settled")
		d.metrics.RecordPairDetected()

		select {
		case d.ready <- pair:
		case <-ctx.Done():
			return
		}
	}
}
