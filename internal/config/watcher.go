package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

var (
	// ErrWatcherFailed indicates the filesystem watcher failed to initialize
	ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")
)

// WeightUpdate is emitted when the quality weights in the config file change.
type WeightUpdate struct {
	// Weights are the newly loaded per-dimension weights.
	Weights WeightConfig

	// Timestamp is when the change was detected.
	Timestamp time.Time
}

// WeightWatcher watches the config file and emits validated weight updates.
//
// Only the quality weight section hot-reloads; every other setting requires
// a restart. Invalid weight sets (not summing to 1.0) are dropped so a
// half-saved edit never reaches the scoring engine.
type WeightWatcher struct {
	configPath string
	watcher    *fsnotify.Watcher
	updates    chan WeightUpdate
	stop       chan struct{}
	current    WeightConfig
}

// NewWeightWatcher creates a watcher for the given config file.
//
// The current weights are used as the comparison baseline; updates are only
// emitted when the loaded weights actually differ.
func NewWeightWatcher(configPath string, current WeightConfig) (*WeightWatcher, error) {
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &WeightWatcher{
		configPath: configPath,
		watcher:    watcher,
		updates:    make(chan WeightUpdate, 4),
		stop:       make(chan struct{}),
		current:    current,
	}, nil
}

// Start begins watching the config file's directory.
//
// The parent directory is watched rather than the file itself so that
// editors which replace the file (write temp, rename over) are still seen.
// Call Stop() to clean up resources.
func (w *WeightWatcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watching config directory: %w", err)
	}

	go w.processEvents(ctx)

	return nil
}

// Stop stops the watcher and cleans up resources.
func (w *WeightWatcher) Stop() {
	select {
	case <-w.stop:
		// Already stopped
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

// Updates returns the channel for receiving weight updates.
func (w *WeightWatcher) Updates() <-chan WeightUpdate {
	return w.updates
}

// processEvents processes filesystem events and emits weight updates.
func (w *WeightWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.reloadWeights()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			_ = err
		}
	}
}

// reloadWeights re-reads the config file and emits the weight section if it
// changed and validates.
func (w *WeightWatcher) reloadWeights() {
	content, err := os.ReadFile(w.configPath)
	if err != nil {
		// File mid-write or removed, keep current weights
		return
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return
	}

	var weights WeightConfig
	if err := k.Unmarshal("quality.weights", &weights); err != nil {
		return
	}

	if math.Abs(weights.Sum()-1.0) > weightSumTolerance {
		return
	}
	if weights == w.current {
		return
	}

	w.current = weights

	update := WeightUpdate{
		Weights:   weights,
		Timestamp: time.Now(),
	}

	// Send update (non-blocking)
	select {
	case w.updates <- update:
	default:
		// Channel full, skip update
	}
}
