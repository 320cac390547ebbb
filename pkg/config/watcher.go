package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/atelier-sh/atelier/pkg/fleet"
	"github.com/atelier-sh/atelier/pkg/telemetry"
)

// fleetFile is the schema of a standalone fleet membership file.
type fleetFile struct {
	Servers []fleet.ServerConfig `yaml:"servers" validate:"required,dive"`
}

// LoadFleetFile reads and validates a fleet membership file.
func LoadFleetFile(path string) ([]fleet.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet file %s: %w", path, err)
	}

	var f fleetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fleet file %s: %w", path, err)
	}
	if err := validator.New().Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid fleet file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Servers))
	for _, server := range f.Servers {
		if seen[server.ID] {
			return nil, fmt.Errorf("fleet file %s: duplicate server id %s", path, server.ID)
		}
		seen[server.ID] = true
	}

	return f.Servers, nil
}

// FleetWatcher keeps a fleet registry in sync with a fleet file: servers
// added to the file are registered, servers removed are deregistered.
// Existing entries are left alone; connection parameter changes require a
// remove-and-re-add under a new ID or a restart.
type FleetWatcher struct {
	path     string
	registry *fleet.Registry
	logger   *telemetry.Logger
	watcher  *fsnotify.Watcher
}

// NewFleetWatcher creates a watcher for the given fleet file.
func NewFleetWatcher(path string, registry *fleet.Registry, logger *telemetry.Logger) *FleetWatcher {
	return &FleetWatcher{
		path:     path,
		registry: registry,
		logger:   logger.NewComponentLogger("fleet-watcher"),
	}
}

// Start applies the current file contents and then watches for changes
// until the context ends. Reloads are debounced because editors often fire
// several write events per save.
func (w *FleetWatcher) Start(ctx context.Context) error {
	if err := w.sync(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fleet watcher: %w", err)
	}
	w.watcher = watcher

	if err := watcher.Add(w.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch fleet file %s: %w", w.path, err)
	}

	go w.processEvents(ctx)

	w.logger.Infof("watching fleet file %s", w.path)
	return nil
}

func (w *FleetWatcher) processEvents(ctx context.Context) {
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := w.sync(ctx); err != nil {
					// A bad file keeps the previous fleet; fixing the file
					// triggers another reload.
					w.logger.WithError(err).Error("fleet file reload failed")
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("fleet watcher error")
		}
	}
}

// sync reconciles the registry against the fleet file.
func (w *FleetWatcher) sync(ctx context.Context) error {
	servers, err := LoadFleetFile(w.path)
	if err != nil {
		return err
	}

	wanted := make(map[string]fleet.ServerConfig, len(servers))
	for _, server := range servers {
		wanted[server.ID] = server
	}

	current := make(map[string]bool)
	for _, server := range w.registry.AllServers() {
		current[server.ID] = true
	}

	added, removed := 0, 0
	for id, cfg := range wanted {
		if current[id] {
			continue
		}
		if _, err := w.registry.Register(ctx, cfg); err != nil {
			w.logger.WithServerID(id).WithError(err).Error("failed to register fleet server")
			continue
		}
		added++
	}

	for id := range current {
		if _, ok := wanted[id]; ok {
			continue
		}
		if err := w.registry.Deregister(id); err != nil {
			w.logger.WithServerID(id).WithError(err).Error("failed to deregister fleet server")
			continue
		}
		removed++
	}

	if added > 0 || removed > 0 {
		w.logger.Infof("fleet synced: %d added, %d removed, %d total", added, removed, len(wanted))
	}
	return nil
}
