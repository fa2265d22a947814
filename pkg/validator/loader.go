package validator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads external policy files and keeps the engine in sync when they
// change on disk. Each .rego file becomes one policy named after the file;
// external policies default to error severity.
type Loader struct {
	engine  *Engine
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a loader feeding the given engine.
func NewLoader(engine *Engine, logger zerolog.Logger) *Loader {
	return &Loader{
		engine: engine,
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// Load reads every .rego file under the given directories and installs the
// resulting policies in the engine.
func (l *Loader) Load(ctx context.Context, dirs []string) error {
	var policies []Policy
	for _, dir := range dirs {
		loaded, err := l.loadDirectory(dir)
		if err != nil {
			return err
		}
		policies = append(policies, loaded...)
	}

	if err := l.engine.LoadPolicies(ctx, policies); err != nil {
		return err
	}

	l.logger.Info().
		Int("policies", len(policies)).
		Int("dirs", len(dirs)).
		Msg("External policies loaded")
	return nil
}

func (l *Loader) loadDirectory(dir string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), ".rego")
		policies = append(policies, Policy{
			Name:        name,
			Description: fmt.Sprintf("external policy from %s", path),
			Severity:    SeverityError,
			Enabled:     true,
			Rego:        string(data),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk policy directory %s: %w", dir, err)
	}
	return policies, nil
}

// Watch reloads the policy set whenever a .rego file in any watched directory
// is written or created. Reloads are debounced so an editor writing several
// files triggers one reload.
func (l *Loader) Watch(ctx context.Context, dirs []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	for _, dir := range dirs {
		if err := l.watchDirectory(dir); err != nil {
			l.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch policy directory")
		}
	}

	go l.processEvents(ctx, dirs)

	l.logger.Info().Int("dirs", len(dirs)).Msg("Watching policy directories")
	return nil
}

func (l *Loader) watchDirectory(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return l.watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, dirs []string) {
	var reloadTimer *time.Timer
	const reloadDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.Load(ctx, dirs); err != nil {
					l.logger.Error().Err(err).Msg("Policy reload failed")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}
