package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader loads gate rules from .rego and .json files and can watch the
// source paths for changes, reloading the gate when rules are edited.
type Loader struct {
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a rule loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads rules from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Rule, error) {
	var rules []Rule
	for _, path := range paths {
		loaded, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		rules = append(rules, loaded...)
	}

	l.logger.Info().
		Int("total", len(rules)).
		Int("sources", len(paths)).
		Msg("rules loaded from paths")
	return rules, nil
}

func (l *Loader) loadFromPath(path string) ([]Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		rule, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Rule{*rule}, nil
	}

	var rules []Rule
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isRuleFile(p) {
			return nil
		}
		rule, err := l.loadFromFile(p)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", p).Msg("failed to load rule file")
			return nil
		}
		rules = append(rules, *rule)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return rules, nil
}

func (l *Loader) loadFromFile(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var rule *Rule
	switch {
	case strings.HasSuffix(path, ".rego"):
		rule = &Rule{
			Name:    strings.TrimSuffix(filepath.Base(path), ".rego"),
			Rego:    string(data),
			Enabled: true,
		}
	case strings.HasSuffix(path, ".json"):
		rule = &Rule{Enabled: true}
		if err := json.Unmarshal(data, rule); err != nil {
			return nil, fmt.Errorf("failed to parse JSON rule: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}

	l.logger.Debug().Str("path", path).Str("rule", rule.Name).Msg("rule loaded")
	return rule, nil
}

func isRuleFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

// Watch reloads rules into the reload function whenever a watched file
// changes. Reloads are debounced so an editor save burst triggers one.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Rule) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("failed to watch path")
		}
	}

	go l.processEvents(ctx, paths, reload)

	l.logger.Info().Int("paths", len(paths)).Msg("watching rule paths")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, paths []string, reload func([]Rule) error) {
	var timer *time.Timer
	const debounce = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isRuleFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("rule file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				rules, err := l.LoadFromPaths(ctx, paths)
				if err != nil {
					l.logger.Error().Err(err).Msg("failed to reload rules")
					return
				}
				if err := reload(rules); err != nil {
					l.logger.Error().Err(err).Msg("failed to apply reloaded rules")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
