package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openconduct/openconduct/pkg/engine"
)

// BackendProfile is one backend's configuration document.
type BackendProfile struct {
	// Config is the backend-specific configuration handed to adapters.
	Config json.RawMessage `json:"config,omitempty"`

	// Secrets lists the secret names the backend needs; values are
	// resolved from the secrets document.
	Secrets []string `json:"secrets,omitempty"`
}

// Profiles resolves adapter contexts from a backends document and a
// secrets document. It implements the engine's ContextProvider
// contract; resolution failures are reported to the caller, which
// invokes the adapter with a minimal context instead.
type Profiles struct {
	mu       sync.RWMutex
	backends map[string]BackendProfile
	secrets  map[string]map[string]string

	backendsPath string
	secretsPath  string
	logger       zerolog.Logger
	watcher      *fsnotify.Watcher
}

// NewProfiles loads the profile documents. Either path may be empty, in
// which case the corresponding document is treated as empty.
func NewProfiles(backendsPath, secretsPath string, logger zerolog.Logger) (*Profiles, error) {
	p := &Profiles{
		backends:     map[string]BackendProfile{},
		secrets:      map[string]map[string]string{},
		backendsPath: backendsPath,
		secretsPath:  secretsPath,
		logger:       logger.With().Str("component", "profiles").Logger(),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads both documents.
func (p *Profiles) Reload() error {
	// Missing documents are not an error; adapters then run with a
	// minimal context.
	backends := map[string]BackendProfile{}
	if p.backendsPath != "" {
		if err := readJSONFile(p.backendsPath, &backends); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to load backends document: %w", err)
			}
			p.logger.Debug().Str("path", p.backendsPath).Msg("backends document absent")
		}
	}
	secrets := map[string]map[string]string{}
	if p.secretsPath != "" {
		if err := readJSONFile(p.secretsPath, &secrets); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to load secrets document: %w", err)
			}
			p.logger.Debug().Str("path", p.secretsPath).Msg("secrets document absent")
		}
	}

	p.mu.Lock()
	p.backends = backends
	p.secrets = secrets
	p.mu.Unlock()

	p.logger.Info().Int("backends", len(backends)).Msg("backend profiles loaded")
	return nil
}

// AdapterContext resolves the context for one task.
func (p *Profiles) AdapterContext(ctx context.Context, requestID string, task engine.ExecutionTask) (engine.AdapterContext, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	actx := engine.AdapterContext{RequestID: requestID, Task: task}

	profile, ok := p.backends[task.Backend]
	if !ok {
		return actx, nil
	}
	actx.Config = profile.Config

	if len(profile.Secrets) > 0 {
		values := p.secrets[task.Backend]
		resolved := make(map[string]string, len(profile.Secrets))
		for _, name := range profile.Secrets {
			value, ok := values[name]
			if !ok {
				return actx, fmt.Errorf("secret %q is not defined for backend %q", name, task.Backend)
			}
			resolved[name] = value
		}
		actx.Secrets = resolved
	}
	return actx, nil
}

// Watch reloads the documents when either file changes.
func (p *Profiles) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	p.watcher = watcher

	for _, path := range []string{p.backendsPath, p.secretsPath} {
		if path == "" {
			continue
		}
		if err := watcher.Add(path); err != nil {
			p.logger.Warn().Err(err).Str("path", path).Msg("failed to watch profile document")
		}
	}

	go p.processEvents(ctx)
	return nil
}

func (p *Profiles) processEvents(ctx context.Context) {
	var timer *time.Timer
	const debounce = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = p.watcher.Close()
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := p.Reload(); err != nil {
					p.logger.Error().Err(err).Msg("failed to reload backend profiles")
				}
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func readJSONFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
