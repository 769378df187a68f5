package rules

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// File is the on-disk rule set format.
type File struct {
	Version string     `yaml:"version"`
	Rules   []fileRule `yaml:"rules"`
}

type fileRule struct {
	ID            string                `yaml:"id"`
	Name          string                `yaml:"name"`
	Description   string                `yaml:"description"`
	Version       string                `yaml:"version"`
	DocumentTypes []domain.DocumentType `yaml:"documentTypes"`
	Expression    string                `yaml:"expression"`
	Action        domain.RuleAction     `yaml:"action"`
	Value         float64               `yaml:"value"`
	Anomaly       string                `yaml:"anomaly"`
	Terminal      bool                  `yaml:"terminal"`
	HardReject    bool                  `yaml:"hardReject"`
	Enabled       *bool                 `yaml:"enabled"`
}

// Loader reads a YAML rule file into an Engine and watches it for changes.
// With an empty path the built-in rules are used.
type Loader struct {
	path     string
	engine   *Engine
	mu       sync.Mutex
	onChange []func([]*domain.RuleConfig)
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string, engine *Engine) (*Loader, error) {
	l := &Loader{path: path, engine: engine}
	if _, err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the watched file, empty for the built-in set.
func (l *Loader) Path() string {
	return l.path
}

// OnChange registers a callback invoked after every successful reload.
func (l *Loader) OnChange(fn func([]*domain.RuleConfig)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Reload re-reads the rule file and swaps the engine's rules. A file that
// fails to parse or compile leaves the previous rules in place.
func (l *Loader) Reload() ([]*domain.RuleConfig, error) {
	configs := BuiltinRules()
	if l.path != "" {
		var err error
		configs, err = LoadFile(l.path)
		if err != nil {
			return nil, err
		}
	}
	if err := l.engine.ReloadRules(configs); err != nil {
		return nil, err
	}

	l.mu.Lock()
	callbacks := make([]func([]*domain.RuleConfig), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(configs)
	}

	slog.Info("validation rules loaded",
		"path", l.path,
		"count", l.engine.RulesCount(),
		"rule_version", l.engine.Version(),
	)
	return configs, nil
}

// Watch starts a background goroutine that hot-reloads the rules on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("rules watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Warn("rules reload failed, keeping previous set", "path", l.path, "error", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("rules watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// LoadFile parses a YAML rule file. Rules without an explicit enabled flag
// are enabled; rules without a version inherit the file version.
func LoadFile(path string) ([]*domain.RuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML rule set.
func Parse(data []byte) ([]*domain.RuleConfig, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	configs := make([]*domain.RuleConfig, 0, len(f.Rules))
	for i, r := range f.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: rule %d has no id", domain.ErrInvalidInput, i)
		}
		cfg := &domain.RuleConfig{
			ID:            r.ID,
			Name:          r.Name,
			Description:   r.Description,
			Version:       r.Version,
			DocumentTypes: r.DocumentTypes,
			Expression:    r.Expression,
			Action:        r.Action,
			Value:         r.Value,
			Anomaly:       r.Anomaly,
			Terminal:      r.Terminal,
			HardReject:    r.HardReject,
			Enabled:       r.Enabled == nil || *r.Enabled,
		}
		if cfg.Version == "" {
			cfg.Version = f.Version
		}
		if cfg.Action == "" {
			cfg.Action = domain.RuleActionAdd
		}
		for _, dt := range cfg.DocumentTypes {
			if !dt.Valid() {
				return nil, fmt.Errorf("rule %s: %w: %q", cfg.ID, domain.ErrUnknownDocumentType, dt)
			}
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
