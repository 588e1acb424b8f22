package template

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

//go:embed builtins/*.yaml
var builtinFS embed.FS

func loadBuiltins() (map[string]Template, error) {
	entries, err := builtinFS.ReadDir("builtins")
	if err != nil {
		return nil, fmt.Errorf("template: read embedded builtins: %w", err)
	}
	out := make(map[string]Template, len(entries))
	for _, e := range entries {
		data, err := builtinFS.ReadFile(filepath.Join("builtins", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("template: read %s: %w", e.Name(), err)
		}
		var tpl Template
		if err := yaml.Unmarshal(data, &tpl); err != nil {
			return nil, fmt.Errorf("template: parse %s: %w", e.Name(), err)
		}
		out[tpl.Name] = tpl
	}
	return out, nil
}

// Registry holds the built-in base templates plus any user-registered
// ones loaded from a directory, optionally kept fresh with an fsnotify
// watch so edited template files take effect without a restart.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template

	watcher *fsnotify.Watcher
	dir     string
	log     *slog.Logger
}

// NewRegistry builds a Registry preloaded with the built-in templates.
func NewRegistry(log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	builtins, err := loadBuiltins()
	if err != nil {
		return nil, err
	}
	return &Registry{templates: builtins, log: log}, nil
}

// LoadDir reads every *.yaml file in dir as a user-registered template,
// overlaying (not replacing) the built-ins.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: read template dir %s: %v", zserr.ErrTemplate, dir, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		if err := r.loadFileLocked(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	r.dir = dir
	return nil
}

func (r *Registry) loadFileLocked(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", zserr.ErrTemplate, path, err)
	}
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return fmt.Errorf("%w: parse %s: %v", zserr.ErrTemplate, path, err)
	}
	if tpl.Name == "" {
		return fmt.Errorf("%w: %s has no name field", zserr.ErrTemplate, path)
	}
	r.templates[tpl.Name] = tpl
	return nil
}

// Watch starts an fsnotify watch on the directory passed to LoadDir,
// reloading a template whenever its file is written or created. The
// watch goroutine exits when stop is closed.
func (r *Registry) Watch(stop <-chan struct{}) error {
	r.mu.RLock()
	dir := r.dir
	r.mu.RUnlock()
	if dir == "" {
		return fmt.Errorf("%w: Watch called before LoadDir", zserr.ErrTemplate)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: create watcher: %v", zserr.ErrTemplate, err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("%w: watch %s: %v", zserr.ErrTemplate, dir, err)
	}
	r.watcher = w
	go r.watchLoop(stop)
	return nil
}

func (r *Registry) watchLoop(stop <-chan struct{}) {
	defer func() { _ = r.watcher.Close() }()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".yaml" {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			r.mu.Lock()
			if err := r.loadFileLocked(ev.Name); err != nil {
				r.log.Warn("template hot-reload failed", "file", ev.Name, "err", err)
			} else {
				r.log.Info("template reloaded", "file", ev.Name)
			}
			r.mu.Unlock()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("template watcher error", "err", err)
		}
	}
}

// Get returns the named template, or ok=false if unknown.
func (r *Registry) Get(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	return t, ok
}

// Names returns every registered template name, built-in and
// user-registered alike.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	return names
}

// Resolve looks up name and resolves it with params, in one call.
func (r *Registry) Resolve(name string, params map[string]any) (clusterconfig.Config, error) {
	tpl, ok := r.Get(name)
	if !ok {
		return clusterconfig.Config{}, fmt.Errorf("%w: unknown template %q", zserr.ErrTemplate, name)
	}
	return Resolve(tpl, params)
}
