package profile

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"scalpel/internal/logger"
)

//go:embed defaults.yaml
var defaultProfilesYAML []byte

// Snapshot is an immutable view of the loaded profile set. Version bumps on
// every successful reload.
type Snapshot struct {
	Version  int64              `json:"version"`
	LoadedAt time.Time          `json:"loadedAt"`
	Profiles map[string]Profile `json:"profiles"`
}

// ChangeListener fires after a successful hot reload.
type ChangeListener func(Snapshot)

// Registry serves the current profile set. With a path it watches the file
// and hot-reloads on change; a failed reload keeps the previous snapshot.
// Without a path it runs on the embedded defaults.
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry loads path, or the embedded defaults when path is empty.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: strings.TrimSpace(path)}

	if r.path == "" {
		profiles, err := parseDocument(defaultProfilesYAML)
		if err != nil {
			return nil, fmt.Errorf("embedded default profiles are broken: %w", err)
		}
		r.swap(profiles)
		logger.Infof("profile registry loaded %d built-in profiles", len(profiles))
		return r, nil
	}

	v := viper.New()
	v.SetConfigFile(r.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read profile file failed: %w", err)
	}
	r.v = v
	if err := r.Reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.Reload(); err != nil {
			logger.Errorf("profile reload failed, keeping previous set: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Reload re-reads and validates the profile file, swapping the snapshot on
// success. No-op for a registry running on embedded defaults.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read profile file failed: %w", err)
	}
	profiles, err := parseDocument(raw)
	if err != nil {
		return err
	}
	r.swap(profiles)
	logger.Infof("profile registry loaded %d profiles from %s", len(profiles), filepath.Base(r.path))
	return nil
}

func (r *Registry) swap(profiles map[string]Profile) {
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Profiles: profiles,
	}
	r.mu.Unlock()
}

// Get returns the named profile.
func (r *Registry) Get(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snapshot.Profiles[strings.TrimSpace(name)]
	return p, ok
}

// Snapshot returns a copy of the current profile set.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Names lists the loaded profile names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.snapshot.Profiles))
	for name := range r.snapshot.Profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// OnChange registers a listener for hot reloads. Listeners run on their own
// goroutines; a panicking listener is contained and logged.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("profile listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Profiles: make(map[string]Profile, len(src.Profiles)),
	}
	for name, p := range src.Profiles {
		dst.Profiles[name] = p
	}
	return dst
}

// parseDocument validates the raw YAML against the document schema, then
// decodes and normalizes it. Validation first means a useful error names
// the offending field instead of a decode type mismatch.
func parseDocument(raw []byte) (map[string]Profile, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse profile yaml failed: %w", err)
	}
	if err := documentSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("profile document rejected: %w", err)
	}

	var cfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode profile yaml failed: %w", err)
	}

	out := make(map[string]Profile, len(cfg.Profiles))
	for name, fp := range cfg.Profiles {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("profile with empty name")
		}
		p, err := fp.normalize(name)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}
