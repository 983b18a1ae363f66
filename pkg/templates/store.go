package templates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fleetbroker/fleetbroker/pkg/params"
	"github.com/fleetbroker/fleetbroker/pkg/telemetry"
)

// Sentinel errors returned by the store.
var (
	// ErrTemplateNotFound is returned when the requested template does not exist.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrInvalidConfiguration is returned when the template source is malformed.
	ErrInvalidConfiguration = errors.New("invalid template configuration")
)

// StoreConfig configures the template store.
type StoreConfig struct {
	// Path is the template file location.
	Path string

	// OverridePrefix is the parameter-store prefix for template overrides
	// (keys are {OverridePrefix}/{templateId}/{fieldName}).
	OverridePrefix string
}

// Store loads and caches templates from a file source, merged with optional
// parameter-store overrides. Resolved templates are cached by ID and the
// cache is invalidated when the source file's mtime changes, on explicit
// Reload, or on an fsnotify write event when Watch is running.
type Store struct {
	config    StoreConfig
	overrides params.Store
	validate  *validator.Validate
	schema    *schemaValidator
	log       *telemetry.Logger

	mu        sync.RWMutex
	cache     map[string]*Template
	loadedAt  time.Time
	sourceMod time.Time
	version   int64
}

// NewStore creates a template store. The overrides store may be nil, in
// which case no override merge is performed.
func NewStore(cfg StoreConfig, overrides params.Store, log *telemetry.Logger) (*Store, error) {
	schema, err := newSchemaValidator()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	return &Store{
		config:    cfg,
		overrides: overrides,
		validate:  validator.New(),
		schema:    schema,
		log:       log.NewComponentLogger("templates"),
		cache:     make(map[string]*Template),
	}, nil
}

// Version returns a monotonically increasing marker bumped on every reload.
// The renderer uses it to invalidate cached rendered specs.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Resolve returns the template with the given ID, loading the source file
// if it changed since the last load. The returned template is a copy with
// overrides applied; callers may not mutate the cached original.
func (s *Store) Resolve(ctx context.Context, templateID string) (*Template, error) {
	if err := s.ensureFresh(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	tpl, ok := s.cache[templateID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}

	resolved := tpl.Clone()
	if s.overrides != nil && s.config.OverridePrefix != "" {
		prefix := s.config.OverridePrefix + "/" + templateID
		values, err := s.overrides.GetPrefix(ctx, prefix)
		if err != nil {
			// Overrides are advisory; the base template still serves.
			s.log.WithError(err).Warnf("failed to read overrides for %s", templateID)
		} else if len(values) > 0 {
			resolved = s.ApplyOverrides(resolved, values)
		}
	}
	return resolved, nil
}

// List returns all templates, sorted by ID.
func (s *Store) List(ctx context.Context) ([]*Template, error) {
	if err := s.ensureFresh(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Template, 0, len(s.cache))
	for _, tpl := range s.cache {
		out = append(out, tpl.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out, nil
}

// Reload forces a reload of the source file regardless of mtime.
func (s *Store) Reload(ctx context.Context) error {
	return s.load(ctx)
}

// ApplyOverrides merges remote key-value overrides onto template fields by
// exact field-name match. Unknown keys are logged and ignored, never
// rejected. Last-write-wins per field. The input template is mutated and
// returned for convenience; Resolve always passes a copy.
func (s *Store) ApplyOverrides(tpl *Template, overrides map[string]string) *Template {
	for field, value := range overrides {
		switch field {
		case "maxNumber":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				s.log.Warnf("ignoring invalid maxNumber override %q for %s", value, tpl.TemplateID)
				continue
			}
			tpl.MaxNumber = n
		case "imageId":
			tpl.ImageID = value
		case "instanceType":
			tpl.InstanceType = value
		case "subnetIds":
			tpl.SubnetIDs = splitList(value)
		case "securityGroupIds":
			tpl.SecurityGroupIDs = splitList(value)
		case "onDemandTargetCapacityRatio":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || f < 0 || f > 1 {
				s.log.Warnf("ignoring invalid capacity ratio override %q for %s", value, tpl.TemplateID)
				continue
			}
			tpl.OnDemandTargetCapacityRatio = f
		default:
			s.log.Warnf("ignoring unknown override field %q for %s", field, tpl.TemplateID)
		}
	}
	return tpl
}

// Watch reloads the template source on fsnotify write events until the
// context is cancelled. Errors from individual reloads are logged; the
// watcher keeps running so a later fix to the file takes effect.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.config.Path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.config.Path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
					if err := s.load(ctx); err != nil {
						s.log.WithError(err).Error("template reload failed")
					} else {
						s.log.Info("templates reloaded")
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.WithError(err).Warn("template watcher error")
			}
		}
	}()
	return nil
}

// ensureFresh loads the source file on first use or when its mtime moved.
func (s *Store) ensureFresh(ctx context.Context) error {
	info, err := os.Stat(s.config.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	s.mu.RLock()
	stale := s.loadedAt.IsZero() || info.ModTime().After(s.sourceMod)
	s.mu.RUnlock()
	if !stale {
		return nil
	}
	return s.load(ctx)
}

// load parses, validates, and swaps in the full template set atomically.
// A file with any invalid template is rejected wholesale so the cache never
// holds a partial view.
func (s *Store) load(_ context.Context) error {
	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	info, err := os.Stat(s.config.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if len(file.Templates) == 0 {
		return fmt.Errorf("%w: no templates defined in %s", ErrInvalidConfiguration, s.config.Path)
	}

	cache := make(map[string]*Template, len(file.Templates))
	for i := range file.Templates {
		tpl := file.Templates[i]
		if err := s.validate.Struct(&tpl); err != nil {
			return fmt.Errorf("%w: template %s: %v", ErrInvalidConfiguration, tpl.TemplateID, err)
		}
		if !tpl.ProviderAPI.Valid() {
			return fmt.Errorf("%w: template %s: unknown provider API %q",
				ErrInvalidConfiguration, tpl.TemplateID, tpl.ProviderAPI)
		}
		for name, attr := range tpl.Attributes {
			switch attr.Type {
			case AttributeString, AttributeNumeric, AttributeBoolean:
			default:
				return fmt.Errorf("%w: template %s: attribute %s has unknown type %q",
					ErrInvalidConfiguration, tpl.TemplateID, name, attr.Type)
			}
		}
		if err := s.schema.validate(&tpl); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
		if _, dup := cache[tpl.TemplateID]; dup {
			return fmt.Errorf("%w: duplicate template id %s", ErrInvalidConfiguration, tpl.TemplateID)
		}
		cache[tpl.TemplateID] = &tpl
	}

	s.mu.Lock()
	s.cache = cache
	s.loadedAt = time.Now()
	s.sourceMod = info.ModTime()
	s.version++
	s.mu.Unlock()

	s.log.Debugf("loaded %d templates from %s", len(cache), s.config.Path)
	return nil
}

// splitList splits a comma-separated override value into a trimmed list.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
