// Package jobs maps job type names to the code that performs them.
//
// Types are registered explicitly at startup; the engine never locates job code by
// reflection on a name found in a payload.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"elysium-jobs/internal/codec"
	"elysium-jobs/internal/models"
	"elysium-jobs/internal/queue"
)

// Performer is one job instance ready to run.
type Performer interface {
	Perform(ctx context.Context) error
}

// Factory builds a Performer from decoded arguments. Returning an error wrapping
// codec.ErrSerialization marks the payload as permanently unusable.
type Factory func(args codec.Args) (Performer, error)

// HandlerFunc adapts a plain function to a Factory.
type HandlerFunc func(ctx context.Context, args codec.Args) error

// Factory returns a Factory that binds args to f.
func (f HandlerFunc) Factory() Factory {
	return func(args codec.Args) (Performer, error) {
		return boundHandler{fn: f, args: args}, nil
	}
}

type boundHandler struct {
	fn   HandlerFunc
	args codec.Args
}

func (b boundHandler) Perform(ctx context.Context) error {
	return b.fn(ctx, b.args)
}

var (
	// ErrUnknownType is returned by Lookup for a type nobody registered.
	ErrUnknownType = fmt.Errorf("%w: unknown job type", codec.ErrSerialization)
	// ErrDuplicateType is returned when a name is registered twice.
	ErrDuplicateType = errors.New("job type already registered")
	// ErrInvalidName is returned for names that cannot be used as job types.
	ErrInvalidName = errors.New("invalid job type name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]{0,254}$`)

// ValidName reports whether name can be registered.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Defaults fill in whatever a Definition leaves unset.
type Defaults struct {
	Queue       string
	MaxAttempts int
	Timeout     time.Duration
}

type entry struct {
	def     models.Definition
	factory Factory
}

// Registry holds registered job types. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	defaults Defaults
	entries  map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry(defaults Defaults) *Registry {
	if defaults.Queue == "" {
		defaults.Queue = queue.DefaultName
	}
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = 5
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = 5 * time.Minute
	}
	return &Registry{defaults: defaults, entries: make(map[string]entry)}
}

// Register adds a job type.
func (r *Registry) Register(def models.Definition, factory Factory) error {
	if !ValidName(def.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, def.Name)
	}
	if factory == nil {
		return fmt.Errorf("register %s: nil factory", def.Name)
	}
	if def.Queue != "" && !queue.ValidName(def.Queue) {
		return fmt.Errorf("register %s: invalid queue %q", def.Name, def.Queue)
	}
	if def.Concurrency < 0 {
		return fmt.Errorf("register %s: negative concurrency", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, def.Name)
	}
	r.entries[def.Name] = entry{def: r.withDefaults(def), factory: factory}
	return nil
}

// Handle registers a HandlerFunc with default settings.
func (r *Registry) Handle(name string, fn HandlerFunc) error {
	return r.Register(models.Definition{Name: name}, fn.Factory())
}

// Lookup returns the factory for a job type.
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return e.factory, nil
}

// Definition returns the settings of a job type. Unregistered types get the
// registry defaults and ok=false.
func (r *Registry) Definition(name string) (models.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.def, true
	}
	return r.withDefaults(models.Definition{Name: name}), false
}

// Names lists registered types in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Limits returns the per-type concurrency caps of every capped type.
func (r *Registry) Limits() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for name, e := range r.entries {
		if e.def.Concurrency > 0 {
			out[name] = e.def.Concurrency
		}
	}
	return out
}

func (r *Registry) withDefaults(def models.Definition) models.Definition {
	if def.Queue == "" {
		def.Queue = r.defaults.Queue
	}
	if def.MaxAttempts <= 0 {
		def.MaxAttempts = r.defaults.MaxAttempts
	}
	if def.Timeout <= 0 {
		def.Timeout = r.defaults.Timeout
	}
	return def
}
