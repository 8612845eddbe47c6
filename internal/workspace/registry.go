package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/starford/folio/internal/events"
)

// Registry hands out one live Workspace per id. Concurrent first calls for
// the same id share a single initialization; later calls get the cached
// instance.
type Registry struct {
	bus    *events.Bus
	logger *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	open  map[string]*Workspace
	inits atomic.Int64
}

// NewRegistry creates a registry whose workspaces publish on bus.
func NewRegistry(bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{bus: bus, logger: logger, open: make(map[string]*Workspace)}
}

// Bus returns the change-notification bus shared by every workspace.
func (r *Registry) Bus() *events.Bus { return r.bus }

// Get returns the workspace described by opts, opening it on first use.
// A failed open is not cached; the next call retries.
func (r *Registry) Get(ctx context.Context, opts Options) (*Workspace, error) {
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	if err := opts.normalize(); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if w := r.lookup(opts.ID); w != nil {
		return w, nil
	}

	v, err, shared := r.group.Do(opts.ID, func() (any, error) {
		if w := r.lookup(opts.ID); w != nil {
			return w, nil
		}
		r.inits.Add(1)
		w, err := Open(ctx, r.bus, opts)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.open[opts.ID] = w
		r.mu.Unlock()
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("workspace: joined in-flight open", slog.String("workspace", opts.ID))
	}
	return v.(*Workspace), nil
}

func (r *Registry) lookup(id string) *Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open[id]
}

// Lookup returns an already-open workspace.
func (r *Registry) Lookup(id string) (*Workspace, bool) {
	w := r.lookup(id)
	return w, w != nil
}

// Inits counts how many times a workspace was actually opened.
func (r *Registry) Inits() int64 { return r.inits.Load() }

// Release closes and forgets one workspace.
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	w := r.open[id]
	delete(r.open, id)
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

// Close closes every open workspace.
func (r *Registry) Close() error {
	r.mu.Lock()
	open := r.open
	r.open = make(map[string]*Workspace)
	r.mu.Unlock()

	var errs []error
	for _, w := range open {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("workspace %s: %w", w.ID(), err))
		}
	}
	return errors.Join(errs...)
}
