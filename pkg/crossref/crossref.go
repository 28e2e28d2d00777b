// Package crossref implements component E of the pattern intelligence core:
// a directed graph of dependents keyed by content address, with concurrent
// ripple notification delivery. Grounded on the teacher's graph-edge shape
// (pkg/graph/graph.go) but re-keyed to the spec's address-based source/
// dependent relation and delivered through a golang.org/x/sync/errgroup
// bounded worker pool rather than the teacher's HNSW-adjacent GraphStore.
package crossref

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/patterncore/intel/pkg/corelog"
)

const (
	maxRetries      = 5
	initialBackoff  = 100 * time.Millisecond
	maxBackoff      = 5 * time.Second
	maxWorkers      = 4
)

// Edge is a directed source -> dependent relation.
type Edge struct {
	Source    string
	Dependent string
	Relation  string
}

// NotifyFunc is a dependent's callback, invoked on a hash change for its
// source. It receives only the dependent address and the two hashes; a
// callback that wants to ripple further must call NotifyDependents on an
// Index it holds itself.
type NotifyFunc func(ctx context.Context, dependent, oldHash, newHash string) error

// Index is the Cross-Reference Index's sole implementation.
type Index struct {
	mu        sync.RWMutex
	edges     map[string][]Edge // source -> ordered dependents
	listeners map[string]NotifyFunc
	workers   int
	logger    corelog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithLogger overrides the default no-op logger.
func WithLogger(l corelog.Logger) Option {
	return func(i *Index) { i.logger = l }
}

// WithWorkers overrides the worker-pool size (clamped to maxWorkers).
func WithWorkers(n int) Option {
	return func(i *Index) {
		if n > maxWorkers {
			n = maxWorkers
		}
		if n > 0 {
			i.workers = n
		}
	}
}

// New constructs an Index bounded to min(4, runtime.NumCPU()) workers by
// default, per spec.md §5's background-task pool policy.
func New(numCPU int, opts ...Option) *Index {
	workers := numCPU
	if workers > maxWorkers || workers <= 0 {
		workers = maxWorkers
	}
	idx := &Index{
		edges:     make(map[string][]Edge),
		listeners: make(map[string]NotifyFunc),
		workers:   workers,
		logger:    corelog.Nop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Register adds a dependent edge for source, in insertion order.
func (i *Index) Register(source, dependent, relation string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.edges[source] = append(i.edges[source], Edge{Source: source, Dependent: dependent, Relation: relation})
}

// Unregister removes every edge from source to dependent, used when the
// referencing pattern is deleted (spec.md §3 CrossRef lifecycle).
func (i *Index) Unregister(source, dependent string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	kept := i.edges[source][:0]
	for _, e := range i.edges[source] {
		if e.Dependent != dependent {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(i.edges, source)
	} else {
		i.edges[source] = kept
	}
}

// Listen registers the callback invoked when dependent is notified.
func (i *Index) Listen(dependent string, fn NotifyFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.listeners[dependent] = fn
}

// NotifyDependents delivers to every direct dependent of source and returns
// the count scheduled. Delivery runs on a bounded worker pool with
// exponential backoff retry on transient failure; the call blocks until
// every delivery, retries included, has finished. A visited set skips the
// source itself and duplicate dependents within this call. Delivery does not
// follow a dependent's own dependents, and a callback that calls
// NotifyDependents starts a new call with an empty visited set, so a cycle
// closed through callbacks is not cut off by this set.
func (i *Index) NotifyDependents(ctx context.Context, source, oldHash, newHash string) int {
	i.mu.RLock()
	dependents := append([]Edge(nil), i.edges[source]...)
	i.mu.RUnlock()

	if len(dependents) == 0 {
		return 0
	}

	visited := &sync.Map{}
	visited.Store(source, struct{}{})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)

	scheduled := 0
	for _, e := range dependents {
		e := e
		if _, seen := visited.LoadOrStore(e.Dependent, struct{}{}); seen {
			continue
		}
		scheduled++
		g.Go(func() error {
			i.deliver(gctx, e, oldHash, newHash, visited)
			return nil
		})
	}
	_ = g.Wait()
	return scheduled
}

func (i *Index) deliver(ctx context.Context, e Edge, oldHash, newHash string, visited *sync.Map) {
	i.mu.RLock()
	fn, ok := i.listeners[e.Dependent]
	i.mu.RUnlock()
	if !ok {
		return
	}

	backoff := initialBackoff
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return
		}
		err := fn(ctx, e.Dependent, oldHash, newHash)
		if err == nil {
			return
		}
		i.logger.Warn("ripple delivery failed, retrying", "dependent", e.Dependent, "attempt", attempt, "error", err)
		if attempt == maxRetries {
			i.logger.Error("ripple delivery exhausted retries", "dependent", e.Dependent)
			return
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
