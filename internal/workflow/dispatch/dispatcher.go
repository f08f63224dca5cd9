package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/workflow/planner"
)

// Outcome is the per-leaf join result a caller sees after awaiting a
// plan. Result mirrors the task row's result column at completion.
type Outcome struct {
	TaskID uuid.UUID
	Name   string
	Result datatypes.JSON
	Err    error
}

// Handle is the awaitable join of one dispatched plan. Callers may
// Wait for it or drop it (fire-and-forget); both dispatchers resolve
// it exactly once.
type Handle struct {
	mu       sync.Mutex
	outcomes []Outcome
	err      error
	done     chan struct{}
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) add(o Outcome) {
	h.mu.Lock()
	h.outcomes = append(h.outcomes, o)
	h.mu.Unlock()
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
	close(h.done)
}

// Wait blocks until the plan terminates and returns the per-leaf
// outcomes plus the first failure, if any.
func (h *Handle) Wait(ctx context.Context) ([]Outcome, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Outcome, len(h.outcomes))
	copy(out, h.outcomes)
	return out, h.err
}

// Err returns the first failure after completion, nil before.
func (h *Handle) Err() error {
	select {
	case <-h.done:
	default:
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

/*
Dispatcher submits a plan for execution. Implementations must yield
identical observable outcomes: the same terminal status on every
affected row, the same result values, the same captured einfo.

Eager runs the plan inline before returning; Queued hands leaves to the
shared worker queue and resolves the handle from the store. Either way
the returned Handle is the join.
*/
type Dispatcher interface {
	Dispatch(ctx context.Context, plan planner.Node) (*Handle, error)
}

// walk drives a plan tree with the composition semantics both
// dispatchers share: CHAIN halts on the first failure, GROUP runs all
// children and reports the first failure only after every sibling has
// terminated.
func walk(ctx context.Context, node planner.Node, leafFn func(context.Context, *types.Task) error) error {
	switch v := node.(type) {
	case nil:
		return nil
	case planner.Leaf:
		return leafFn(ctx, v.Task)
	case planner.Chain:
		for _, n := range v.Nodes {
			if err := walk(ctx, n, leafFn); err != nil {
				return err
			}
		}
		return nil
	case planner.Group:
		// Zero-value errgroup: no cancellation on sibling failure, the
		// join waits for every branch and keeps the first error.
		var g errgroup.Group
		for _, n := range v.Nodes {
			n := n
			g.Go(func() error {
				return walk(ctx, n, leafFn)
			})
		}
		return g.Wait()
	}
	return nil
}
