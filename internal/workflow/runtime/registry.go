package runtime

import (
	"fmt"
	"sync"
)

/*
The task registry is the dispatch table for the workflow engine.

Purpose:
	- Map a task row's fully-qualified *name* to a concrete implementation
	- Enforce a one-to-one relationship between name and implementation
	- Provide a safe, concurrent lookup mechanism for workers and the
	  eager dispatcher

The registry is the only place where name -> code binding happens.
Dispatchers and workers do not know about leaf bodies directly; they only
ask the registry for the implementation that claims a given name. This is
what lets deferred (queued) and eager execution resolve the exact same
code from the serialized task id.
*/

/*
Task is the contract every registered leaf implements.

Semantics:
	- Name() returns the dotted identifier this implementation is
	  responsible for. It must exactly match workflow_task.name values
	  stored in the db.
	- Run(h, params) performs the work, using the Handle as the only
	  mechanism to report progress or spawn sub-plans. The returned value
	  is serialized into the task row's result column.

Implementations must be stateless across invocations: every call gets a
fresh Handle and must assume it can be re-run after partial execution.
*/
type Task interface {
	Name() string
	Run(h *Handle, params map[string]any) (any, error)
}

// Undoer is implemented by tasks that have a reverse action. Undo
// records of tasks without one still run through the normal lifecycle,
// with a no-op body, so chain accounting stays consistent.
type Undoer interface {
	Undo(h *Handle, params map[string]any) error
}

// OutcomeDescriber supplies the human-readable event outcome persisted
// on the task row after a successful run.
type OutcomeDescriber interface {
	EventOutcomeSuccess(params map[string]any) string
}

// QueueHinter selects the worker pool a leaf is dispatched to in
// deferred mode. Leaves without a hint land on DefaultQueue.
type QueueHinter interface {
	Queue() string
}

// HiddenTask marks implementations whose rows default to hidden in
// operator-facing listings.
type HiddenTask interface {
	Hidden() bool
}

const DefaultQueue = "default"

/*
Registry is a concurrency-safe map of name -> implementation.

Invariants:
	- At most one implementation may be registered per name
	- Registration happens at process startup
	- Lookups may happen concurrently from many worker goroutines
*/
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

/*
Register adds an implementation to the registry.

Duplicate registration is forbidden: name ambiguity would make execution
non-deterministic, and it is almost always a wiring error. Failing fast
at startup beats silently picking one.
*/
func (r *Registry) Register(t Task) error {
	if t == nil {
		return fmt.Errorf("nil task implementation")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("task implementation Name() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("implementation already registered for task name=%s", name)
	}
	r.tasks[name] = t
	return nil
}

// MustRegister panics on registration failure; used in wiring code
// where a duplicate is a programmer error.
func (r *Registry) MustRegister(ts ...Task) {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Validate is called when persisting a task row: a non-composite row
// must reference a registered name.
func (r *Registry) Validate(name string, composite bool) error {
	if composite {
		return nil
	}
	if _, ok := r.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return nil
}

// QueueFor returns the queue hint for a registered name, falling back
// to DefaultQueue for unhinted or unknown implementations.
func (r *Registry) QueueFor(name string) string {
	t, ok := r.Get(name)
	if !ok {
		return DefaultQueue
	}
	if qh, ok := t.(QueueHinter); ok {
		if q := qh.Queue(); q != "" {
			return q
		}
	}
	return DefaultQueue
}

// HiddenFor reports whether rows for this name default to hidden.
func (r *Registry) HiddenFor(name string) bool {
	t, ok := r.Get(name)
	if !ok {
		return false
	}
	if ht, ok := t.(HiddenTask); ok {
		return ht.Hidden()
	}
	return false
}
