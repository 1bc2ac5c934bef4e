package work

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mkarlsen/quantd/internal/model"
)

// Builder binds a submitted payload to a runnable work function. Builders
// must not block; payload validation happens when the work function runs.
type Builder func(payload json.RawMessage) Func

// Table resolves job classes to their registered work-function builders.
// The orchestration core never knows what a backtest or a sync actually
// computes; the table is how the domain engines plug in.
type Table struct {
	mu       sync.RWMutex
	builders map[model.Class]Builder
}

// NewTable creates an empty work table.
func NewTable() *Table {
	return &Table{
		builders: make(map[model.Class]Builder),
	}
}

// Register adds a builder for the given job class.
func (t *Table) Register(class model.Class, b Builder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.builders[class] = b
}

// Resolve returns the builder for the given class, or an error if no work
// function is registered for it.
func (t *Table) Resolve(class model.Class) (Builder, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.builders[class]
	if !ok {
		return nil, fmt.Errorf("no work function registered for class %q", class)
	}
	return b, nil
}

// Classes returns the registered job classes, sorted for a stable API
// response.
func (t *Table) Classes() []model.Class {
	t.mu.RLock()
	defer t.mu.RUnlock()

	classes := make([]model.Class, 0, len(t.builders))
	for c := range t.builders {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool {
		return classes[i] < classes[j]
	})
	return classes
}
