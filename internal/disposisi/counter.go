package disposisi

import (
	"context"
	"fmt"
	"sync"
)

// DocumentSequence is the counter name used for document ID allocation.
const DocumentSequence = "document"

// CounterManager issues unique, monotonically increasing identifiers per
// named sequence. Allocation is serialized per name; different names never
// contend with each other. Contention is resolved internally and never
// surfaced to callers; Next fails only on underlying persistence failure.
type CounterManager struct {
	db     Database
	logger Logger

	mu    sync.Mutex // guards names
	names map[string]*sync.Mutex

	// gate is held exclusively while a restore is applying counter values,
	// so a concurrent Create can never allocate an ID the archive is about
	// to claim.
	gate sync.RWMutex
}

// NewCounterManager creates a CounterManager backed by the given database.
func NewCounterManager(db Database, logger Logger) *CounterManager {
	return &CounterManager{
		db:     db,
		logger: logger,
		names:  make(map[string]*sync.Mutex),
	}
}

// nameLock returns the mutex serializing allocations for one sequence name.
func (c *CounterManager) nameLock(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.names[name]
	if !ok {
		l = &sync.Mutex{}
		c.names[name] = l
	}
	return l
}

// Next returns the next value of the named sequence. Two concurrent calls
// for the same name never return equal values, and the sequence has no gaps
// except across an explicit Reset.
func (c *CounterManager) Next(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, NewValidation("sequence name must not be empty")
	}

	c.gate.RLock()
	defer c.gate.RUnlock()

	l := c.nameLock(name)
	l.Lock()
	defer l.Unlock()

	value, err := c.db.NextSequence(ctx, name)
	if err != nil {
		return 0, NewStorage(fmt.Sprintf("allocating %q sequence value", name), err)
	}
	return value, nil
}

// Reset sets the named sequence's high-water mark. Administrative operation:
// the caller must ensure value exceeds any ID already referenced in the
// document store, otherwise subsequent allocations can collide with existing
// data. Exposed only to the restore engine and privileged callers.
func (c *CounterManager) Reset(ctx context.Context, name string, value int64) error {
	if name == "" {
		return NewValidation("sequence name must not be empty")
	}
	if value < 0 {
		return NewValidation("sequence value must not be negative: %d", value)
	}

	l := c.nameLock(name)
	l.Lock()
	defer l.Unlock()

	if err := c.db.ResetSequence(ctx, name, value); err != nil {
		return NewStorage(fmt.Sprintf("resetting %q sequence", name), err)
	}
	c.logger.Info("sequence reset", "name", name, "value", value)
	return nil
}

// Snapshot returns every sequence and its current value.
func (c *CounterManager) Snapshot(ctx context.Context) (map[string]int64, error) {
	values, err := c.db.ListSequences(ctx)
	if err != nil {
		return nil, NewStorage("listing sequences", err)
	}
	return values, nil
}

// SuspendAllocations blocks all Next calls until the returned resume
// function is invoked. Used by the restore engine while applying archived
// counter values.
func (c *CounterManager) SuspendAllocations() (resume func()) {
	c.gate.Lock()
	return c.gate.Unlock
}
