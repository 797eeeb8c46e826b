// Package table implements the function table: a registry addressing each
// handler by a string name and a numeric index, dispatch with a "did you
// mean" suggestion on a missed name, and normalization of every handler
// return shape into one result or *message.Error.
//
//	register("add", 1, fn)              name "add" -> entry <- index 1
//	call(Name("add"), args)             lookup -> fn(ctx, args) -> normalize
//	call(Name("ad"), args)              miss -> suggest "add" -> InvalidMethod
//
// Each registration is stored once under a synthetic id; the name and index
// maps only point at ids, so both keys always resolve to the same entry.
package table

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"cborpc/message"
)

// The introspection method registered by New.
const (
	ListFnsName        = "listFns"
	ListFnsIndex int64 = -1
)

// Handler is a registered function. A returned error, or a panic, becomes a
// RuntimeErrors result.
type Handler func(ctx context.Context, args []any) (Return, error)

// Func adapts a function producing a plain value.
func Func(fn func(ctx context.Context, args []any) (any, error)) Handler {
	return func(ctx context.Context, args []any) (Return, error) {
		v, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return Value(v), nil
	}
}

// RegisterOptions controls replacement of existing keys.
type RegisterOptions struct {
	OverwriteName  bool
	OverwriteIndex bool
}

type Option func(*Table)

func WithLogger(l *zap.Logger) Option {
	return func(t *Table) { t.log = l }
}

func WithSuggester(s Suggester) Option {
	return func(t *Table) { t.suggester = s }
}

type entry struct {
	id    uint64
	name  string
	index int64
	fn    Handler
}

// Table is safe for concurrent use. Handlers run without the table lock, so
// they may register or unregister other functions.
type Table struct {
	mu      sync.RWMutex
	nextID  uint64
	entries map[uint64]*entry
	byName  map[string]uint64
	byIndex map[int64]uint64
	order   []uint64 // registration order, for deterministic suggestions

	suggester Suggester
	log       *zap.Logger
}

func New(opts ...Option) *Table {
	t := &Table{
		entries:   make(map[uint64]*entry),
		byName:    make(map[string]uint64),
		byIndex:   make(map[int64]uint64),
		suggester: DefaultSuggester(),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	listFns := func(context.Context, []any) (Return, error) {
		return Value(t.ListFns()), nil
	}
	if err := t.Register(ListFnsName, ListFnsIndex, listFns, RegisterOptions{}); err != nil {
		panic("table: register " + ListFnsName + ": " + err.Error())
	}
	return t
}

// Register adds fn under name and index. Both keys are checked before
// anything changes. Overwriting evicts each colliding entry entirely, both of
// its keys, so names and indices stay paired one to one.
func (t *Table) Register(name string, index int64, fn Handler, opts RegisterOptions) error {
	if fn == nil {
		panic("table: nil handler for " + name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	nameID, nameTaken := t.byName[name]
	indexID, indexTaken := t.byIndex[index]
	if nameTaken && !opts.OverwriteName {
		return message.Errorf(message.DuplicateStringIndex, "function %q already registered", name)
	}
	if indexTaken && !opts.OverwriteIndex {
		return message.Errorf(message.DuplicateNumberIndex, "index %d already registered", index)
	}

	if nameTaken {
		t.evict(nameID)
	}
	if indexTaken && indexID != nameID {
		t.evict(indexID)
	}

	t.nextID++
	e := &entry{id: t.nextID, name: name, index: index, fn: fn}
	t.entries[e.id] = e
	t.byName[name] = e.id
	t.byIndex[index] = e.id
	t.order = append(t.order, e.id)

	t.log.Debug("function registered", zap.String("method", name), zap.Int64("index", index))
	return nil
}

// Unregister removes the entry addressed by key, under both of its keys.
func (t *Table) Unregister(key message.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.lookup(key)
	if !ok {
		return message.Errorf(message.InvalidMethod, "function %s not found", key)
	}
	e := t.entries[id]
	t.evict(id)

	t.log.Debug("function unregistered", zap.String("method", e.name), zap.Int64("index", e.index))
	return nil
}

// Call resolves key, invokes the handler and normalizes its return. A
// non-nil error is always a *message.Error.
func (t *Table) Call(ctx context.Context, key message.Key, args []any) (any, error) {
	fn, rpcErr := t.resolve(key)
	if rpcErr != nil {
		return nil, rpcErr
	}
	v, rpcErr := invoke(ctx, fn, args)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return v, nil
}

// ListFns maps every registered name to its index.
func (t *Table) ListFns() map[string]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]int64, len(t.entries))
	for _, e := range t.entries {
		out[e.name] = e.index
	}
	return out
}

// Names returns registered names in registration order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.namesLocked()
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Table) resolve(key message.Key) (Handler, *message.Error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if id, ok := t.lookup(key); ok {
		return t.entries[id].fn, nil
	}
	if key.IsNumeric() {
		return nil, message.Errorf(message.InvalidMethod, "function %s not found", key)
	}
	if best, ok := t.suggester.Suggest(key.Name(), t.namesLocked()); ok {
		return nil, message.Errorf(message.InvalidMethod, "function %s not found, did you mean %s?", key.Name(), best)
	}
	return nil, message.Errorf(message.InvalidMethod, "function %s not found", key.Name())
}

func (t *Table) lookup(key message.Key) (uint64, bool) {
	if key.IsNumeric() {
		id, ok := t.byIndex[key.Index()]
		return id, ok
	}
	id, ok := t.byName[key.Name()]
	return id, ok
}

func (t *Table) namesLocked() []string {
	names := make([]string, 0, len(t.order))
	for _, id := range t.order {
		names = append(names, t.entries[id].name)
	}
	return names
}

// evict removes one entry from every index. Callers hold the write lock.
func (t *Table) evict(id uint64) {
	e, ok := t.entries[id]
	if !ok {
		return
	}
	delete(t.entries, id)
	delete(t.byName, e.name)
	delete(t.byIndex, e.index)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func invoke(ctx context.Context, fn Handler, args []any) (v any, rpcErr *message.Error) {
	defer func() {
		if r := recover(); r != nil {
			v, rpcErr = nil, panicError(r)
		}
	}()
	ret, err := fn(ctx, args)
	if err != nil {
		return nil, handlerError(err)
	}
	return normalize(ctx, ret)
}
