package txproxy_test

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/yndnr/topomesh-go/internal/core/domain"
)

// memEngine is an in-memory device engine. Writes to the path "reject"
// fail like a device refusing the edit.
type memEngine struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func newMemEngine() *memEngine {
	return &memEngine{data: make(map[string]json.RawMessage)}
}

func key(store domain.Store, path string) string {
	return string(store) + ":" + path
}

func (m *memEngine) get(store domain.Store, path string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key(store, path)]
	return v, ok
}

func (m *memEngine) set(store domain.Store, path string, v string) {
	m.mu.Lock()
	m.data[key(store, path)] = json.RawMessage(v)
	m.mu.Unlock()
}

func (m *memEngine) NewReadTx() domain.ReadTx           { return &memTx{engine: m} }
func (m *memEngine) NewWriteTx() domain.WriteTx         { return &memTx{engine: m} }
func (m *memEngine) NewReadWriteTx() domain.ReadWriteTx { return &memTx{engine: m} }
func (m *memEngine) Close() error                       { return nil }

type memTx struct {
	engine *memEngine
	ops    []domain.PendingOperation
}

func (t *memTx) Read(_ context.Context, store domain.Store, path string) (json.RawMessage, bool, error) {
	v, ok := t.engine.get(store, path)
	return v, ok, nil
}

func (t *memTx) Exists(_ context.Context, store domain.Store, path string) (bool, error) {
	_, ok := t.engine.get(store, path)
	return ok, nil
}

func (t *memTx) Close() {}

func (t *memTx) Put(store domain.Store, path string, payload json.RawMessage) error {
	return t.add(domain.PendingOperation{Kind: domain.OpPut, Store: store, Path: path, Payload: payload})
}

func (t *memTx) Merge(store domain.Store, path string, payload json.RawMessage) error {
	return t.add(domain.PendingOperation{Kind: domain.OpMerge, Store: store, Path: path, Payload: payload})
}

func (t *memTx) Delete(store domain.Store, path string) error {
	return t.add(domain.PendingOperation{Kind: domain.OpDelete, Store: store, Path: path})
}

func (t *memTx) add(op domain.PendingOperation) error {
	if op.Path == "reject" {
		return domain.ErrDeviceRejected.
			WithDetails("lock held").
			WithClass(domain.SeverityError, domain.ErrorTypeProtocol, domain.TagInUse)
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *memTx) Submit(context.Context) error {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	for _, op := range t.ops {
		k := key(op.Store, op.Path)
		if op.Kind == domain.OpDelete {
			delete(t.engine.data, k)
			continue
		}
		t.engine.data[k] = op.Payload
	}
	t.ops = nil
	return nil
}

func (t *memTx) Cancel() bool {
	t.ops = nil
	return true
}
