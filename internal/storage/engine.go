package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"

	"github.com/yndnr/topomesh-go/internal/core/domain"
)

func devicePrefix(nodeID string) string {
	return "device/" + nodeID + "/"
}

// DeviceEngine executes transactions on one device namespace. It
// implements domain.DeviceEngine.
type DeviceEngine struct {
	ds     *Datastore
	nodeID string
	prefix string
	closed atomic.Bool
}

func newDeviceEngine(ds *Datastore, nodeID string) *DeviceEngine {
	return &DeviceEngine{ds: ds, nodeID: nodeID, prefix: devicePrefix(nodeID)}
}

// NodeID returns the device id.
func (e *DeviceEngine) NodeID() string {
	return e.nodeID
}

// NewReadTx starts a read-only transaction.
func (e *DeviceEngine) NewReadTx() domain.ReadTx {
	return e.newTx(false)
}

// NewWriteTx starts a write transaction.
func (e *DeviceEngine) NewWriteTx() domain.WriteTx {
	return e.newTx(true)
}

// NewReadWriteTx starts a read-write transaction.
func (e *DeviceEngine) NewReadWriteTx() domain.ReadWriteTx {
	return e.newTx(true)
}

// Close marks the engine closed. Open transactions fail on their next call.
// The device data is kept.
func (e *DeviceEngine) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *DeviceEngine) isClosed() bool {
	return e.closed.Load()
}

// writeOperational replaces an operational value outside of any device
// transaction. The connector uses it to publish connection state.
func (e *DeviceEngine) writeOperational(path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.ds.db.Update(func(txn *badger.Txn) error {
		return txn.Set(e.key(domain.StoreOperational, path), payload)
	})
}

func (e *DeviceEngine) newTx(update bool) *deviceTx {
	return &deviceTx{engine: e, txn: e.ds.db.NewTransaction(update)}
}

func (e *DeviceEngine) key(store domain.Store, path string) []byte {
	return []byte(e.prefix + string(store) + "/" + normalizePath(path))
}

func normalizePath(path string) string {
	return strings.Trim(path, "/")
}

// deviceTx wraps one badger.Txn. It is used by one goroutine at a time.
type deviceTx struct {
	engine *DeviceEngine
	txn    *badger.Txn

	mu   sync.Mutex
	done bool
}

func (t *deviceTx) check() error {
	if t.done {
		return domain.ErrDeviceRejected.
			WithDetails("transaction finished").
			WithClass(domain.SeverityError, domain.ErrorTypeProtocol, domain.TagOperationFailed)
	}
	if t.engine.isClosed() {
		return domain.ErrDeviceRejected.
			WithDetails("device " + t.engine.nodeID + " disconnected").
			WithClass(domain.SeverityError, domain.ErrorTypeTransport, domain.TagOperationFailed)
	}
	return nil
}

// Read returns the value stored at path.
func (t *deviceTx) Read(_ context.Context, store domain.Store, path string) (json.RawMessage, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, false, err
	}

	item, err := t.txn.Get(t.engine.key(store, path))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	return v, true, nil
}

// Exists reports whether path or anything below it holds a value.
func (t *deviceTx) Exists(_ context.Context, store domain.Store, path string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return false, err
	}

	key := t.engine.key(store, path)
	if _, err := t.txn.Get(key); err == nil {
		return true, nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = append(key, '/')
	it := t.txn.NewIterator(opts)
	defer it.Close()
	it.Rewind()
	return it.Valid(), nil
}

// Put replaces the value at path.
func (t *deviceTx) Put(store domain.Store, path string, payload json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkValue(store, payload); err != nil {
		return err
	}
	return t.set(t.engine.key(store, path), payload)
}

// Merge merges a JSON object into the object at path. Anything that is not
// an object on both sides is replaced.
func (t *deviceTx) Merge(store domain.Store, path string, payload json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkValue(store, payload); err != nil {
		return err
	}

	key := t.engine.key(store, path)
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return t.set(key, payload)
	}
	if err != nil {
		return err
	}
	current, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}

	merged, err := mergeJSON(current, payload)
	if err != nil {
		return err
	}
	return t.set(key, merged)
}

// Delete removes path and everything below it.
func (t *deviceTx) Delete(store domain.Store, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkWrite(store, nil); err != nil {
		return err
	}

	key := t.engine.key(store, path)
	if err := t.txn.Delete(key); err != nil {
		return t.mapTxnErr(err)
	}

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = append(append([]byte(nil), key...), '/')
	it := t.txn.NewIterator(opts)
	var children [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		children = append(children, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range children {
		if err := t.txn.Delete(k); err != nil {
			return t.mapTxnErr(err)
		}
	}
	return nil
}

// Submit commits the transaction.
func (t *deviceTx) Submit(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	t.done = true

	if err := t.txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return domain.ErrDeviceRejected.
				WithDetails("concurrent modification").
				WithCause(err).
				WithClass(domain.SeverityError, domain.ErrorTypeProtocol, domain.TagInUse)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Cancel discards the transaction. It returns false if the transaction was
// already finished.
func (t *deviceTx) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.txn.Discard()
	return true
}

// Close releases a read transaction.
func (t *deviceTx) Close() {
	t.Cancel()
}

func (t *deviceTx) checkWrite(store domain.Store, payload json.RawMessage) error {
	if err := t.check(); err != nil {
		return err
	}
	if store == domain.StoreOperational {
		return domain.ErrDeviceRejected.
			WithDetails("operational data is read-only").
			WithClass(domain.SeverityError, domain.ErrorTypeProtocol, domain.TagOperationNotSupported)
	}
	if payload != nil && !json.Valid(payload) {
		return invalidValue("payload is not valid JSON")
	}
	return nil
}

// checkValue rejects Put and Merge without a value, including JSON null.
// Removing data is a Delete.
func (t *deviceTx) checkValue(store domain.Store, payload json.RawMessage) error {
	if err := t.checkWrite(store, payload); err != nil {
		return err
	}
	if v := bytes.TrimSpace(payload); len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return invalidValue("payload is required, use delete to remove data")
	}
	return nil
}

func (t *deviceTx) set(key []byte, payload json.RawMessage) error {
	return t.mapTxnErr(t.txn.Set(key, bytes.Clone(payload)))
}

func (t *deviceTx) mapTxnErr(err error) error {
	if errors.Is(err, badger.ErrTxnTooBig) {
		return domain.ErrDeviceRejected.
			WithDetails("transaction too large").
			WithCause(err).
			WithClass(domain.SeverityError, domain.ErrorTypeApplication, domain.TagOperationFailed)
	}
	return err
}

func mergeJSON(current, patch json.RawMessage) (json.RawMessage, error) {
	var dst, src map[string]json.RawMessage
	if json.Unmarshal(patch, &src) != nil {
		return patch, nil
	}
	if json.Unmarshal(current, &dst) != nil || dst == nil {
		return patch, nil
	}
	for k, v := range src {
		dst[k] = v
	}
	merged, err := json.Marshal(dst)
	if err != nil {
		return nil, invalidValue(err.Error())
	}
	return merged, nil
}

func invalidValue(details string) error {
	return domain.ErrDeviceRejected.
		WithDetails(details).
		WithClass(domain.SeverityError, domain.ErrorTypeApplication, domain.TagInvalidValue)
}
