package txproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/telemetry/metric"
	"github.com/yndnr/topomesh-go/pkg/future"
)

// Kind is the capability set of a transaction.
type Kind int

const (
	KindReadOnly Kind = iota
	KindWriteOnly
	KindReadWrite
)

func (k Kind) canRead() bool  { return k != KindWriteOnly }
func (k Kind) canWrite() bool { return k != KindReadOnly }

// State is the lifecycle state of a proxy transaction.
type State int

const (
	StateOpen State = iota
	StateSubmitted
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateSubmitted:
		return "SUBMITTED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ErrUnsupported is returned for reads on a write-only transaction and
// writes on a read-only one.
var ErrUnsupported = errors.New("operation not supported by this transaction kind")

// Config configures a Factory.
type Config struct {
	// NodeID is the device the transactions address. Required.
	NodeID string

	// Owner resolves the owner channel. Required.
	Owner OwnerFunc

	// AskTimeout bounds every wait for the owner.
	// Default: 5s
	AskTimeout time.Duration

	// Metrics for proxy requests. If nil, a private registry is used.
	Metrics *metric.Registry

	// Logger for logging.
	Logger *slog.Logger
}

// Factory creates proxy transactions for one device.
type Factory struct {
	nodeID     string
	owner      OwnerFunc
	askTimeout time.Duration
	metrics    *metric.Registry
	logger     *slog.Logger
}

// NewFactory creates a transaction factory.
func NewFactory(cfg Config) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 5 * time.Second
	}
	return &Factory{
		nodeID:     cfg.NodeID,
		owner:      cfg.Owner,
		askTimeout: cfg.AskTimeout,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("node_id", cfg.NodeID),
	}
}

// NewReadOnlyTransaction starts a read-only transaction.
func (f *Factory) NewReadOnlyTransaction() *ProxyTransaction {
	return f.newTransaction(KindReadOnly)
}

// NewWriteOnlyTransaction starts a write-only transaction.
func (f *Factory) NewWriteOnlyTransaction() *ProxyTransaction {
	return f.newTransaction(KindWriteOnly)
}

// NewReadWriteTransaction starts a read-write transaction.
func (f *Factory) NewReadWriteTransaction() *ProxyTransaction {
	return f.newTransaction(KindReadWrite)
}

func (f *Factory) newTransaction(kind Kind) *ProxyTransaction {
	return &ProxyTransaction{
		id:      ulid.Make().String(),
		kind:    kind,
		factory: f,
		owner:   f.owner(),
	}
}

// ProxyTransaction is a device transaction executed by the device owner.
//
// Writes are buffered and sent in one message on Submit, so the owner
// applies them atomically and in append order.
type ProxyTransaction struct {
	id      string
	kind    Kind
	factory *Factory
	owner   *future.Future[Channel]

	mu      sync.Mutex
	state   State
	pending []domain.PendingOperation
	touched bool
}

// ID returns the transaction id.
func (t *ProxyTransaction) ID() string {
	return t.id
}

// State returns the lifecycle state.
func (t *ProxyTransaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending returns a copy of the buffered writes.
func (t *ProxyTransaction) Pending() []domain.PendingOperation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.PendingOperation(nil), t.pending...)
}

// Read reads path from the owner.
func (t *ProxyTransaction) Read(ctx context.Context, store domain.Store, path string) (json.RawMessage, bool, error) {
	if err := t.checkRead(); err != nil {
		return nil, false, err
	}
	reply, err := t.ask(ctx, domain.TxRequest{Kind: domain.RequestRead, Store: store, Path: path})
	if err != nil {
		return nil, false, err
	}
	switch reply.Kind {
	case domain.ReplyNormalizedValue:
		return reply.Payload, true, nil
	case domain.ReplyEmptyValue:
		return nil, false, nil
	default:
		return nil, false, unexpectedReply(reply)
	}
}

// Exists checks path on the owner.
func (t *ProxyTransaction) Exists(ctx context.Context, store domain.Store, path string) (bool, error) {
	if err := t.checkRead(); err != nil {
		return false, err
	}
	reply, err := t.ask(ctx, domain.TxRequest{Kind: domain.RequestExists, Store: store, Path: path})
	if err != nil {
		return false, err
	}
	if reply.Kind != domain.ReplyBooleanValue {
		return false, unexpectedReply(reply)
	}
	return reply.Bool, nil
}

// Put buffers a replace of path.
func (t *ProxyTransaction) Put(store domain.Store, path string, payload json.RawMessage) error {
	return t.append(domain.PendingOperation{Kind: domain.OpPut, Store: store, Path: path, Payload: payload})
}

// Merge buffers a merge into path.
func (t *ProxyTransaction) Merge(store domain.Store, path string, payload json.RawMessage) error {
	return t.append(domain.PendingOperation{Kind: domain.OpMerge, Store: store, Path: path, Payload: payload})
}

// Delete buffers a delete of path.
func (t *ProxyTransaction) Delete(store domain.Store, path string) error {
	return t.append(domain.PendingOperation{Kind: domain.OpDelete, Store: store, Path: path})
}

// Submit sends the buffered writes to the owner. The future resolves once
// the owner applied them, or fails with domain.ErrMasterUnavailable when
// the owner does not answer within the ask timeout.
func (t *ProxyTransaction) Submit() *future.Future[struct{}] {
	t.mu.Lock()
	if err := t.terminalErr(); err != nil {
		t.mu.Unlock()
		return future.Failed[struct{}](err)
	}
	if !t.kind.canWrite() {
		t.mu.Unlock()
		return future.Failed[struct{}](ErrUnsupported)
	}
	t.state = StateSubmitted
	ops := t.pending
	t.pending = nil
	t.touched = true
	t.mu.Unlock()

	return future.Go(func() (struct{}, error) {
		reply, err := t.ask(context.Background(), domain.TxRequest{Kind: domain.RequestSubmit, Ops: ops})
		if err != nil {
			return struct{}{}, err
		}
		if reply.Kind != domain.ReplySubmitAck {
			return struct{}{}, unexpectedReply(reply)
		}
		return struct{}{}, nil
	})
}

// Cancel discards the transaction. It returns false when the transaction
// was already submitted or cancelled.
func (t *ProxyTransaction) Cancel() bool {
	t.mu.Lock()
	if t.state != StateOpen {
		t.mu.Unlock()
		return false
	}
	t.state = StateCancelled
	t.pending = nil
	touched := t.touched
	t.mu.Unlock()

	// The owner only knows the transaction if a request reached it.
	if touched {
		go t.sendCancel()
	}
	return true
}

// Close cancels an open transaction. It exists so a read-only transaction
// can be released with defer.
func (t *ProxyTransaction) Close() {
	t.Cancel()
}

func (t *ProxyTransaction) sendCancel() {
	_, err := t.ask(context.Background(), domain.TxRequest{Kind: domain.RequestCancel})
	if err != nil {
		t.factory.logger.Debug("best-effort cancel failed", "tx_id", t.id, "error", err)
	}
}

func (t *ProxyTransaction) append(op domain.PendingOperation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.terminalErr(); err != nil {
		return err
	}
	if !t.kind.canWrite() {
		return ErrUnsupported
	}
	t.pending = append(t.pending, op)
	return nil
}

func (t *ProxyTransaction) checkRead() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.terminalErr(); err != nil {
		return err
	}
	if !t.kind.canRead() {
		return ErrUnsupported
	}
	t.touched = true
	return nil
}

// terminalErr must be called with t.mu held.
func (t *ProxyTransaction) terminalErr() error {
	switch t.state {
	case StateSubmitted:
		return domain.ErrAlreadySubmitted.WithDetails(t.id)
	case StateCancelled:
		return domain.ErrAlreadyCancelled.WithDetails(t.id)
	}
	return nil
}

// ask sends req to the owner and waits for the reply within the ask
// timeout, including the time spent waiting for the owner to be known.
func (t *ProxyTransaction) ask(ctx context.Context, req domain.TxRequest) (domain.TxReply, error) {
	f := t.factory
	req.NodeID = f.nodeID
	req.TxID = t.id
	kind := string(req.Kind)

	ctx, cancel := context.WithTimeout(ctx, f.askTimeout)
	defer cancel()

	ch, err := t.owner.Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return domain.TxReply{}, t.unavailable(kind, fmt.Errorf("no owner after %s: %w", f.askTimeout, err))
		}
		f.metrics.ProxyRequests.WithLabelValues(kind, "error").Inc()
		return domain.TxReply{}, err
	}

	reply, err := ch.Send(ctx, req)
	if err != nil {
		if passThrough(err) {
			f.metrics.ProxyRequests.WithLabelValues(kind, "error").Inc()
			return domain.TxReply{}, err
		}
		return domain.TxReply{}, t.unavailable(kind, err)
	}
	if rErr := reply.Err(); rErr != nil {
		f.metrics.ProxyRequests.WithLabelValues(kind, "rejected").Inc()
		return domain.TxReply{}, rErr
	}

	f.metrics.ProxyRequests.WithLabelValues(kind, "ok").Inc()
	return reply, nil
}

func (t *ProxyTransaction) unavailable(kind string, cause error) error {
	f := t.factory
	f.metrics.ProxyRequests.WithLabelValues(kind, "master_unavailable").Inc()
	f.metrics.MasterUnavailable.Inc()
	f.logger.Warn("master unavailable", "tx_id", t.id, "request", kind, "error", cause)

	if errors.Is(cause, domain.ErrMasterUnavailable) {
		return cause
	}
	return domain.ErrMasterUnavailable.WithDetails(cause.Error()).WithCause(cause)
}

// passThrough reports whether a channel error is an answer from the owner
// rather than a delivery failure.
func passThrough(err error) bool {
	return errors.Is(err, domain.ErrDeviceRejected) ||
		errors.Is(err, domain.ErrAlreadySubmitted) ||
		errors.Is(err, domain.ErrAlreadyCancelled)
}

func unexpectedReply(reply domain.TxReply) error {
	return domain.ErrDeviceRejected.WithDetails(fmt.Sprintf("unexpected reply %q", reply.Kind))
}
