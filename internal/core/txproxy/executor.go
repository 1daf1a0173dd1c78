package txproxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/telemetry/metric"
)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// NodeID is the device served. Required.
	NodeID string

	// Engine executes transactions on the device. Required.
	Engine domain.DeviceEngine

	// IdleTimeout cancels transactions without requests for this long.
	// Default: 60s
	IdleTimeout time.Duration

	// TombstoneRetention is how long ended transaction ids are remembered,
	// so a late Submit or Cancel gets a consistent answer.
	// Default: 10 * IdleTimeout
	TombstoneRetention time.Duration

	// MaxTombstones bounds the remembered ids; the oldest are forgotten
	// first.
	// Default: 4096
	MaxTombstones int

	// MailboxSize is the capacity of the request queue.
	// Default: 128
	MailboxSize int

	// Metrics for open transactions. If nil, a private registry is used.
	Metrics *metric.Registry

	// Logger for logging.
	Logger *slog.Logger
}

type call struct {
	ctx   context.Context
	req   domain.TxRequest
	reply chan domain.TxReply
}

type openTx struct {
	tx       domain.ReadWriteTx
	lastUsed time.Time
}

// tombstone remembers how a transaction ended so late requests for it get
// a consistent answer.
type tombstone struct {
	submitted bool
	at        time.Time
}

// Executor is the master side of proxy transactions for one device. A single
// goroutine owns the open transactions and handles requests in arrival
// order.
type Executor struct {
	nodeID        string
	engine        domain.DeviceEngine
	idleTimeout   time.Duration
	retention     time.Duration
	maxTombstones int
	metrics       *metric.Registry
	logger        *slog.Logger

	mailbox chan call
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Owned by the run goroutine.
	txs   map[string]*openTx
	ended map[string]tombstone
	// endedOrder holds the ids of ended in the order they ended.
	endedOrder []string
}

// NewExecutor creates an executor and starts its goroutine.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = 10 * cfg.IdleTimeout
	}
	if cfg.MaxTombstones <= 0 {
		cfg.MaxTombstones = 4096
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 128
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		nodeID:        cfg.NodeID,
		engine:        cfg.Engine,
		idleTimeout:   cfg.IdleTimeout,
		retention:     cfg.TombstoneRetention,
		maxTombstones: cfg.MaxTombstones,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With("node_id", cfg.NodeID),
		mailbox:       make(chan call, cfg.MailboxSize),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		txs:           make(map[string]*openTx),
		ended:         make(map[string]tombstone),
	}
	go e.run()
	return e
}

// Send implements Channel. It fails with domain.ErrMasterUnavailable once
// the executor is closed.
func (e *Executor) Send(ctx context.Context, req domain.TxRequest) (domain.TxReply, error) {
	c := call{ctx: ctx, req: req, reply: make(chan domain.TxReply, 1)}

	select {
	case e.mailbox <- c:
	case <-e.done:
		return domain.TxReply{}, domain.ErrMasterUnavailable.WithDetails("executor closed")
	case <-ctx.Done():
		return domain.TxReply{}, ctx.Err()
	}

	select {
	case r := <-c.reply:
		return r, nil
	case <-e.done:
		return domain.TxReply{}, domain.ErrMasterUnavailable.WithDetails("executor closed")
	case <-ctx.Done():
		return domain.TxReply{}, ctx.Err()
	}
}

// Close cancels every open transaction and stops the executor.
func (e *Executor) Close() error {
	e.cancel()
	<-e.done
	return nil
}

func (e *Executor) run() {
	defer close(e.done)

	sweep := time.NewTicker(e.idleTimeout / 2)
	defer sweep.Stop()

	for {
		select {
		case c := <-e.mailbox:
			c.reply <- e.handle(c.ctx, c.req)
		case now := <-sweep.C:
			e.expire(now)
		case <-e.ctx.Done():
			for id := range e.txs {
				e.abort(id)
			}
			return
		}
	}
}

func (e *Executor) handle(ctx context.Context, req domain.TxRequest) domain.TxReply {
	if ts, ok := e.ended[req.TxID]; ok {
		return e.handleEnded(req, ts)
	}

	switch req.Kind {
	case domain.RequestCancel:
		e.abort(req.TxID)
		return domain.TxReply{Kind: domain.ReplyBooleanValue, Bool: true}

	case domain.RequestSubmit:
		return e.submit(ctx, req)
	}

	tx := e.open(req.TxID)

	switch req.Kind {
	case domain.RequestRead:
		payload, found, err := tx.Read(ctx, req.Store, req.Path)
		if err != nil {
			return domain.FailureReply(err)
		}
		if !found {
			return domain.TxReply{Kind: domain.ReplyEmptyValue}
		}
		return domain.TxReply{Kind: domain.ReplyNormalizedValue, Payload: payload}

	case domain.RequestExists:
		ok, err := tx.Exists(ctx, req.Store, req.Path)
		if err != nil {
			return domain.FailureReply(err)
		}
		return domain.TxReply{Kind: domain.ReplyBooleanValue, Bool: ok}

	case domain.RequestPut, domain.RequestMerge, domain.RequestDelete:
		op := domain.PendingOperation{Kind: domain.OpKind(req.Kind), Store: req.Store, Path: req.Path, Payload: req.Payload}
		if err := applyOp(tx, op); err != nil {
			return domain.FailureReply(err)
		}
		return domain.TxReply{Kind: domain.ReplyEmptyValue}

	default:
		return domain.FailureReply(domain.ErrDeviceRejected.
			WithDetails("unknown request "+string(req.Kind)).
			WithClass(domain.SeverityError, domain.ErrorTypeProtocol, domain.TagOperationNotSupported))
	}
}

func (e *Executor) handleEnded(req domain.TxRequest, ts tombstone) domain.TxReply {
	if req.Kind == domain.RequestCancel {
		// Cancel after submit loses the race; a repeated cancel is a no-op.
		return domain.TxReply{Kind: domain.ReplyBooleanValue, Bool: !ts.submitted}
	}
	if ts.submitted {
		return domain.FailureReply(domain.ErrAlreadySubmitted.WithDetails(req.TxID))
	}
	return domain.FailureReply(domain.ErrAlreadyCancelled.WithDetails(req.TxID))
}

func (e *Executor) submit(ctx context.Context, req domain.TxRequest) domain.TxReply {
	tx := e.open(req.TxID)

	for _, op := range req.Ops {
		if err := applyOp(tx, op); err != nil {
			e.abort(req.TxID)
			e.logger.Warn("transaction rejected", "tx_id", req.TxID, "path", op.Path, "error", err)
			return domain.FailureReply(err)
		}
	}

	err := tx.Submit(ctx)
	delete(e.txs, req.TxID)
	e.metrics.OpenTransactions.Dec()
	e.end(req.TxID, true)
	if err != nil {
		e.logger.Warn("transaction commit failed", "tx_id", req.TxID, "error", err)
		return domain.FailureReply(err)
	}

	e.logger.Debug("transaction submitted", "tx_id", req.TxID, "ops", len(req.Ops))
	return domain.TxReply{Kind: domain.ReplySubmitAck}
}

// open returns the engine transaction for id, starting one on first use.
func (e *Executor) open(id string) domain.ReadWriteTx {
	if o, ok := e.txs[id]; ok {
		o.lastUsed = time.Now()
		return o.tx
	}
	o := &openTx{tx: e.engine.NewReadWriteTx(), lastUsed: time.Now()}
	e.txs[id] = o
	e.metrics.OpenTransactions.Inc()
	return o.tx
}

// abort cancels an open transaction and remembers it as cancelled.
func (e *Executor) abort(id string) {
	if o, ok := e.txs[id]; ok {
		o.tx.Cancel()
		delete(e.txs, id)
		e.metrics.OpenTransactions.Dec()
	}
	e.end(id, false)
}

// end records a tombstone for id. An id ends at most once, so endedOrder
// is ordered by end time.
func (e *Executor) end(id string, submitted bool) {
	if _, ok := e.ended[id]; ok {
		return
	}
	e.ended[id] = tombstone{submitted: submitted, at: time.Now()}
	e.endedOrder = append(e.endedOrder, id)
	for len(e.endedOrder) > e.maxTombstones {
		e.forgetOldest()
	}
}

func (e *Executor) forgetOldest() {
	delete(e.ended, e.endedOrder[0])
	e.endedOrder = e.endedOrder[1:]
}

func (e *Executor) expire(now time.Time) {
	for id, o := range e.txs {
		if now.Sub(o.lastUsed) >= e.idleTimeout {
			e.logger.Info("cancelling idle transaction", "tx_id", id)
			e.abort(id)
		}
	}
	for len(e.endedOrder) > 0 && now.Sub(e.ended[e.endedOrder[0]].at) >= e.retention {
		e.forgetOldest()
	}
}

func applyOp(tx domain.WriteTx, op domain.PendingOperation) error {
	switch op.Kind {
	case domain.OpPut:
		return tx.Put(op.Store, op.Path, op.Payload)
	case domain.OpMerge:
		return tx.Merge(op.Store, op.Path, op.Payload)
	case domain.OpDelete:
		return tx.Delete(op.Store, op.Path)
	default:
		return domain.ErrDeviceRejected.
			WithDetails("unknown operation "+string(op.Kind)).
			WithClass(domain.SeverityError, domain.ErrorTypeProtocol, domain.TagOperationNotSupported)
	}
}
