package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store selects one of the two device datastores.
type Store string

const (
	StoreConfig      Store = "config"
	StoreOperational Store = "operational"
)

// ParseStore parses a store name.
func ParseStore(s string) (Store, error) {
	switch Store(s) {
	case StoreConfig, StoreOperational:
		return Store(s), nil
	default:
		return "", fmt.Errorf("unknown store %q", s)
	}
}

// OpKind is the kind of a buffered write.
type OpKind string

const (
	OpPut    OpKind = "put"
	OpMerge  OpKind = "merge"
	OpDelete OpKind = "delete"
)

// PendingOperation is a write buffered inside a proxy transaction.
type PendingOperation struct {
	Kind    OpKind          `json:"kind"`
	Store   Store           `json:"store"`
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RequestKind is the kind of a message sent to the master mount point.
type RequestKind string

const (
	RequestRead   RequestKind = "read"
	RequestExists RequestKind = "exists"
	RequestPut    RequestKind = "put"
	RequestMerge  RequestKind = "merge"
	RequestDelete RequestKind = "delete"
	RequestSubmit RequestKind = "submit"
	RequestCancel RequestKind = "cancel"
)

// ReplyKind is the kind of a master reply.
type ReplyKind string

const (
	ReplyNormalizedValue ReplyKind = "normalized-value"
	ReplyEmptyValue      ReplyKind = "empty-value"
	ReplyBooleanValue    ReplyKind = "boolean-value"
	ReplySubmitAck       ReplyKind = "submit-ack"
	ReplyFailure         ReplyKind = "failure"
)

// TxRequest is the message a proxy transaction sends to the master.
//
// Put, Merge and Delete carry a single operation in Store/Path/Payload;
// Submit carries the whole ordered batch in Ops.
type TxRequest struct {
	Kind    RequestKind        `json:"kind"`
	NodeID  string             `json:"node_id"`
	TxID    string             `json:"tx_id"`
	Store   Store              `json:"store,omitempty"`
	Path    string             `json:"path,omitempty"`
	Payload json.RawMessage    `json:"payload,omitempty"`
	Ops     []PendingOperation `json:"ops,omitempty"`
}

// TxReply is the master's answer to a TxRequest.
type TxReply struct {
	Kind    ReplyKind       `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Bool    bool            `json:"bool,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// FailureReply wraps err into a failure reply.
func FailureReply(err error) TxReply {
	return TxReply{Kind: ReplyFailure, Error: DetailOf(err)}
}

// Err returns the error carried by a failure reply.
func (r TxReply) Err() error {
	if r.Kind != ReplyFailure {
		return nil
	}
	if r.Error == nil {
		return ErrDeviceRejected
	}
	return r.Error.Err()
}

// ReadTx is a read-only transaction on a device engine.
type ReadTx interface {
	Read(ctx context.Context, store Store, path string) (json.RawMessage, bool, error)
	Exists(ctx context.Context, store Store, path string) (bool, error)
	Close()
}

// WriteTx is a write transaction on a device engine. Writes are applied
// atomically by Submit; Cancel discards them.
type WriteTx interface {
	Put(store Store, path string, payload json.RawMessage) error
	Merge(store Store, path string, payload json.RawMessage) error
	Delete(store Store, path string) error
	Submit(ctx context.Context) error
	Cancel() bool
}

// ReadWriteTx combines reads and writes in one transaction.
type ReadWriteTx interface {
	Read(ctx context.Context, store Store, path string) (json.RawMessage, bool, error)
	Exists(ctx context.Context, store Store, path string) (bool, error)
	WriteTx
}

// DeviceEngine executes transactions against one connected device.
type DeviceEngine interface {
	NewReadTx() ReadTx
	NewWriteTx() WriteTx
	NewReadWriteTx() ReadWriteTx
	Close() error
}
