package clusterserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/yndnr/topomesh-go/internal/core/domain"
)

// Procedure names.
const (
	ClusterServiceName  = "topomesh.cluster.v1.ClusterService"
	TopologyServiceName = "topomesh.topology.v1.TopologyService"

	ProcApplyLog = "/" + ClusterServiceName + "/ApplyLog"

	ProcIdentify               = "/" + TopologyServiceName + "/Identify"
	ProcCreateNode             = "/" + TopologyServiceName + "/CreateNode"
	ProcDeleteNode             = "/" + TopologyServiceName + "/DeleteNode"
	ProcNodeStatus             = "/" + TopologyServiceName + "/NodeStatus"
	ProcIsMaster               = "/" + TopologyServiceName + "/IsMaster"
	ProcNotifyNodeStatusChange = "/" + TopologyServiceName + "/NotifyNodeStatusChange"
	ProcExecute                = "/" + TopologyServiceName + "/Execute"
)

// Empty is the response of procedures without a result.
type Empty struct{}

// ApplyLogRequest carries a log entry to the raft leader.
type ApplyLogRequest struct {
	Entry LogEntry `json:"entry"`
}

// IdentifyRequest is the discovery handshake.
type IdentifyRequest struct {
	Identity domain.Identity `json:"identity"`
}

// IdentifyResponse carries the callee's identity.
type IdentifyResponse struct {
	Identity domain.Identity `json:"identity"`
}

// NodeRequest addresses one node.
type NodeRequest struct {
	NodeID string `json:"node_id"`
}

// CreateNodeRequest carries a node configuration.
type CreateNodeRequest struct {
	Node domain.NodeConfig `json:"node"`
}

// RecordResponse carries a member's record of a node.
type RecordResponse struct {
	Record domain.DeviceNodeRecord `json:"record"`
}

// IsMasterRequest asks whether the callee owns a topology.
type IsMasterRequest struct {
	TopologyID string `json:"topology_id"`
}

// IsMasterResponse answers IsMasterRequest.
type IsMasterResponse struct {
	Master bool `json:"master"`
}

// ConnectError converts err into a connect error whose message is the
// encoded domain error detail.
func ConnectError(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}
	return connect.NewError(codeOf(err), errors.New(domain.EncodeError(err)))
}

// DomainError converts an error returned by a connect client back into the
// domain error it carries. Transport failures are returned wrapped and are
// not domain errors.
func DomainError(procedure string, err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		if de, ok := domain.DecodeError(ce.Message()); ok {
			return de
		}
	}
	return fmt.Errorf("call %s: %w", procedure, err)
}

func codeOf(err error) connect.Code {
	switch {
	case errors.Is(err, domain.ErrNodeNotFound):
		return connect.CodeNotFound
	case errors.Is(err, domain.ErrInvalidNodeConfig):
		return connect.CodeInvalidArgument
	case errors.Is(err, domain.ErrNoLeader),
		errors.Is(err, domain.ErrMasterUnavailable),
		errors.Is(err, domain.ErrPeerNoResponse):
		return connect.CodeUnavailable
	case errors.Is(err, domain.ErrNotOwner),
		errors.Is(err, domain.ErrAlreadySubmitted),
		errors.Is(err, domain.ErrAlreadyCancelled):
		return connect.CodeFailedPrecondition
	case errors.Is(err, domain.ErrOwnershipConflict):
		return connect.CodeAlreadyExists
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return connect.CodeCanceled
	default:
		return connect.CodeUnknown
	}
}

// Unary builds a JSON unary handler around fn. Errors returned by fn are
// converted with ConnectError.
func Unary[Req, Res any](procedure string, fn func(context.Context, *Req) (*Res, error), opts ...connect.HandlerOption) *connect.Handler {
	opts = append([]connect.HandlerOption{connect.WithCodec(Codec())}, opts...)
	return connect.NewUnaryHandler(procedure,
		func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
			res, err := fn(ctx, req.Msg)
			if err != nil {
				return nil, ConnectError(err)
			}
			return connect.NewResponse(res), nil
		}, opts...)
}

// Client is a JSON unary client of one procedure.
type Client[Req, Res any] struct {
	procedure string
	client    *connect.Client[Req, Res]
}

// NewClient returns a client calling procedure on baseURL.
func NewClient[Req, Res any](httpClient connect.HTTPClient, baseURL, procedure string, opts ...connect.ClientOption) *Client[Req, Res] {
	opts = append([]connect.ClientOption{connect.WithCodec(Codec())}, opts...)
	return &Client[Req, Res]{
		procedure: procedure,
		client:    connect.NewClient[Req, Res](httpClient, strings.TrimRight(baseURL, "/")+procedure, opts...),
	}
}

// Call invokes the procedure.
func (c *Client[Req, Res]) Call(ctx context.Context, req *Req) (*Res, error) {
	resp, err := c.client.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, DomainError(c.procedure, err)
	}
	return resp.Msg, nil
}

// BaseURL returns the http base url of an rpc address.
func BaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

// Applier applies log entries on the raft leader.
type Applier interface {
	ApplyLocal(ctx context.Context, entry LogEntry) error
}

// NewClusterHandler returns the path prefix and handler of ClusterService.
func NewClusterHandler(applier Applier, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(ProcApplyLog, Unary(ProcApplyLog,
		func(ctx context.Context, req *ApplyLogRequest) (*Empty, error) {
			if err := applier.ApplyLocal(ctx, req.Entry); err != nil {
				return nil, err
			}
			return &Empty{}, nil
		}, opts...))
	return "/" + ClusterServiceName + "/", mux
}
