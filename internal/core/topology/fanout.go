package topology

import (
	"context"
	"errors"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/peer"
	"github.com/yndnr/topomesh-go/pkg/future"
)

// Fan-out operations, used as metric labels.
const (
	opCreate = "create"
	opDelete = "delete"
	opStatus = "status"
)

// result is one target's answer in a fan-out.
type result struct {
	member string
	local  bool
	record domain.DeviceNodeRecord
	err    error
}

type localCall func(ctx context.Context) (domain.DeviceNodeRecord, error)

type remoteCall func(ctx context.Context, ep peer.Endpoint) (domain.DeviceNodeRecord, error)

// fanout runs local on this member and remote on every confirmed peer and
// hands all results to then on the manager goroutine. The local result is
// always first. Targets still running after the fan-out timeout report
// ErrPeerNoResponse.
func (m *Manager) fanout(op string, local localCall, remote remoteCall, then func([]result)) {
	ctx, cancel := context.WithTimeout(m.ctx, m.fanoutTimeout)
	peers := m.peers.Peers()

	targets := make([]result, 0, len(peers)+1)
	futures := make([]*future.Future[domain.DeviceNodeRecord], 0, len(peers)+1)

	targets = append(targets, result{member: m.self, local: true})
	futures = append(futures, future.Go(func() (domain.DeviceNodeRecord, error) {
		return local(ctx)
	}))

	for _, h := range peers {
		h := h
		targets = append(targets, result{member: h.Address})
		futures = append(futures, future.Go(func() (domain.DeviceNodeRecord, error) {
			pctx, pcancel := h.Bind(ctx)
			defer pcancel()
			rec, err := remote(pctx, h.Endpoint)
			if err != nil {
				return rec, peerError(pctx, h.Address, err)
			}
			return rec, nil
		}))
	}

	future.AllAsync(ctx, futures).OnComplete(func(outcomes []future.Outcome[domain.DeviceNodeRecord], _ error) {
		cancel()
		for i, o := range outcomes {
			targets[i].record = o.Value
			targets[i].err = o.Err
			if o.Err != nil && !targets[i].local && !isDomainErr(o.Err) {
				targets[i].err = domain.ErrPeerNoResponse.
					WithDetails("peer " + targets[i].member).
					WithCause(o.Err)
			}
			m.metrics.FanoutResults.WithLabelValues(op, outcomeLabel(targets[i].err)).Inc()
		}
		m.post(func() { then(targets) })
	})
}

// peerError classifies a failed peer call. Transport failures and removed
// peers become ErrPeerNoResponse; error replies become ErrPeerRejected.
func peerError(ctx context.Context, member string, err error) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, domain.ErrPeerNoResponse) {
		return cause
	}
	if isDomainErr(err) && !errors.Is(err, domain.ErrPeerNoResponse) {
		return domain.ErrPeerRejected.WithDetails("peer " + member).WithCause(err)
	}
	return domain.ErrPeerNoResponse.WithDetails("peer " + member).WithCause(err)
}

func isDomainErr(err error) bool {
	var de *domain.DomainError
	return errors.As(err, &de)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrPeerNoResponse):
		return "no_response"
	case errors.Is(err, domain.ErrPeerRejected):
		return "rejected"
	default:
		return "error"
	}
}

// firstFailure returns the first failed result's error, ignoring failures
// accepted by ok.
func firstFailure(results []result, ok func(error) bool) error {
	for _, r := range results {
		if r.err != nil && (ok == nil || !ok(r.err)) {
			return r.err
		}
	}
	return nil
}

// mergeRecord builds the clustered record of cfg from per-member results.
// The node is connected only when every member reports it connected.
func mergeRecord(cfg domain.NodeConfig, results []result) domain.DeviceNodeRecord {
	rec := domain.ConnectedRecord(cfg, results[0].member)
	rec.Members = rec.Members[:0]
	for _, r := range results {
		status := domain.StatusFailed
		if r.err == nil {
			status = memberStatus(r.record, r.member)
		}
		rec.Members = append(rec.Members, domain.MemberStatus{Member: r.member, Status: status})
		if status != domain.StatusConnected {
			rec.Status = domain.StatusFailed
		}
	}
	return rec
}

// memberStatus returns member's status inside rec, or the record status.
func memberStatus(rec domain.DeviceNodeRecord, member string) domain.ConnectionStatus {
	for _, ms := range rec.Members {
		if ms.Member == member {
			return ms.Status
		}
	}
	if rec.Status == "" {
		return domain.StatusFailed
	}
	return rec.Status
}
