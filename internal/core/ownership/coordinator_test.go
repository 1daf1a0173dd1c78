package ownership_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/ownership"
	"github.com/yndnr/topomesh-go/internal/core/ownership/ownershiptest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects notifications delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	states []domain.OwnershipState
	ch     chan domain.OwnershipState
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan domain.OwnershipState, 64)}
}

func (r *recorder) listen(_ domain.EntityID, s domain.OwnershipState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	r.ch <- s
}

func (r *recorder) next(t *testing.T) domain.OwnershipState {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ownership notification")
		return domain.OwnershipState{}
	}
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case s := <-r.ch:
		t.Fatalf("unexpected notification %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func newCoordinator(t *testing.T, cluster *ownershiptest.Cluster, member string) *ownership.Coordinator {
	t.Helper()
	c := ownership.NewCoordinator(ownership.CoordinatorConfig{
		Primitive: cluster.Member(member),
		Logger:    discardLogger(),
	})
	t.Cleanup(c.Close)
	return c
}

func TestCoordinator_SingleOwner(t *testing.T) {
	cluster := ownershiptest.NewCluster()
	a := newCoordinator(t, cluster, "a")
	b := newCoordinator(t, cluster, "b")
	entity := domain.DeviceEntity("r1")
	ctx := context.Background()

	recA, recB := newRecorder(), newRecorder()
	a.Subscribe(entity, recA.listen)
	b.Subscribe(entity, recB.listen)

	if _, err := a.RegisterCandidate(ctx, entity); err != nil {
		t.Fatalf("RegisterCandidate(a) error = %v", err)
	}
	if _, err := b.RegisterCandidate(ctx, entity); err != nil {
		t.Fatalf("RegisterCandidate(b) error = %v", err)
	}

	if got := recA.next(t); !got.IsOwner || !got.HasOwner || got.WasOwner {
		t.Errorf("a state = %+v, want owner", got)
	}
	if got := recB.next(t); got.IsOwner || !got.HasOwner {
		t.Errorf("b state = %+v, want follower with owner", got)
	}

	// b registering does not change anyone's local state.
	recA.quiet(t)
	recB.quiet(t)

	if !a.IsOwner(entity) || b.IsOwner(entity) {
		t.Error("exactly a should own the entity")
	}
}

func TestCoordinator_Failover(t *testing.T) {
	cluster := ownershiptest.NewCluster()
	a := newCoordinator(t, cluster, "a")
	b := newCoordinator(t, cluster, "b")
	entity := domain.TopologyEntity("topo")
	ctx := context.Background()

	recB := newRecorder()
	b.Subscribe(entity, recB.listen)

	regA, err := a.RegisterCandidate(ctx, entity)
	if err != nil {
		t.Fatalf("RegisterCandidate(a) error = %v", err)
	}
	if _, err := b.RegisterCandidate(ctx, entity); err != nil {
		t.Fatalf("RegisterCandidate(b) error = %v", err)
	}
	recB.next(t)

	if err := regA.Close(); err != nil {
		t.Fatalf("Registration.Close() error = %v", err)
	}

	got := recB.next(t)
	if !got.IsOwner || got.WasOwner || !got.HasOwner {
		t.Errorf("b state after failover = %+v", got)
	}
	if owner, _ := b.Owner(entity); owner != "b" {
		t.Errorf("Owner() = %q, want b", owner)
	}
}

func TestCoordinator_LostOwnerNotifiesNoOwner(t *testing.T) {
	cluster := ownershiptest.NewCluster()
	a := newCoordinator(t, cluster, "a")
	entity := domain.DeviceEntity("r1")

	rec := newRecorder()
	a.Subscribe(entity, rec.listen)

	reg, err := a.RegisterCandidate(context.Background(), entity)
	if err != nil {
		t.Fatalf("RegisterCandidate() error = %v", err)
	}
	rec.next(t)
	reg.Close()

	got := rec.next(t)
	want := domain.OwnershipState{WasOwner: true, IsOwner: false, HasOwner: false}
	if got != want {
		t.Errorf("state = %+v, want %+v", got, want)
	}
}

func TestCoordinator_RegisterTwiceConflicts(t *testing.T) {
	cluster := ownershiptest.NewCluster()
	a := newCoordinator(t, cluster, "a")
	entity := domain.DeviceEntity("r1")
	ctx := context.Background()

	if _, err := a.RegisterCandidate(ctx, entity); err != nil {
		t.Fatalf("first RegisterCandidate() error = %v", err)
	}
	_, err := a.RegisterCandidate(ctx, entity)
	if !errors.Is(err, domain.ErrOwnershipConflict) {
		t.Fatalf("second RegisterCandidate() error = %v, want ErrOwnershipConflict", err)
	}

	if err := a.UnregisterCandidate(ctx, entity); err != nil {
		t.Fatalf("UnregisterCandidate() error = %v", err)
	}
	if err := a.UnregisterCandidate(ctx, entity); err != nil {
		t.Fatalf("repeated UnregisterCandidate() error = %v", err)
	}
	if _, err := a.RegisterCandidate(ctx, entity); err != nil {
		t.Fatalf("RegisterCandidate() after unregister error = %v", err)
	}
}

func TestCoordinator_LateSubscriberGetsCurrentState(t *testing.T) {
	cluster := ownershiptest.NewCluster()
	a := newCoordinator(t, cluster, "a")
	b := newCoordinator(t, cluster, "b")
	entity := domain.DeviceEntity("r1")

	if _, err := a.RegisterCandidate(context.Background(), entity); err != nil {
		t.Fatalf("RegisterCandidate() error = %v", err)
	}

	rec := newRecorder()
	b.Subscribe(entity, rec.listen)
	if got := rec.next(t); got.IsOwner || !got.HasOwner {
		t.Errorf("initial state = %+v", got)
	}

	// No owner yet: no initial notification.
	rec2 := newRecorder()
	b.Subscribe(domain.DeviceEntity("other"), rec2.listen)
	rec2.quiet(t)
}

func TestCoordinator_SubscriptionClose(t *testing.T) {
	cluster := ownershiptest.NewCluster()
	a := newCoordinator(t, cluster, "a")
	entity := domain.DeviceEntity("r1")

	rec := newRecorder()
	sub := a.Subscribe(entity, rec.listen)
	sub.Close()

	if _, err := a.RegisterCandidate(context.Background(), entity); err != nil {
		t.Fatalf("RegisterCandidate() error = %v", err)
	}
	rec.quiet(t)
}
