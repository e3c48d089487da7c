package presence

import (
	"sync"
	"testing"
	"time"

	"chatrelay/internal/metrics"
	"chatrelay/pkg/types"
)

// fakeConn implements interfaces.Connection for registry tests.
type fakeConn struct {
	id       string
	identity types.Identity
	joined   time.Time

	mu     sync.Mutex
	writes []interface{}
	closed bool
}

func newFakeConn(id string, userID int64, username string) *fakeConn {
	return &fakeConn{id: id, identity: types.Identity{UserID: userID, Username: username}, joined: time.Now()}
}

func (c *fakeConn) ID() string                { return c.id }
func (c *fakeConn) Identity() types.Identity  { return c.identity }
func (c *fakeConn) JoinedAt() time.Time       { return c.joined }
func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, v)
	return nil
}
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry() (*Registry, *metrics.Sampler) {
	sampler := metrics.NewSampler()
	return NewRegistry(sampler), sampler
}

func TestRegister_NilConnection(t *testing.T) {
	registry, _ := newTestRegistry()

	if err := registry.Register(nil); err != ErrNilConnection {
		t.Errorf("Expected ErrNilConnection, got %v", err)
	}
}

func TestRegister_IdempotentPerConnectionID(t *testing.T) {
	registry, _ := newTestRegistry()
	conn := newFakeConn("c1", 1, "alice")

	if err := registry.Register(conn); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(conn); err != nil {
		t.Fatalf("Second register failed: %v", err)
	}

	if registry.Len() != 1 {
		t.Errorf("Expected 1 connection, got %d", registry.Len())
	}
}

func TestRegister_EvictsPreviousConnectionForSameUser(t *testing.T) {
	registry, _ := newTestRegistry()
	first := newFakeConn("c1", 1, "alice")
	second := newFakeConn("c2", 1, "alice")

	if err := registry.Register(first); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(second); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Reverse lookup resolves to the newest connection.
	conn, exists := registry.FindByUserID(1)
	if !exists || conn.ID() != "c2" {
		t.Fatalf("Expected user 1 to resolve to c2, got %v exists=%v", conn, exists)
	}

	// The stale entry is gone, not orphaned.
	if _, exists := registry.Get("c1"); exists {
		t.Error("Expected evicted connection removed from registry")
	}
	if registry.Len() != 1 {
		t.Errorf("Expected 1 live connection, got %d", registry.Len())
	}

	// Eviction closes the old transport asynchronously.
	deadline := time.Now().Add(time.Second)
	for !first.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("Expected evicted connection to be closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnregister_ReturnsIdentity(t *testing.T) {
	registry, _ := newTestRegistry()
	conn := newFakeConn("c1", 7, "grace")
	_ = registry.Register(conn)

	identity, removed := registry.Unregister(conn)
	if !removed {
		t.Fatal("Expected unregister to remove the connection")
	}
	if identity.UserID != 7 || identity.Username != "grace" {
		t.Errorf("Unexpected identity returned: %+v", identity)
	}

	if _, exists := registry.FindByUserID(7); exists {
		t.Error("Expected user offline after unregister")
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	registry, _ := newTestRegistry()
	conn := newFakeConn("c1", 1, "alice")
	_ = registry.Register(conn)

	if _, removed := registry.Unregister(conn); !removed {
		t.Fatal("Expected first unregister to remove")
	}
	if _, removed := registry.Unregister(conn); removed {
		t.Error("Expected second unregister to be a no-op")
	}
}

func TestUnregister_StaleConnectionDoesNotRemoveNewer(t *testing.T) {
	registry, _ := newTestRegistry()
	stale := newFakeConn("c1", 1, "alice")
	fresh := newFakeConn("c2", 1, "alice")

	_ = registry.Register(stale)
	_ = registry.Register(fresh) // evicts stale

	// The stale connection's deferred cleanup fires after the replacement.
	if _, removed := registry.Unregister(stale); removed {
		t.Error("Expected stale unregister to be a no-op")
	}

	if conn, exists := registry.FindByUserID(1); !exists || conn.ID() != "c2" {
		t.Error("Expected newer connection to survive stale unregister")
	}
}

func TestSnapshot_OneEntryPerUserWithFreshQuality(t *testing.T) {
	registry, sampler := newTestRegistry()

	alice := newFakeConn("c1", 1, "alice")
	bob := newFakeConn("c2", 2, "bob")
	_ = registry.Register(alice)
	_ = registry.Register(bob)
	sampler.Track("c1")
	sampler.Track("c2")

	sampler.RecordSample("c1", 30)
	sampler.RecordSample("c1", 40)

	snapshot := registry.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(snapshot))
	}

	seen := make(map[int64]bool)
	for _, entry := range snapshot {
		if seen[entry.UserID] {
			t.Errorf("Duplicate userID %d in snapshot", entry.UserID)
		}
		seen[entry.UserID] = true
	}

	first := snapshot[0] // sorted by userID: alice
	if first.UserID != 1 || first.Latency != 35 {
		t.Errorf("Expected alice with latency 35, got %+v", first)
	}
	if first.ConnectionQuality != "excellent" {
		t.Errorf("Expected excellent quality, got %q", first.ConnectionQuality)
	}

	second := snapshot[1] // bob, no samples yet
	if second.Latency != 0 || second.ConnectionQuality != "measuring" {
		t.Errorf("Expected bob to be measuring, got %+v", second)
	}

	// Snapshot is recomputed, never cached.
	sampler.RecordSample("c2", 300)
	snapshot = registry.Snapshot()
	if snapshot[1].Latency != 300 {
		t.Errorf("Expected fresh latency 300 for bob, got %v", snapshot[1].Latency)
	}
}
