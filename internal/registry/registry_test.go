package registry

import (
	"errors"
	"sort"
	"testing"
	"time"
)

// fakeConn is a Conn with no transport behind it.
type fakeConn struct {
	id     string
	meta   *Metadata
	closed bool
	writes [][]byte
	fail   bool
}

func newFakeConn(id, identity string) *fakeConn {
	now := time.Now()
	return &fakeConn{
		id: id,
		meta: &Metadata{
			ParticipantIdentity: identity,
			SessionID:           "wf-1",
			TenantID:            "t-1",
			ConnectedAt:         now,
			LastActivityAt:      now,
		},
	}
}

func (c *fakeConn) ID() string          { return c.id }
func (c *fakeConn) Metadata() *Metadata { return c.meta }
func (c *fakeConn) Close() error        { c.closed = true; return nil }
func (c *fakeConn) Write(data []byte) error {
	if c.fail {
		return errors.New("write failed")
	}
	c.writes = append(c.writes, data)
	return nil
}

func TestAddReturnsReplaced(t *testing.T) {
	r := New()

	first := newFakeConn("c1", "a@example.com")
	if prior := r.Add("a@example.com", first); prior != nil {
		t.Errorf("expected no prior connection, got %v", prior)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", r.Len())
	}

	second := newFakeConn("c2", "a@example.com")
	prior := r.Add("a@example.com", second)
	if prior == nil {
		t.Fatal("expected replaced connection")
	}
	if prior.ID() != "c1" {
		t.Errorf("expected replaced connection c1, got %s", prior.ID())
	}
	if r.Len() != 1 {
		t.Errorf("registry size should stay 1 after reconnect, got %d", r.Len())
	}
	if r.Get("a@example.com").ID() != "c2" {
		t.Errorf("expected current connection c2")
	}
}

func TestRemoveIgnoresStaleHandle(t *testing.T) {
	r := New()

	first := newFakeConn("c1", "a@example.com")
	second := newFakeConn("c2", "a@example.com")
	r.Add("a@example.com", first)
	r.Add("a@example.com", second)

	// A close event from the replaced connection must not evict the
	// replacement.
	if r.Remove("a@example.com", first) {
		t.Error("stale handle should not remove the live entry")
	}
	if !r.Contains("a@example.com") {
		t.Error("live connection should still be registered")
	}

	if !r.Remove("a@example.com", second) {
		t.Error("live handle should remove the entry")
	}
	if r.Contains("a@example.com") {
		t.Error("entry should be gone after removal")
	}
}

func TestRemoveUnknownIdentity(t *testing.T) {
	r := New()
	if r.Remove("nobody@example.com", newFakeConn("c1", "nobody@example.com")) {
		t.Error("removing an unregistered identity should return false")
	}
}

func TestIdentitiesSnapshot(t *testing.T) {
	r := New()
	r.Add("a@example.com", newFakeConn("c1", "a@example.com"))
	r.Add("b@example.com", newFakeConn("c2", "b@example.com"))

	ids := r.Identities()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a@example.com" || ids[1] != "b@example.com" {
		t.Errorf("unexpected identities: %v", ids)
	}
}

func TestEachVisitsAll(t *testing.T) {
	r := New()
	r.Add("a@example.com", newFakeConn("c1", "a@example.com"))
	r.Add("b@example.com", newFakeConn("c2", "b@example.com"))

	seen := make(map[string]bool)
	r.Each(func(identity string, conn Conn) {
		seen[identity] = true
	})
	if len(seen) != 2 {
		t.Errorf("expected 2 visits, got %d", len(seen))
	}
}
