package broadcast

import (
	"errors"
	"testing"
	"time"

	"github.com/pressroom/realtime/internal/registry"
)

type fakeConn struct {
	id     string
	meta   *registry.Metadata
	writes int
	fail   bool
}

func newFakeConn(id, identity string) *fakeConn {
	now := time.Now()
	return &fakeConn{id: id, meta: &registry.Metadata{
		ParticipantIdentity: identity,
		SessionID:           "wf-1",
		TenantID:            "t-1",
		ConnectedAt:         now,
		LastActivityAt:      now,
	}}
}

func (c *fakeConn) ID() string                   { return c.id }
func (c *fakeConn) Metadata() *registry.Metadata { return c.meta }
func (c *fakeConn) Close() error                 { return nil }
func (c *fakeConn) Write(data []byte) error {
	if c.fail {
		return errors.New("dead connection")
	}
	c.writes++
	return nil
}

func TestFanoutDeliversToAll(t *testing.T) {
	reg := registry.New()
	a := newFakeConn("c1", "a@example.com")
	b := newFakeConn("c2", "b@example.com")
	reg.Add("a@example.com", a)
	reg.Add("b@example.com", b)

	delivered, failed := Fanout(reg, []byte(`{}`), "")
	if delivered != 2 {
		t.Errorf("expected 2 deliveries, got %d", delivered)
	}
	if len(failed) != 0 {
		t.Errorf("expected no failures, got %v", failed)
	}
}

func TestFanoutIsolatesFailures(t *testing.T) {
	// One failing recipient must never prevent delivery to the rest.
	reg := registry.New()
	a := newFakeConn("c1", "a@example.com")
	b := newFakeConn("c2", "b@example.com")
	c := newFakeConn("c3", "c@example.com")
	b.fail = true
	reg.Add("a@example.com", a)
	reg.Add("b@example.com", b)
	reg.Add("c@example.com", c)

	delivered, failed := Fanout(reg, []byte(`{}`), "")
	if delivered != 2 {
		t.Errorf("expected 2 deliveries, got %d", delivered)
	}
	if len(failed) != 1 || failed[0] != "b@example.com" {
		t.Errorf("expected only b@example.com to fail, got %v", failed)
	}
	if a.writes != 1 || c.writes != 1 {
		t.Errorf("surviving recipients should each receive the event (a=%d c=%d)", a.writes, c.writes)
	}
}

func TestFanoutAllButOneFailing(t *testing.T) {
	reg := registry.New()
	survivor := newFakeConn("c9", "z@example.com")
	reg.Add("z@example.com", survivor)
	for _, id := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		conn := newFakeConn("c-"+id, id)
		conn.fail = true
		reg.Add(id, conn)
	}

	delivered, failed := Fanout(reg, []byte(`{}`), "")
	if delivered != 1 {
		t.Errorf("expected 1 delivery, got %d", delivered)
	}
	if len(failed) != 3 {
		t.Errorf("expected 3 failures, got %d", len(failed))
	}
	if survivor.writes != 1 {
		t.Errorf("survivor should still receive the event, got %d writes", survivor.writes)
	}
}

func TestFanoutExcludesSender(t *testing.T) {
	reg := registry.New()
	sender := newFakeConn("c1", "a@example.com")
	other := newFakeConn("c2", "b@example.com")
	reg.Add("a@example.com", sender)
	reg.Add("b@example.com", other)

	delivered, _ := Fanout(reg, []byte(`{}`), "a@example.com")
	if delivered != 1 {
		t.Errorf("expected 1 delivery, got %d", delivered)
	}
	if sender.writes != 0 {
		t.Errorf("excluded sender must not receive the event, got %d writes", sender.writes)
	}
	if other.writes != 1 {
		t.Errorf("other participant should receive the event, got %d writes", other.writes)
	}
}

func TestFanoutEmptyRegistry(t *testing.T) {
	delivered, failed := Fanout(registry.New(), []byte(`{}`), "")
	if delivered != 0 || len(failed) != 0 {
		t.Errorf("empty registry: delivered=%d failed=%v", delivered, failed)
	}
}
