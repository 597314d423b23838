package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashishkum25/AiChatCode/pkg/auth"
)

type fakeConn struct {
	id       string
	identity auth.Identity

	mu       sync.Mutex
	sent     []Message
	closed   atomic.Bool
	closeRsn string
}

func newFakeConn(id, email string) *fakeConn {
	return &fakeConn{
		id:       id,
		identity: auth.Identity{Email: email, DisplayName: email},
	}
}

func (f *fakeConn) ID() string              { return f.id }
func (f *fakeConn) Identity() auth.Identity { return f.identity }

func (f *fakeConn) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Close(reason string) {
	if f.closed.CompareAndSwap(false, true) {
		f.mu.Lock()
		f.closeRsn = reason
		f.mu.Unlock()
	}
}

func (f *fakeConn) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func TestAdmitSingleConnection(t *testing.T) {
	r := NewRegistry(nil)
	conn := newFakeConn("c1", "alice@example.com")

	r.Admit("p1", conn)

	assert.True(t, r.IsActive(conn))
	assert.Equal(t, 1, r.ActiveCount())
	require.Len(t, r.Members("p1"), 1)
	assert.Empty(t, r.Members("p2"))
}

func TestAdmitEvictsPriorConnection(t *testing.T) {
	r := NewRegistry(nil)
	first := newFakeConn("c1", "alice@example.com")
	second := newFakeConn("c2", "alice@example.com")

	r.Admit("p1", first)
	r.Admit("p1", second)

	assert.True(t, first.closed.Load(), "prior connection must be force-closed")
	assert.Equal(t, CloseReasonEvicted, first.closeRsn)
	assert.False(t, r.IsActive(first), "evicted connection loses relay rights")
	assert.True(t, r.IsActive(second))
	assert.Equal(t, 1, r.ActiveCount(), "at most one connection per identity+project")
}

func TestSameIdentityDifferentProjects(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeConn("c1", "alice@example.com")
	b := newFakeConn("c2", "alice@example.com")

	r.Admit("p1", a)
	r.Admit("p2", b)

	assert.True(t, r.IsActive(a))
	assert.True(t, r.IsActive(b))
	assert.Equal(t, 2, r.ActiveCount())
	assert.Equal(t, 2, r.RoomCount())
}

func TestRemoveGuardsAgainstStaleDisconnect(t *testing.T) {
	r := NewRegistry(nil)
	first := newFakeConn("c1", "alice@example.com")
	second := newFakeConn("c2", "alice@example.com")

	r.Admit("p1", first)
	r.Admit("p1", second)

	// The evicted connection's read loop reports its disconnect late; it must
	// not knock out the newer connection.
	removed := r.Remove("p1", "alice@example.com", first.ID())
	assert.False(t, removed)
	assert.True(t, r.IsActive(second))

	removed = r.Remove("p1", "alice@example.com", second.ID())
	assert.True(t, removed)
	assert.Equal(t, 0, r.ActiveCount())
}

func TestRemoveUnknownKey(t *testing.T) {
	r := NewRegistry(nil)
	assert.False(t, r.Remove("p1", "ghost@example.com", "c1"))
}

func TestConcurrentAdmitsSerialize(t *testing.T) {
	r := NewRegistry(nil)

	const n = 32
	conns := make([]*fakeConn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i), "alice@example.com")
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			r.Admit("p1", c)
		}(conns[i])
	}
	wg.Wait()

	assert.Equal(t, 1, r.ActiveCount(), "exactly one admit survives")

	survivors := 0
	for _, c := range conns {
		if r.IsActive(c) {
			survivors++
			assert.False(t, c.closed.Load(), "the surviving connection must not be closed")
		}
	}
	assert.Equal(t, 1, survivors)
}

func TestMembersSnapshot(t *testing.T) {
	r := NewRegistry(nil)
	r.Admit("p1", newFakeConn("c1", "alice@example.com"))
	r.Admit("p1", newFakeConn("c2", "bob@example.com"))
	r.Admit("p2", newFakeConn("c3", "carol@example.com"))

	members := r.Members("p1")
	assert.Len(t, members, 2)

	emails := map[string]bool{}
	for _, m := range members {
		emails[m.Identity().Email] = true
	}
	assert.True(t, emails["alice@example.com"])
	assert.True(t, emails["bob@example.com"])
}
