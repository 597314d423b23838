package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashishkum25/AiChatCode/pkg/auth"
	"github.com/ashishkum25/AiChatCode/pkg/bus"
	"github.com/ashishkum25/AiChatCode/pkg/filetree"
	"github.com/ashishkum25/AiChatCode/pkg/logging"
	"github.com/ashishkum25/AiChatCode/pkg/session"
)

type testConn struct {
	id       string
	identity auth.Identity

	mu     sync.Mutex
	msgs   []session.Message
	closed bool
}

func newTestConn(id, email string) *testConn {
	return &testConn{id: id, identity: auth.Identity{Email: email, DisplayName: email}}
}

func (c *testConn) ID() string              { return c.id }
func (c *testConn) Identity() auth.Identity { return c.identity }

func (c *testConn) Send(_ context.Context, msg session.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *testConn) Close(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *testConn) messages() []session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

type stubCompleter struct {
	reply string
	err   error
}

func (s *stubCompleter) Complete(context.Context, string) (string, error) {
	return s.reply, s.err
}

// gatedCompleter blocks until release is closed, to hold a directive in
// flight while the test changes room membership.
type gatedCompleter struct {
	release chan struct{}
	reply   string
}

func (g *gatedCompleter) Complete(ctx context.Context, _ string) (string, error) {
	select {
	case <-g.release:
		return g.reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type capturePersister struct {
	mu    sync.Mutex
	trees map[string]filetree.Tree
}

func (p *capturePersister) PersistFileTree(_ context.Context, projectID string, tree filetree.Tree) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trees == nil {
		p.trees = make(map[string]filetree.Tree)
	}
	p.trees[projectID] = tree
	return nil
}

func roomWithMembers(t *testing.T, projectID string, conns ...*testConn) *session.Registry {
	t.Helper()
	registry := session.NewRegistry(logging.Nop())
	for _, c := range conns {
		registry.Admit(projectID, c)
	}
	return registry
}

func TestRelayExcludesSender(t *testing.T) {
	alice := newTestConn("c1", "alice@example.com")
	bob := newTestConn("c2", "bob@example.com")
	carol := newTestConn("c3", "carol@example.com")
	registry := roomWithMembers(t, "proj-1", alice, bob, carol)

	router := NewRouter(registry, nil, nil, nil, logging.Nop())
	require.NoError(t, router.Relay(context.Background(), "proj-1", alice, "hello room"))

	assert.Empty(t, alice.messages(), "sender must not receive an echo")
	require.Len(t, bob.messages(), 1)
	require.Len(t, carol.messages(), 1)
	assert.Equal(t, "hello room", bob.messages()[0].Body)
	assert.Equal(t, "alice@example.com", bob.messages()[0].Sender.Email)
}

func TestRelayRejectsInactiveSender(t *testing.T) {
	alice := newTestConn("c1", "alice@example.com")
	registry := roomWithMembers(t, "proj-1", alice)

	stranger := newTestConn("c9", "eve@example.com")
	router := NewRouter(registry, nil, nil, nil, logging.Nop())

	err := router.Relay(context.Background(), "proj-1", stranger, "hi")
	require.Error(t, err)
	assert.Empty(t, alice.messages())
}

func TestRelayRejectsEvictedSender(t *testing.T) {
	first := newTestConn("c1", "alice@example.com")
	registry := roomWithMembers(t, "proj-1", first)
	second := newTestConn("c2", "alice@example.com")
	registry.Admit("proj-1", second)

	router := NewRouter(registry, nil, nil, nil, logging.Nop())
	err := router.Relay(context.Background(), "proj-1", first, "late message")
	require.Error(t, err)
}

func TestRelayPerSenderOrdering(t *testing.T) {
	alice := newTestConn("c1", "alice@example.com")
	bob := newTestConn("c2", "bob@example.com")
	registry := roomWithMembers(t, "proj-1", alice, bob)

	router := NewRouter(registry, nil, nil, nil, logging.Nop())
	for i := 0; i < 5; i++ {
		require.NoError(t, router.Relay(context.Background(), "proj-1", alice, fmt.Sprintf("msg-%d", i)))
	}

	got := bob.messages()
	require.Len(t, got, 5)
	for i, msg := range got {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), msg.Body)
	}
}

func TestAssistantDirectiveBroadcastsRoomWide(t *testing.T) {
	alice := newTestConn("c1", "alice@example.com")
	bob := newTestConn("c2", "bob@example.com")
	registry := roomWithMembers(t, "proj-1", alice, bob)

	reply, err := json.Marshal(map[string]any{"text": "here you go"})
	require.NoError(t, err)

	router := NewRouter(registry, &stubCompleter{reply: string(reply)}, nil, nil, logging.Nop())
	require.NoError(t, router.Relay(context.Background(), "proj-1", alice, "@ai write me a server"))
	router.Wait()

	// Bob sees the direct message plus the assistant reply.
	bobMsgs := bob.messages()
	require.Len(t, bobMsgs, 2)
	assert.Equal(t, auth.AssistantSenderID, bobMsgs[1].Sender.Email)
	assert.Equal(t, "here you go", bobMsgs[1].Body)

	// The requester gets the assistant reply too, but not their own message.
	aliceMsgs := alice.messages()
	require.Len(t, aliceMsgs, 1)
	assert.Equal(t, auth.AssistantSenderID, aliceMsgs[0].Sender.Email)
}

func TestAssistantDirectivePersistsNormalizedTree(t *testing.T) {
	alice := newTestConn("c1", "alice@example.com")
	registry := roomWithMembers(t, "proj-1", alice)

	reply, err := json.Marshal(map[string]any{
		"text": "created the project",
		"fileTree": map[string]any{
			"src/index.js": map[string]any{"file": map[string]any{"contents": "console.log('hi')"}},
		},
	})
	require.NoError(t, err)

	persister := &capturePersister{}
	router := NewRouter(registry, &stubCompleter{reply: string(reply)}, persister, nil, logging.Nop())
	require.NoError(t, router.Relay(context.Background(), "proj-1", alice, "@ai scaffold it"))
	router.Wait()

	persister.mu.Lock()
	tree := persister.trees["proj-1"]
	persister.mu.Unlock()
	require.NotNil(t, tree)
	assert.True(t, filetree.IsCanonical(tree))

	src := tree["src"]
	require.NotNil(t, src)
	require.True(t, src.IsDirectory())
	require.NotNil(t, src.Directory["index.js"])
	assert.Equal(t, "console.log('hi')", src.Directory["index.js"].File.Contents)
}

func TestAssistantFailureAnnouncedToRoom(t *testing.T) {
	alice := newTestConn("c1", "alice@example.com")
	bob := newTestConn("c2", "bob@example.com")
	registry := roomWithMembers(t, "proj-1", alice, bob)

	router := NewRouter(registry, &stubCompleter{err: errors.New("quota exhausted")}, nil, nil, logging.Nop())
	require.NoError(t, router.Relay(context.Background(), "proj-1", alice, "@ai do a thing"))
	router.Wait()

	aliceMsgs := alice.messages()
	require.Len(t, aliceMsgs, 1, "exactly one assistant announcement per directive")
	assert.Equal(t, auth.AssistantSenderID, aliceMsgs[0].Sender.Email)
	assert.Contains(t, aliceMsgs[0].Body, "could not handle")

	bobMsgs := bob.messages()
	require.Len(t, bobMsgs, 2)
	assert.Equal(t, aliceMsgs[0].Body, bobMsgs[1].Body)
}

func TestAssistantEmptyReplyLeavesTreeUntouched(t *testing.T) {
	alice := newTestConn("c1", "alice@example.com")
	registry := roomWithMembers(t, "proj-1", alice)

	// A valid tree with no reply text is still a failed directive, and a
	// failed directive must not replace the stored tree.
	reply, err := json.Marshal(map[string]any{
		"fileTree": map[string]any{
			"src/index.js": map[string]any{"file": map[string]any{"contents": "console.log('hi')"}},
		},
	})
	require.NoError(t, err)

	persister := &capturePersister{}
	router := NewRouter(registry, &stubCompleter{reply: string(reply)}, persister, nil, logging.Nop())
	require.NoError(t, router.Relay(context.Background(), "proj-1", alice, "@ai just files please"))
	router.Wait()

	persister.mu.Lock()
	_, persisted := persister.trees["proj-1"]
	persister.mu.Unlock()
	assert.False(t, persisted, "failed directive must not persist a tree")

	msgs := alice.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Body, "could not handle")
}

func TestAssistantReplyAfterRequesterDisconnects(t *testing.T) {
	alice := newTestConn("c1", "alice@example.com")
	bob := newTestConn("c2", "bob@example.com")
	registry := roomWithMembers(t, "proj-1", alice, bob)

	reply, err := json.Marshal(map[string]any{"text": "still here"})
	require.NoError(t, err)

	completer := &gatedCompleter{release: make(chan struct{}), reply: string(reply)}
	router := NewRouter(registry, completer, nil, nil, logging.Nop())
	require.NoError(t, router.Relay(context.Background(), "proj-1", alice, "@ai take your time"))

	// The requester drops while the call is in flight. The reply belongs to
	// the room, not the requester.
	require.True(t, registry.Remove("proj-1", alice.Identity().Email, alice.ID()))
	close(completer.release)
	router.Wait()

	bobMsgs := bob.messages()
	require.Len(t, bobMsgs, 2)
	assert.Equal(t, auth.AssistantSenderID, bobMsgs[1].Sender.Email)
	assert.Equal(t, "still here", bobMsgs[1].Body)

	assert.Empty(t, alice.messages(), "departed requester receives nothing")
}

func TestAssistantConflictingTreeIsFailure(t *testing.T) {
	alice := newTestConn("c1", "alice@example.com")
	registry := roomWithMembers(t, "proj-1", alice)

	reply, err := json.Marshal(map[string]any{
		"text": "done",
		"fileTree": map[string]any{
			"app":          map[string]any{"file": map[string]any{"contents": "top"}},
			"app/index.js": map[string]any{"file": map[string]any{"contents": "nested"}},
		},
	})
	require.NoError(t, err)

	persister := &capturePersister{}
	router := NewRouter(registry, &stubCompleter{reply: string(reply)}, persister, nil, logging.Nop())
	require.NoError(t, router.Relay(context.Background(), "proj-1", alice, "@ai broken tree please"))
	router.Wait()

	persister.mu.Lock()
	_, persisted := persister.trees["proj-1"]
	persister.mu.Unlock()
	assert.False(t, persisted, "conflicting tree must not be persisted")

	msgs := alice.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Body, "could not handle")
}

func TestRelayPublishesRoomEvents(t *testing.T) {
	alice := newTestConn("c1", "alice@example.com")
	bob := newTestConn("c2", "bob@example.com")
	registry := roomWithMembers(t, "proj-1", alice, bob)

	memBus := bus.NewMemoryBus()
	defer memBus.Close()

	received := make(chan *bus.Message, 4)
	_, err := memBus.Subscribe(context.Background(), bus.RoomMessageSubject("proj-1"), func(msg *bus.Message) {
		received <- msg
	})
	require.NoError(t, err)

	router := NewRouter(registry, nil, nil, memBus, logging.Nop())
	require.NoError(t, router.Relay(context.Background(), "proj-1", alice, "observable"))

	select {
	case msg := <-received:
		var decoded session.Message
		require.NoError(t, json.Unmarshal(msg.Data, &decoded))
		assert.Equal(t, "observable", decoded.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
	}
}
