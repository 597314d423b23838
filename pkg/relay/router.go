// Package relay routes chat messages between members of a project room and
// services inline assistant directives without blocking room traffic.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ashishkum25/AiChatCode/pkg/assistant"
	"github.com/ashishkum25/AiChatCode/pkg/auth"
	"github.com/ashishkum25/AiChatCode/pkg/bus"
	apperrors "github.com/ashishkum25/AiChatCode/pkg/errors"
	"github.com/ashishkum25/AiChatCode/pkg/filetree"
	"github.com/ashishkum25/AiChatCode/pkg/logging"
	"github.com/ashishkum25/AiChatCode/pkg/session"
)

// AssistantMarker triggers an assistant directive when it appears anywhere in
// a message body.
const AssistantMarker = "@ai"

// defaultAssistantTimeout bounds a single assistant call. Generation can be
// slow for large file trees.
const defaultAssistantTimeout = 2 * time.Minute

// TreePersister stores the canonical file tree produced by an assistant reply.
type TreePersister interface {
	PersistFileTree(ctx context.Context, projectID string, tree filetree.Tree) error
}

// Router fans messages out to room members and spawns assistant calls for
// marked messages. One router serves all rooms.
type Router struct {
	registry  *session.Registry
	completer assistant.Completer
	store     TreePersister
	bus       bus.MessageBus
	logger    *logging.Logger

	timeout time.Duration
	wg      sync.WaitGroup
}

// Option configures a Router.
type Option func(*Router)

// WithAssistantTimeout overrides the per-directive assistant deadline.
func WithAssistantTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRouter creates a router. completer, store, and messageBus may be nil:
// a nil completer turns directives into failure announcements, a nil store
// skips tree persistence, a nil bus skips event publication.
func NewRouter(registry *session.Registry, completer assistant.Completer, store TreePersister, messageBus bus.MessageBus, logger *logging.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Router{
		registry:  registry,
		completer: completer,
		store:     store,
		bus:       messageBus,
		logger:    logger,
		timeout:   defaultAssistantTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Relay broadcasts a sender's message to every other active member of the
// room, then kicks off assistant handling if the body carries the marker.
// Called synchronously from the sender's read loop, which is what preserves
// per-sender ordering.
func (r *Router) Relay(ctx context.Context, projectID string, sender session.Conn, body string) error {
	if !r.registry.IsActive(sender) {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "sender is no longer an active room member").
			WithContext("project_id", projectID).
			WithContext("connection_id", sender.ID())
	}

	msg := session.Message{
		ID:        ulid.Make().String(),
		Body:      body,
		Sender:    sender.Identity(),
		Timestamp: time.Now().UTC(),
	}

	r.broadcast(ctx, projectID, msg, sender.ID())
	metricMessagesRelayed.Inc()
	r.publishEvent(projectID, msg)

	if strings.Contains(body, AssistantMarker) {
		prompt := strings.TrimSpace(strings.Replace(body, AssistantMarker, "", 1))
		metricAssistantRequests.Inc()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.serviceDirective(projectID, msg.ID, prompt)
		}()
	}

	return nil
}

// Announce delivers a message to every active member of the room with no
// exclusion. Assistant replies and lifecycle notices go through here.
func (r *Router) Announce(ctx context.Context, projectID string, msg session.Message) {
	r.broadcast(ctx, projectID, msg, "")
	r.publishEvent(projectID, msg)
}

// Wait blocks until all in-flight assistant directives have completed. Used
// during shutdown.
func (r *Router) Wait() {
	r.wg.Wait()
}

// broadcast enqueues msg onto every active member's send channel, skipping
// excludeConnID when non-empty. Membership is snapshotted at call time.
func (r *Router) broadcast(ctx context.Context, projectID string, msg session.Message, excludeConnID string) {
	for _, member := range r.registry.Members(projectID) {
		if excludeConnID != "" && member.ID() == excludeConnID {
			continue
		}
		if err := member.Send(ctx, msg); err != nil {
			r.logger.Warn(logging.CategoryRelay, "send_failed", err.Error(), map[string]any{
				"project":    projectID,
				"connection": member.ID(),
				"message":    msg.ID,
			})
		}
	}
}

// serviceDirective runs one assistant call and always produces exactly one
// room-wide assistant announcement, success or failure. Uses its own context:
// the requester may disconnect before the call finishes, and the reply still
// belongs to the room.
func (r *Router) serviceDirective(projectID, requestID, prompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	body, err := r.runAssistant(ctx, projectID, prompt)
	if err != nil {
		metricAssistantFailures.Inc()
		r.logger.Error(logging.CategoryAssistant, "directive_failed", err.Error(), map[string]any{
			"project": projectID,
			"request": requestID,
		})
		body = "The assistant could not handle that request: " + userFacingReason(err)
	}

	r.Announce(context.Background(), projectID, session.Message{
		ID:        ulid.Make().String(),
		Body:      body,
		Sender:    auth.AssistantIdentity(),
		Timestamp: time.Now().UTC(),
	})
}

// runAssistant calls the completer, parses its reply, and persists any
// embedded file tree. Returns the announcement body on success.
func (r *Router) runAssistant(ctx context.Context, projectID, prompt string) (string, error) {
	if r.completer == nil {
		return "", apperrors.New(apperrors.ErrCodeAssistantFailure, "no assistant is configured")
	}

	start := time.Now()
	raw, err := r.completer.Complete(ctx, prompt)
	metricAssistantDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeAssistantTimeout, "assistant call timed out")
		}
		return "", apperrors.Wrap(err, apperrors.ErrCodeAssistantFailure, "assistant call failed")
	}

	result := assistant.ParseResult(raw)
	if strings.TrimSpace(result.Text) == "" {
		// Reject before touching storage: a reply we will announce as a
		// failure must not leave a replaced tree behind.
		return "", apperrors.New(apperrors.ErrCodeAssistantFailure, "assistant returned an empty reply")
	}

	if result.FileTree != nil {
		canonical, err := filetree.Normalize(result.FileTree)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrCodeAssistantFailure, "assistant returned an invalid file tree")
		}
		if r.store != nil {
			if err := r.store.PersistFileTree(ctx, projectID, canonical); err != nil {
				// The reply text is still good; losing it over a storage
				// hiccup would be worse than a stale stored tree.
				r.logger.Error(logging.CategoryStorage, "tree_persist_failed", err.Error(), map[string]any{
					"project": projectID,
				})
			}
		}
	}

	return result.Text, nil
}

// publishEvent mirrors a room message onto the bus for observers. Best
// effort: bus trouble never affects room delivery.
func (r *Router) publishEvent(projectID string, msg session.Message) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := r.bus.Publish(context.Background(), bus.RoomMessageSubject(projectID), payload); err != nil {
		r.logger.Warn(logging.CategoryBus, "publish_failed", err.Error(), map[string]any{
			"project": projectID,
			"message": msg.ID,
		})
	}
}

// userFacingReason extracts a short human-readable reason from an error
// chain for inclusion in an assistant failure announcement.
func userFacingReason(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		if appErr.UserMessage != "" {
			return appErr.UserMessage
		}
		return appErr.Message
	}
	return err.Error()
}
