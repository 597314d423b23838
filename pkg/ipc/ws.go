package ipc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/ashishkum25/AiChatCode/pkg/auth"
	apperrors "github.com/ashishkum25/AiChatCode/pkg/errors"
	"github.com/ashishkum25/AiChatCode/pkg/logging"
	"github.com/ashishkum25/AiChatCode/pkg/session"
	"github.com/ashishkum25/AiChatCode/pkg/storage"
)

// EventProjectMessage is the wire event name for room chat traffic, inbound
// and outbound.
const EventProjectMessage = "project-message"

// wireEvent is the envelope for every websocket frame.
type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// inboundMessage is the client payload for a project-message event.
type inboundMessage struct {
	Body string `json:"body"`
}

// outboundMessage is the server payload for a project-message event.
type outboundMessage struct {
	ID        string        `json:"id"`
	Body      string        `json:"body"`
	Sender    auth.Identity `json:"sender"`
	Timestamp time.Time     `json:"timestamp"`
}

// handleWS runs the room handshake: project syntax check, project lookup,
// credential extraction, verification, websocket upgrade, then admission.
// Every failure rejects this request alone with a taxonomy code; the room is
// never affected.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.URL.Query().Get("projectId"))
	identity, err := s.authorizeHandshake(r, projectID)
	if err != nil {
		metricHandshakeFailures.WithLabelValues(string(apperrors.GetCode(err))).Inc()
		s.logger.Warn(logging.CategoryGateway, "handshake_rejected", err.Error(), map[string]any{
			"project": projectID,
			"remote":  r.RemoteAddr,
		})
		respondError(w, statusForHandshakeError(err), err)
		return
	}

	if !s.isWebSocketOriginAllowed(r) {
		respondError(w, http.StatusForbidden, apperrors.New(apperrors.ErrCodeInvalidInput, "origin not allowed"))
		return
	}
	if !s.wsGate.Acquire() {
		respondError(w, http.StatusTooManyRequests, apperrors.New(apperrors.ErrCodeInvalidInput, "too many connections"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin already checked above
	})
	if err != nil {
		s.wsGate.Release()
		s.logger.Warn(logging.CategoryGateway, "ws_accept_failed", err.Error(), nil)
		return
	}
	conn.SetReadLimit(maxWSReadBytes)

	client := newWSClient(conn, *identity, s.cfg.MessageRateLimit, s.cfg.MessageRateBurst)
	s.registry.Admit(projectID, client)
	metricActiveConnections.Set(float64(s.registry.ActiveCount()))
	s.enrollMember(projectID, identity.Email)

	s.logger.Info(logging.CategoryGateway, "connection_admitted", "", map[string]any{
		"project":    projectID,
		"identity":   identity.Email,
		"connection": client.ID(),
	})

	go s.serveClient(projectID, client)
}

// enrollMember records a connecting user as a project member so the project
// shows up in their listings. Best effort: identities without a registered
// user row are skipped, and enrollment trouble never blocks the session.
func (s *Server) enrollMember(projectID, email string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil || user == nil {
		return
	}
	member, err := s.store.IsProjectMember(ctx, projectID, user.ID)
	if err != nil || member {
		return
	}
	if err := s.store.AddUserToProject(ctx, projectID, user.ID); err != nil {
		s.logger.Warn(logging.CategoryStorage, "enroll_failed", err.Error(), map[string]any{
			"project": projectID,
			"user":    user.ID,
		})
	}
}

// authorizeHandshake validates the project and credential for a websocket
// upgrade request, in taxonomy order.
func (s *Server) authorizeHandshake(r *http.Request, projectID string) (*auth.Identity, error) {
	if err := storage.ValidateProjectID(projectID); err != nil {
		return nil, err
	}

	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperrors.New(apperrors.ErrCodeProjectNotFound, "project does not exist").
			WithContext("project_id", projectID)
	}

	credential, err := auth.CredentialFromRequest(r)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMissingCredential, "credential required")
	}

	identity, err := s.verifier.Verify(credential)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidCredential, "credential rejected")
	}
	return identity, nil
}

// serveClient owns a connection's lifetime after admission: write loop, ping
// keepalive, and the read loop feeding the relay.
func (s *Server) serveClient(projectID string, client *wsClient) {
	defer func() {
		s.wsGate.Release()
		client.Close("connection closed")
		if s.registry.Remove(projectID, client.Identity().Email, client.ID()) {
			s.logger.Info(logging.CategoryGateway, "connection_removed", "", map[string]any{
				"project":    projectID,
				"connection": client.ID(),
			})
		}
		metricActiveConnections.Set(float64(s.registry.ActiveCount()))
	}()

	ctx := client.ctx
	go client.writeLoop()
	go client.keepalive()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}

		var event wireEvent
		if err := json.Unmarshal(data, &event); err != nil {
			s.logger.Debug(logging.CategoryGateway, "frame_discarded", err.Error(), map[string]any{
				"connection": client.ID(),
			})
			continue
		}
		if event.Event != EventProjectMessage {
			continue
		}

		var inbound inboundMessage
		if err := json.Unmarshal(event.Data, &inbound); err != nil || strings.TrimSpace(inbound.Body) == "" {
			continue
		}

		if !client.limiter.Allow() {
			s.logger.Warn(logging.CategoryGateway, "rate_limited", "", map[string]any{
				"connection": client.ID(),
			})
			continue
		}

		if err := s.router.Relay(ctx, projectID, client, inbound.Body); err != nil {
			// Relay refuses senders that lost their slot; the connection
			// is done.
			return
		}
	}
}

// wsClient adapts a websocket connection to session.Conn. Outbound messages
// are enqueued onto a bounded ordered channel drained by a single write
// loop; a full queue marks the consumer too slow and the connection is
// closed.
type wsClient struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	limiter  *rate.Limiter

	send chan session.Message
	ctx  context.Context

	closeOnce sync.Once
	cancel    context.CancelFunc
}

func newWSClient(conn *websocket.Conn, identity auth.Identity, msgRate float64, burst int) *wsClient {
	ctx, cancel := context.WithCancel(context.Background())
	if burst <= 0 {
		burst = 1
	}
	return &wsClient{
		id:       ulid.Make().String(),
		identity: identity,
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(msgRate), burst),
		send:     make(chan session.Message, sendQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *wsClient) ID() string              { return c.id }
func (c *wsClient) Identity() auth.Identity { return c.identity }

// Send enqueues a message for ordered delivery. Non-blocking: a full queue
// means the peer stopped draining, and the connection is dropped rather than
// stalling the room.
func (c *wsClient) Send(ctx context.Context, msg session.Message) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.Close("slow consumer")
		return apperrors.New(apperrors.ErrCodeInternal, "send queue full").
			WithContext("connection_id", c.id)
	}
}

// Close terminates the connection. Safe to call multiple times; only the
// first reason wins.
func (c *wsClient) Close(reason string) {
	c.closeOnce.Do(func() {
		status := websocket.StatusNormalClosure
		if reason == session.CloseReasonEvicted {
			status = websocket.StatusPolicyViolation
		}
		_ = c.conn.Close(status, reason)
		c.cancel()
	})
}

const (
	// keepaliveInterval is chosen under common idle-timeout cutoffs on
	// proxies in front of the gateway.
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// keepalive pings the peer on an interval so idle room members are not cut
// by intermediaries. A failed ping means the peer is gone and the connection
// is closed rather than left to linger until the next write.
func (c *wsClient) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.Close("keepalive failed")
				return
			}
		}
	}
}

// writeLoop drains the send queue in order.
func (c *wsClient) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			payload, err := marshalOutbound(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
			err = c.conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				c.Close("write failed")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func marshalOutbound(msg session.Message) ([]byte, error) {
	data, err := json.Marshal(outboundMessage{
		ID:        msg.ID,
		Body:      msg.Body,
		Sender:    msg.Sender,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Event: EventProjectMessage, Data: data})
}
