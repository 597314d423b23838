// Package session tracks one room per project and enforces at most one live
// connection per (identity, project) pair. The registry is the only mutation
// point for room membership.
package session

import (
	"context"
	"time"

	"github.com/ashishkum25/AiChatCode/pkg/auth"
)

// Message is a room chat message as delivered to members.
type Message struct {
	ID        string        `json:"id"`
	Body      string        `json:"body"`
	Sender    auth.Identity `json:"sender"`
	Timestamp time.Time     `json:"timestamp"`
}

// Conn is a live, admitted transport connection. Implementations must make
// Send safe for concurrent use and preserve per-caller enqueue order.
type Conn interface {
	// ID returns the unique connection identifier.
	ID() string

	// Identity returns the authenticated participant, fixed at handshake.
	Identity() auth.Identity

	// Send enqueues a message for delivery to the remote peer.
	Send(ctx context.Context, msg Message) error

	// Close terminates the connection with a reason visible to the peer.
	Close(reason string)
}
