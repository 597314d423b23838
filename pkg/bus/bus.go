// Package bus provides a publish/subscribe abstraction for room events.
// The default implementation is in-memory; a NATS-backed implementation is
// available for multi-instance deployments.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// Subject constants for room event publication.
const (
	// SubjectRoomMessage is the subject pattern for relayed room messages:
	// aichat.room.<projectID>.message
	SubjectRoomMessagePrefix = "aichat.room."

	// SubjectAllEvents matches every event published by this server.
	SubjectAllEvents = "aichat.>"
)

// RoomMessageSubject builds the publish subject for a room's message events.
func RoomMessageSubject(projectID string) string {
	return SubjectRoomMessagePrefix + projectID + ".message"
}

// RoomLifecycleSubject builds the publish subject for a room's join/leave/evict events.
func RoomLifecycleSubject(projectID string) string {
	return SubjectRoomMessagePrefix + projectID + ".lifecycle"
}

// MessageBus fans events out to subscribers. Implementations must be safe for
// concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Supports wildcards: "aichat.room.*.message", "aichat.>".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}

// Config holds configuration for creating a MessageBus.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	// Ignored for the in-memory bus.
	URL string

	// Name is a client identifier for debugging/monitoring.
	Name string

	// Timeout is the default timeout for operations.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "aichatcode",
		Timeout: 30 * time.Second,
	}
}
