// Package signal defines the room-scoped signaling wire format and the
// transports that carry it. Messages from a single sender to a single
// recipient arrive in send order; no ordering holds across senders, and the
// transport may duplicate or drop messages, so consumers must apply them
// idempotently.
package signal

import "context"

// Transport joins room-scoped signaling channels.
type Transport interface {
	// Join opens the channel for roomID as localID. It retries transient
	// failures internally and returns a *Error with KindChannelUnreachable
	// once the attempt budget is spent.
	Join(ctx context.Context, roomID, localID string) (Channel, error)
}

// Channel is one peer's handle on a room's signaling channel.
type Channel interface {
	// Send queues a message for delivery. The message's RoomID and From are
	// filled in by the channel if empty.
	Send(Message) error
	// Messages yields validated inbound messages. The channel is closed
	// after Leave or when the transport drops.
	Messages() <-chan Message
	// Leave emits a leave message and closes the underlying connection.
	// Idempotent, safe on every exit path.
	Leave() error
}
