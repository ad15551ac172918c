package signal

import (
	"context"
	"fmt"
	"sync"

	log "github.com/pion/ion-log"
)

const busBuffer = 256

// Bus is an in-process Transport. It fans messages out between channels that
// share a room id, with the same ordering guarantees as the wire transports.
// Used by tests and single-process deployments.
type Bus struct {
	mu    sync.Mutex
	rooms map[string]map[string]*busChannel
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{rooms: make(map[string]map[string]*busChannel)}
}

// Join opens a channel on roomID for localID.
func (b *Bus) Join(_ context.Context, roomID, localID string) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.rooms[roomID]
	if room == nil {
		room = make(map[string]*busChannel)
		b.rooms[roomID] = room
	}
	if _, ok := room[localID]; ok {
		return nil, fmt.Errorf("bus: %s already joined room %s", localID, roomID)
	}

	ch := &busChannel{
		bus:     b,
		roomID:  roomID,
		localID: localID,
		in:      make(chan Message, busBuffer),
	}
	room[localID] = ch
	return ch, nil
}

// route delivers msg to its targets. Caller must not hold b.mu.
func (b *Bus) route(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.rooms[msg.RoomID]
	for id, member := range room {
		if id == msg.From {
			continue
		}
		if msg.To != "" && msg.To != id {
			continue
		}
		select {
		case member.in <- msg:
		default:
			log.Warnf("bus: dropping %s for %s, buffer full", msg.Type, id)
		}
	}
}

func (b *Bus) remove(roomID, localID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.rooms[roomID]
	delete(room, localID)
	if len(room) == 0 {
		delete(b.rooms, roomID)
	}
}

type busChannel struct {
	bus     *Bus
	roomID  string
	localID string
	in      chan Message

	mu   sync.Mutex
	left bool
}

func (c *busChannel) Send(msg Message) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.mu.Unlock()

	if msg.RoomID == "" {
		msg.RoomID = c.roomID
	}
	if msg.From == "" {
		msg.From = c.localID
	}
	c.bus.route(msg)
	return nil
}

func (c *busChannel) Messages() <-chan Message { return c.in }

func (c *busChannel) Leave() error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.mu.Unlock()

	c.bus.route(Message{Type: TypeLeave, RoomID: c.roomID, From: c.localID})
	c.bus.remove(c.roomID, c.localID)
	close(c.in)
	return nil
}
