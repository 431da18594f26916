package inbound

import (
	"context"
	"strconv"
	"sync"
)

// Settlement is how a message was settled
type Settlement string

const (
	SettledAck     Settlement = "ack"
	SettledRequeue Settlement = "requeue"
	SettledReject  Settlement = "reject"
)

// MemorySource is an in-process queue. Requeued messages go to the back and are
// marked redelivered.
type MemorySource struct {
	mu       sync.Mutex
	queue    []*Message
	next     int
	settled  map[string][]Settlement
	inFlight map[string]*Message
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		settled:  make(map[string][]Settlement),
		inFlight: make(map[string]*Message),
	}
}

// Push enqueues a message body and returns its id
func (s *MemorySource) Push(body []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	id := strconv.Itoa(s.next)
	s.queue = append(s.queue, &Message{ID: id, Body: body, handle: id})
	return id
}

// Len is the number of messages waiting
func (s *MemorySource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Settlements returns how a message has been settled, in order
func (s *MemorySource) Settlements(id string) []Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Settlement(nil), s.settled[id]...)
}

func (s *MemorySource) Poll(ctx context.Context) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, nil
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	s.inFlight[msg.ID] = msg
	return msg, nil
}

func (s *MemorySource) settle(msg *Message, how Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inFlight[msg.ID]; !ok {
		return ErrUnknownMessage
	}
	delete(s.inFlight, msg.ID)
	s.settled[msg.ID] = append(s.settled[msg.ID], how)

	if how == SettledRequeue {
		s.queue = append(s.queue, &Message{ID: msg.ID, Body: msg.Body, Redelivered: true, handle: msg.handle})
	}
	return nil
}

func (s *MemorySource) Ack(_ context.Context, msg *Message) error {
	return s.settle(msg, SettledAck)
}

func (s *MemorySource) Requeue(_ context.Context, msg *Message) error {
	return s.settle(msg, SettledRequeue)
}

func (s *MemorySource) Reject(_ context.Context, msg *Message) error {
	return s.settle(msg, SettledReject)
}

func (s *MemorySource) Close() error {
	return nil
}
