package delivery

import (
	"context"
	"sync/atomic"
)

// Speaker delivers the utterances of a single connection strictly in order.
// Producers call [Speaker.Enqueue]; one goroutine runs [Speaker.Run].
type Speaker struct {
	d     *Dispatcher
	conn  Conn
	queue chan Utterance

	firstOfTurn atomic.Bool
}

// NewSpeaker creates a Speaker for conn with room for depth queued
// utterances. The first utterance delivered is treated as first of turn.
func NewSpeaker(d *Dispatcher, conn Conn, depth int) *Speaker {
	if depth <= 0 {
		depth = 32
	}
	s := &Speaker{d: d, conn: conn, queue: make(chan Utterance, depth)}
	s.firstOfTurn.Store(true)
	return s
}

// BeginTurn makes the next non-empty utterance pre-buffer.
func (s *Speaker) BeginTurn() {
	s.firstOfTurn.Store(true)
}

// Enqueue queues u for delivery, blocking while the queue is full.
func (s *Speaker) Enqueue(ctx context.Context, u Utterance) error {
	select {
	case s.queue <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush discards queued utterances that have not started and returns how
// many were dropped.
func (s *Speaker) Flush() int {
	n := 0
	for {
		select {
		case <-s.queue:
			n++
		default:
			return n
		}
	}
}

// Run delivers queued utterances until ctx is done or a delivery fails.
// It returns nil on ctx cancellation.
func (s *Speaker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-s.queue:
			first := len(u.Frames) > 0 && s.firstOfTurn.Swap(false)
			if err := s.d.Deliver(ctx, s.conn, u, first); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
