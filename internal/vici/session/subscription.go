package session

import (
	"context"
	"sync"

	"github.com/danmuck/charonctl/internal/vici/message"
)

// Subscription is a handle on one event name's queue. Messages arrive in
// wire order for that name; the channel is closed on Close or when the
// session closes.
type Subscription struct {
	name string
	ch   chan *message.Message

	// in is set on streamed-response subscriptions: the dispatch loop hands
	// events to a pump goroutine that buffers without bound, so no response
	// item is ever dropped on a slow consumer. Nil for plain subscriptions,
	// which use the bounded drop-oldest queue directly.
	in chan *message.Message

	s    *Session
	once sync.Once
}

// Messages yields decoded events until the subscription or session closes.
func (sub *Subscription) Messages() <-chan *message.Message {
	return sub.ch
}

func (sub *Subscription) Name() string {
	return sub.name
}

// Close removes the routing entry and closes the queue. It does not send an
// unregistration on the wire; that is the UnregisterEvent exchange.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		select {
		case sub.s.routeDel <- sub.name:
		case <-sub.s.done:
		}
	})
}

// shutdown closes the delivery pipeline. Called only by the dispatch loop,
// when the routing entry goes away.
func (sub *Subscription) shutdown() {
	if sub.in != nil {
		close(sub.in)
		return
	}
	close(sub.ch)
}

// pump moves events from the dispatch loop into the consumer channel,
// buffering whatever the consumer has not taken yet. It drains the buffer
// after in closes, then closes the consumer channel.
func (sub *Subscription) pump() {
	var buf []*message.Message
	in := sub.in
	for in != nil || len(buf) > 0 {
		var out chan *message.Message
		var next *message.Message
		if len(buf) > 0 {
			out = sub.ch
			next = buf[0]
		}
		select {
		case msg, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			buf = append(buf, msg)
		case out <- next:
			buf = buf[1:]
		}
	}
	close(sub.ch)
}

// Events adds a routing entry for the named event and returns its
// subscription. This only touches the routing table: it is independent of the
// exchange gate and does not register the event with the daemon.
func (s *Session) Events(name string) (*Subscription, error) {
	return s.events(name, false)
}

func (s *Session) events(name string, stream bool) (*Subscription, error) {
	sub := &Subscription{
		name: name,
		ch:   make(chan *message.Message, s.cfg.EventQueueSize),
		s:    s,
	}
	if stream {
		sub.in = make(chan *message.Message)
		go sub.pump()
	}

	reply := make(chan error, 1)
	select {
	case s.routeAdd <- routeAdd{sub: sub, reply: reply}:
	case <-s.done:
		sub.discard()
		return nil, ErrClosed
	}
	select {
	case err := <-reply:
		if err != nil {
			sub.discard()
			return nil, err
		}
		return sub, nil
	case <-s.done:
		select {
		case err := <-reply:
			if err == nil {
				return sub, nil
			}
			sub.discard()
			return nil, err
		default:
			sub.discard()
			return nil, ErrClosed
		}
	}
}

// discard releases a subscription that never made it into the routing table.
func (sub *Subscription) discard() {
	if sub.in != nil {
		close(sub.in)
	}
}

// Subscribe routes the named event and performs the registration handshake.
// The route is added first so no event slips through between the daemon's
// confirmation and delivery.
func (s *Session) Subscribe(ctx context.Context, name string) (*Subscription, error) {
	sub, err := s.Events(name)
	if err != nil {
		return nil, err
	}
	if err := s.RegisterEvent(ctx, name); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}
