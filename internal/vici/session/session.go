package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/charonctl/internal/observability"
	"github.com/danmuck/charonctl/internal/vici/frame"
	"github.com/danmuck/charonctl/internal/vici/marshal"
	"github.com/danmuck/charonctl/internal/vici/message"
)

var (
	ErrClosed                = errors.New("session: closed")
	ErrBusy                  = errors.New("session: exchange already outstanding")
	ErrUnknownCommand        = errors.New("session: unknown command")
	ErrUnknownEvent          = errors.New("session: unknown event")
	ErrUnexpectedPacket      = errors.New("session: unexpected packet")
	ErrExchangeTimeout       = errors.New("session: exchange timed out")
	ErrTransport             = errors.New("session: transport failure")
	ErrDuplicateSubscription = errors.New("session: event already has a subscription")
	ErrCommandFailed         = errors.New("session: command failed")
)

// Session drives one protocol connection. At most one command or event
// registration exchange is outstanding at a time; pushed events are routed
// concurrently and never consumed into a pending exchange.
type Session struct {
	conn io.ReadWriteCloser
	cfg  Config

	exchanges chan *exchange
	routeAdd  chan routeAdd
	routeDel  chan string
	incoming  chan readResult

	// reqMu gates the single-outstanding-exchange discipline: held for the
	// whole round trip, so the dispatch loop sees at most one exchange.
	reqMu sync.Mutex

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type exchange struct {
	kind  frame.Kind
	name  string
	body  []byte
	reply chan exchangeReply
}

type exchangeReply struct {
	msg *message.Message
	err error
}

type routeAdd struct {
	sub   *Subscription
	reply chan error
}

type readResult struct {
	pkt frame.Packet
	err error
}

// New starts a session over an established connection. The connection must
// provide ordered, reliable byte-stream semantics; dialing lives in
// internal/client.
func New(conn io.ReadWriteCloser, cfg Config) *Session {
	s := &Session{
		conn:      conn,
		cfg:       cfg.WithDefaults(),
		exchanges: make(chan *exchange),
		routeAdd:  make(chan routeAdd),
		routeDel:  make(chan string),
		incoming:  make(chan readResult),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.closeConn()
	go s.readLoop()
	go s.run()
	return s
}

// closeConn tears down the transport as soon as the session is closed. The
// dispatch loop may be blocked mid-write on a wedged peer; closing the
// connection from outside is the only way to unblock it.
func (s *Session) closeConn() {
	select {
	case <-s.quit:
	case <-s.done:
	}
	_ = s.conn.Close()
}

// Request issues cmd with params mapped into the request body and decodes the
// response into result. Either may be nil for an empty body or a discarded
// response. Fails with ErrBusy while another exchange is outstanding.
func (s *Session) Request(ctx context.Context, cmd string, params marshal.Marshaler, result marshal.Unmarshaler) error {
	body, err := encodeParams(params)
	if err != nil {
		return err
	}
	resp, err := s.roundTrip(ctx, frame.CmdRequest, cmd, body)
	if err != nil {
		return err
	}
	return marshal.Unmarshal(resp, result)
}

// RequestMessage is Request at the raw tree level.
func (s *Session) RequestMessage(ctx context.Context, cmd string, params *message.Message) (*message.Message, error) {
	var body []byte
	if params != nil {
		var err error
		if body, err = params.Encode(); err != nil {
			return nil, err
		}
	}
	return s.roundTrip(ctx, frame.CmdRequest, cmd, body)
}

// RegisterEvent asks the daemon to start pushing the named event. Delivery
// additionally needs a routing entry, see Events and Subscribe.
func (s *Session) RegisterEvent(ctx context.Context, name string) error {
	_, err := s.roundTrip(ctx, frame.EventRegister, name, nil)
	return err
}

// UnregisterEvent asks the daemon to stop pushing the named event.
func (s *Session) UnregisterEvent(ctx context.Context, name string) error {
	_, err := s.roundTrip(ctx, frame.EventUnregister, name, nil)
	return err
}

// Close releases the connection, fails any outstanding exchange, and closes
// every subscription queue so consumers observe end-of-stream. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
	return nil
}

func encodeParams(params marshal.Marshaler) ([]byte, error) {
	msg, err := marshal.Marshal(params)
	if err != nil {
		return nil, err
	}
	return msg.Encode()
}

// roundTrip runs one exclusive exchange. A caller abort mid-exchange closes
// the session: the peer may already be mid-response and the framing offers no
// way to resynchronize.
func (s *Session) roundTrip(ctx context.Context, kind frame.Kind, name string, body []byte) (*message.Message, error) {
	if !s.reqMu.TryLock() {
		observability.ObserveExchange(kind.String(), "busy", 0)
		return nil, ErrBusy
	}
	defer s.reqMu.Unlock()

	ex := &exchange{
		kind:  kind,
		name:  name,
		body:  body,
		reply: make(chan exchangeReply, 1),
	}

	start := time.Now()
	select {
	case s.exchanges <- ex:
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		// Nothing was handed to the dispatch loop; the session stays usable.
		return nil, ctx.Err()
	}

	select {
	case rep := <-ex.reply:
		observability.ObserveExchange(kind.String(), outcome(rep.err), time.Since(start))
		return rep.msg, rep.err
	case <-ctx.Done():
		// The answer may have landed in the same instant; prefer it over
		// tearing the session down.
		select {
		case rep := <-ex.reply:
			observability.ObserveExchange(kind.String(), outcome(rep.err), time.Since(start))
			return rep.msg, rep.err
		default:
		}
		_ = s.Close()
		observability.ObserveExchange(kind.String(), "timeout", time.Since(start))
		return nil, fmt.Errorf("%w: %v", ErrExchangeTimeout, ctx.Err())
	case <-s.done:
		// The dispatch loop resolves the pending exchange before exiting.
		select {
		case rep := <-ex.reply:
			observability.ObserveExchange(kind.String(), outcome(rep.err), time.Since(start))
			return rep.msg, rep.err
		default:
			return nil, ErrClosed
		}
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnknownCommand), errors.Is(err, ErrUnknownEvent):
		return "unknown"
	default:
		return "error"
	}
}

// readLoop blocks on the connection and feeds decoded packets to the
// dispatch loop. It is the only reader of the stream.
func (s *Session) readLoop() {
	for {
		pkt, err := frame.ReadPacket(s.conn, s.cfg.Limits)
		select {
		case s.incoming <- readResult{pkt: pkt, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// run owns the routing table: one pending-exchange slot and the event name to
// subscription mapping. All writes happen here, so exchange writes are never
// interleaved.
func (s *Session) run() {
	var pending *exchange
	routes := make(map[string]*Subscription)
	exitErr := ErrClosed

	defer func() {
		if pending != nil {
			pending.reply <- exchangeReply{err: exitErr}
		}
		for _, sub := range routes {
			sub.shutdown()
		}
		close(s.done)
	}()

	for {
		select {
		case <-s.quit:
			return

		case ex := <-s.exchanges:
			// reqMu guarantees at most one exchange reaches this loop.
			pkt := frame.Packet{Kind: ex.kind, Name: ex.name, Body: ex.body}
			if err := frame.WritePacket(s.conn, pkt); err != nil {
				err = fmt.Errorf("%w: %v", ErrTransport, err)
				ex.reply <- exchangeReply{err: err}
				exitErr = err
				return
			}
			pending = ex

		case r := <-s.routeAdd:
			if _, dup := routes[r.sub.name]; dup {
				r.reply <- fmt.Errorf("%w: %s", ErrDuplicateSubscription, r.sub.name)
				continue
			}
			routes[r.sub.name] = r.sub
			r.reply <- nil

		case name := <-s.routeDel:
			if sub, ok := routes[name]; ok {
				delete(routes, name)
				sub.shutdown()
			}

		case in := <-s.incoming:
			if in.err != nil {
				if errors.Is(in.err, io.EOF) {
					exitErr = fmt.Errorf("%w: connection closed by peer", ErrTransport)
				} else {
					exitErr = fmt.Errorf("%w: %v", ErrTransport, in.err)
				}
				return
			}
			if err := s.dispatch(in.pkt, &pending, routes); err != nil {
				log.Error().Err(err).Msg("session: fatal protocol error")
				exitErr = err
				return
			}
		}
	}
}

// dispatch classifies one inbound packet: events go to their subscription,
// anything else answers the outstanding exchange. A non-nil return is fatal
// to the session.
func (s *Session) dispatch(pkt frame.Packet, pending **exchange, routes map[string]*Subscription) error {
	observability.ObservePacket(pkt.Kind.String())

	if pkt.Kind == frame.Event {
		sub, ok := routes[pkt.Name]
		if !ok {
			log.Debug().Str("event", pkt.Name).Msg("session: discarding event without subscriber")
			observability.ObserveEventDiscarded(pkt.Name)
			return nil
		}
		msg, err := message.Decode(pkt.Body)
		if err != nil {
			return err
		}
		s.deliver(sub, msg)
		return nil
	}

	ex := *pending
	if ex == nil {
		return fmt.Errorf("%w: %s with no exchange outstanding", ErrUnexpectedPacket, pkt.Kind)
	}

	switch {
	case ex.kind == frame.CmdRequest && pkt.Kind == frame.CmdResponse:
		msg, err := message.Decode(pkt.Body)
		if err != nil {
			ex.reply <- exchangeReply{err: err}
			*pending = nil
			return err
		}
		ex.reply <- exchangeReply{msg: msg}
	case ex.kind == frame.CmdRequest && pkt.Kind == frame.CmdUnknown:
		ex.reply <- exchangeReply{err: fmt.Errorf("%w: %s", ErrUnknownCommand, ex.name)}
	case ex.kind != frame.CmdRequest && pkt.Kind == frame.EventConfirm:
		ex.reply <- exchangeReply{}
	case ex.kind != frame.CmdRequest && pkt.Kind == frame.EventUnknown:
		ex.reply <- exchangeReply{err: fmt.Errorf("%w: %s", ErrUnknownEvent, ex.name)}
	default:
		err := fmt.Errorf("%w: %s while awaiting answer to %s", ErrUnexpectedPacket, pkt.Kind, ex.kind)
		ex.reply <- exchangeReply{err: err}
		*pending = nil
		return err
	}
	*pending = nil
	return nil
}

// deliver pushes one event without ever blocking the dispatch loop. Plain
// subscriptions drop the oldest entry on a full queue in favor of the newest
// daemon state; streamed-response subscriptions buffer without bound, since
// their events are response data and must all reach the caller.
func (s *Session) deliver(sub *Subscription, msg *message.Message) {
	if sub.in != nil {
		// the pump goroutine is always ready to receive
		sub.in <- msg
		observability.ObserveEventDelivered(sub.name)
		return
	}
	select {
	case sub.ch <- msg:
		observability.ObserveEventDelivered(sub.name)
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- msg:
		log.Warn().Str("event", sub.name).Msg("session: slow subscriber, dropped oldest event")
		observability.ObserveEventDropped(sub.name)
		observability.ObserveEventDelivered(sub.name)
	default:
		observability.ObserveEventDropped(sub.name)
	}
}
