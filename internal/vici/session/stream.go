package session

import (
	"context"
	"fmt"

	"github.com/danmuck/charonctl/internal/vici/marshal"
	"github.com/danmuck/charonctl/internal/vici/message"
)

// CommandResult is the status convention carried in command response bodies:
// an optional "success" boolean (absent means success) and an optional error
// message.
type CommandResult struct {
	Success bool
	ErrMsg  string
}

func (r *CommandResult) UnmarshalVici(d *marshal.Decoder) error {
	r.Success = true
	d.OptionalBool("success", &r.Success)
	d.OptionalString("errmsg", &r.ErrMsg)
	return d.Err()
}

// Err maps a failed result to an error.
func (r *CommandResult) Err() error {
	if r.Success {
		return nil
	}
	if r.ErrMsg != "" {
		return fmt.Errorf("%w: %s", ErrCommandFailed, r.ErrMsg)
	}
	return ErrCommandFailed
}

// StreamRequest issues a command whose response is streamed as events of the
// given name: the event is registered, each pushed event is handed to fn in
// arrival order, and the exchange finishes on the final response packet,
// after which the event is unregistered and the response's CommandResult
// checked.
func (s *Session) StreamRequest(ctx context.Context, cmd, event string, params marshal.Marshaler, fn func(*message.Message) error) error {
	sub, err := s.events(event, true)
	if err != nil {
		return err
	}
	defer sub.Close()
	if err := s.RegisterEvent(ctx, event); err != nil {
		return err
	}

	var result CommandResult
	resCh := make(chan error, 1)
	go func() {
		resCh <- s.Request(ctx, cmd, params, &result)
	}()

	var fnErr, reqErr error
loop:
	for {
		select {
		case msg, ok := <-sub.ch:
			if !ok {
				reqErr = <-resCh
				break loop
			}
			if fnErr == nil {
				fnErr = fn(msg)
			}
		case reqErr = <-resCh:
			break loop
		}
	}

	// Stream events precede the response on the wire, so everything is in the
	// subscription buffer by now. Dropping the route flushes the buffer and
	// closes the queue, so the drain has a definite end.
	sub.Close()
	for msg := range sub.ch {
		if fnErr == nil {
			fnErr = fn(msg)
		}
	}

	var unregErr error
	if reqErr == nil {
		unregErr = s.UnregisterEvent(ctx, event)
	}

	switch {
	case reqErr != nil:
		return reqErr
	case fnErr != nil:
		return fnErr
	case unregErr != nil:
		return unregErr
	}
	return result.Err()
}
