package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/stepper/internal/monitoring"
)

// LineWriter writes one command line to the transport. SerialMux satisfies it.
type LineWriter interface {
	SendCommand(string) error
}

// StreamHandler receives telemetry samples while a streaming session is
// active. It is called on the transport's monitor goroutine, once per sample
// with a nil error, and exactly once more with a non-nil error when the
// session ends. On that final call sample holds the terminating line if there
// was one.
type StreamHandler func(sample Reply, err error)

// Observer is notified of traffic passing through a Router. Calls are made
// without the router lock held.
type Observer interface {
	// ObserveExchange is called after every command completes, successfully
	// or not. reply is nil when err is non-nil.
	ObserveExchange(cmd Command, reply Reply, err error)
	// ObserveStreamStart is called when an acknowledgement opens a session.
	ObserveStreamStart(cmd Command)
	// ObserveSample is called for every sample forwarded to the handler.
	ObserveSample(sample Reply)
	// ObserveStreamEnd is called once when the session ends.
	ObserveStreamEnd(err error)
}

// Option configures a Router.
type Option func(*Router)

// WithObserver installs an Observer.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

type result struct {
	reply Reply
	err   error
}

type waiter struct {
	cmd Command
	ch  chan result
	// stream is set when the command opens a streaming session on success.
	stream StreamHandler
}

type session struct {
	cmd     Command
	handler StreamHandler

	// mu serializes handler calls so nothing follows the final call.
	mu    sync.Mutex
	ended bool
}

// deliver forwards to the handler unless the session already ended. A
// non-nil err ends the session. It reports whether the handler was called.
func (s *session) deliver(sample Reply, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	if err != nil {
		s.ended = true
	}
	s.handler(sample, err)
	return true
}

// Router arbitrates every inbound line on a shared transport. At most one
// command may be awaiting its reply. While a streaming session is active,
// inbound lines are samples for the session and ordinary sends are refused.
//
// Replies carry no correlation identifier, so line order is the only
// correlation: the first line after a command is written is that command's
// reply. Streaming commands are acknowledged by the controller with an
// explicit reply line; the session becomes active in the same critical
// section that delivers a successful acknowledgement, so the next line is
// the first sample.
//
// The Router applies no timeout of its own. Callers bound waits with a
// context; a reply that arrives after its waiter gave up is logged and
// dropped.
type Router struct {
	w        LineWriter
	observer Observer

	mu      sync.Mutex
	pending *waiter
	stream  *session
	closed  bool
	// streamErr is how the last session ended.
	streamErr error
}

// NewRouter returns a Router writing through w. Feed it inbound lines with
// HandleLine.
func NewRouter(w LineWriter, opts ...Option) *Router {
	r := &Router{w: w}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send writes cmd and waits for its reply. A reply with success=false is
// returned as a value with a nil error.
func (r *Router) Send(ctx context.Context, cmd Command) (Reply, error) {
	return r.send(ctx, cmd, nil)
}

// SendStream writes a streaming command and waits for its acknowledgement.
// If the acknowledgement is successful the session is active when SendStream
// returns and handler receives every following line until the session ends.
// A failed acknowledgement never opens a session and handler is not called.
func (r *Router) SendStream(ctx context.Context, cmd Command, handler StreamHandler) (Reply, error) {
	if handler == nil {
		return nil, fmt.Errorf("%s: nil stream handler", cmd.Name())
	}
	return r.send(ctx, cmd, handler)
}

func (r *Router) send(ctx context.Context, cmd Command, handler StreamHandler) (Reply, error) {
	line, err := cmd.Line()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Name(), err)
	}

	w := &waiter{cmd: cmd, ch: make(chan result, 1), stream: handler}

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %w", ErrTransport, cmd.Name(), ErrClosed)
	case r.pending != nil:
		pending := r.pending.cmd.Name()
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s sent while %s is pending", ErrProtocolViolation, cmd.Name(), pending)
	case r.stream != nil:
		streaming := r.stream.cmd.Name()
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s sent while %s stream is active", ErrProtocolViolation, cmd.Name(), streaming)
	}
	r.pending = w
	r.mu.Unlock()

	if err := r.w.SendCommand(line); err != nil {
		r.release(w)
		err = fmt.Errorf("%w: write %s: %w", ErrTransport, cmd.Name(), err)
		r.observeExchange(cmd, nil, err)
		return nil, err
	}

	var res result
	select {
	case res = <-w.ch:
	case <-ctx.Done():
		// Whoever took w out of the pending slot owes it a result, so once
		// the slot has moved on the result is awaited rather than dropped.
		r.mu.Lock()
		abandoned := r.pending == w
		if abandoned {
			r.pending = nil
		}
		r.mu.Unlock()
		if abandoned {
			monitoring.Logf("[router] %s abandoned: %v", cmd.Name(), ctx.Err())
			res = result{err: ctx.Err()}
		} else {
			res = <-w.ch
		}
	}
	r.observeExchange(cmd, res.reply, res.err)
	return res.reply, res.err
}

// release clears the pending slot if it still belongs to w.
func (r *Router) release(w *waiter) {
	r.mu.Lock()
	if r.pending == w {
		r.pending = nil
	}
	r.mu.Unlock()
}

// HandleLine routes one framed line from the transport.
func (r *Router) HandleLine(line string) {
	r.mu.Lock()

	if s := r.stream; s != nil {
		sample, err := ParseReply(line)
		if err == nil && !sample.Empty() && sample.Success() {
			r.mu.Unlock()
			if s.deliver(sample, nil) && r.observer != nil {
				r.observer.ObserveSample(sample)
			}
			return
		}
		var endErr error
		switch {
		case err != nil:
			endErr = fmt.Errorf("%w: %s sample: %w", ErrMalformedReply, s.cmd.Name(), err)
			sample = nil
		case sample.Empty():
			endErr = ErrStreamEnded
		default:
			endErr = fmt.Errorf("%w: %w", ErrStreamEnded, sample.Err())
		}
		r.stream = nil
		r.streamErr = endErr
		r.mu.Unlock()

		r.endSession(s, sample, endErr)
		return
	}

	w := r.pending
	if w == nil {
		r.mu.Unlock()
		monitoring.Logf("[router] dropping unsolicited line: %q", line)
		return
	}
	r.pending = nil

	reply, err := ParseReply(line)
	switch {
	case err != nil:
		err = fmt.Errorf("%w: %s: %w", ErrMalformedReply, w.cmd.Name(), err)
	case reply.Empty():
		err = fmt.Errorf("%w: %s: empty reply", ErrMalformedReply, w.cmd.Name())
		reply = nil
	}

	opened := false
	if err == nil && w.stream != nil && reply.Success() {
		r.stream = &session{cmd: w.cmd, handler: w.stream}
		opened = true
	}
	r.mu.Unlock()

	if opened && r.observer != nil {
		r.observer.ObserveStreamStart(w.cmd)
	}
	w.ch <- result{reply: reply, err: err}
}

// Streaming reports whether a streaming session is active.
func (r *Router) Streaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream != nil
}

// StreamErr reports how the most recent session ended: ErrStreamEnded, possibly
// wrapping a CommandError, for a normal or host-side end, and the failure
// otherwise. It is nil while a session is active or before the first one.
func (r *Router) StreamErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		return nil
	}
	return r.streamErr
}

// Pending reports the name of the command awaiting a reply, if any.
func (r *Router) Pending() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return "", false
	}
	return r.pending.cmd.Name(), true
}

// EndStream abandons the active session on the host side. The handler gets
// its final call with ErrStreamEnded; later samples from the controller are
// dropped as unsolicited. It reports whether a session was active.
func (r *Router) EndStream() bool {
	r.mu.Lock()
	s := r.stream
	r.stream = nil
	if s != nil {
		r.streamErr = ErrStreamEnded
	}
	r.mu.Unlock()
	if s == nil {
		return false
	}
	r.endSession(s, nil, ErrStreamEnded)
	return true
}

// Fail reports a transport failure. The pending waiter, if any, and the
// active session, if any, both end with ErrTransport.
func (r *Router) Fail(cause error) {
	err := fmt.Errorf("%w: %w", ErrTransport, cause)

	r.mu.Lock()
	w := r.pending
	s := r.stream
	r.pending = nil
	r.stream = nil
	if s != nil {
		r.streamErr = err
	}
	r.mu.Unlock()

	if w != nil {
		w.ch <- result{err: err}
	}
	if s != nil {
		r.endSession(s, nil, err)
	}
}

// Close fails any outstanding work and refuses further sends.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Fail(ErrClosed)
}

func (r *Router) endSession(s *session, last Reply, err error) {
	if s.deliver(last, err) && r.observer != nil {
		r.observer.ObserveStreamEnd(err)
	}
}

func (r *Router) observeExchange(cmd Command, reply Reply, err error) {
	if r.observer != nil {
		r.observer.ObserveExchange(cmd, reply, err)
	}
}
