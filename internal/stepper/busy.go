package stepper

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/stepper/internal/protocol"
)

// BusyState is the state of the most recent BusyWait.
type BusyState int

const (
	BusyIdle BusyState = iota
	BusyPolling
	BusyDone
	BusyFailed
)

func (s BusyState) String() string {
	switch s {
	case BusyIdle:
		return "idle"
	case BusyPolling:
		return "polling"
	case BusyDone:
		return "done"
	case BusyFailed:
		return "failed"
	}
	return fmt.Sprintf("BusyState(%d)", int(s))
}

// BusyState reports the state of the most recent BusyWait.
func (m *Motor) BusyState() BusyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busyState
}

func (m *Motor) setBusyState(s BusyState) {
	m.mu.Lock()
	m.busyState = s
	m.mu.Unlock()
}

// BusyWait blocks until the controller reports the current motion finished.
//
// On every tick it sends is_busy and returns once the reply has busy=false.
// A reply with success=false also counts as finished, since the controller
// refuses is_busy when there is nothing to report. While a sinusoid stream
// occupies the transport no is_busy is sent; the motion is finished when the
// stream ends, unless it ended because the transport failed, in which case
// the wait fails with ErrTransport. Errors from the router and context
// cancellation are returned.
func (m *Motor) BusyWait(ctx context.Context) error {
	m.setBusyState(BusyPolling)
	err := m.pollUntilIdle(ctx)
	if err != nil {
		m.setBusyState(BusyFailed)
		return err
	}
	m.setBusyState(BusyDone)
	return nil
}

func (m *Motor) pollUntilIdle(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.pollInterval)
	defer ticker.Stop()

	// a stream already running at entry is the motion being waited for
	sawStream := m.router.Streaming()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}

		if m.router.Streaming() {
			sawStream = true
			continue
		}
		if sawStream {
			if err := m.router.StreamErr(); errors.Is(err, protocol.ErrTransport) {
				return fmt.Errorf("busy wait: stream ended: %w", err)
			}
			return nil
		}

		r, err := m.IsBusy(ctx)
		if err != nil {
			// a stream may have started between the check and the send
			if errors.Is(err, protocol.ErrProtocolViolation) && m.router.Streaming() {
				sawStream = true
				continue
			}
			return fmt.Errorf("busy wait: %w", err)
		}
		if !r.Success() {
			return nil
		}
		if busy, ok := r.Bool("busy"); ok && !busy {
			return nil
		}
	}
}

// Autoset runs the homing routine and waits for it to finish. A failed
// autoset_position reply is returned without waiting.
func (m *Motor) Autoset(ctx context.Context) (protocol.Reply, error) {
	r, err := m.AutosetPosition(ctx)
	if err != nil || !r.Success() {
		return r, err
	}
	if err := m.BusyWait(ctx); err != nil {
		return r, err
	}
	return r, nil
}
