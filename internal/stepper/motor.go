// Package stepper is the host-side façade over the controller protocol. A
// Motor turns motion and configuration calls into protocol commands, applies
// the gear ratio between output-shaft and motor units, and waits for long
// moves to finish.
package stepper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/stepper/internal/monitoring"
	"github.com/banshee-data/stepper/internal/protocol"
	"github.com/banshee-data/stepper/internal/timeutil"
)

// DefaultPollInterval is the busy-poll period.
const DefaultPollInterval = 10 * time.Millisecond

// Transport is the line transport a Motor runs over. SerialMux satisfies it.
type Transport interface {
	protocol.LineWriter
	SetLineHandler(func(string))
	Monitor(ctx context.Context) error
	Ready() <-chan struct{}
	Close() error
}

type settings struct {
	gearRatio    float64
	pollInterval time.Duration
	clock        timeutil.Clock
	routerOpts   []protocol.Option
	onDisconnect func(error)
}

// Option configures a Motor.
type Option func(*settings) error

// WithGearRatio sets the output-shaft to motor ratio. Positions, velocities
// and sinusoid amplitude and offset are multiplied by it on the way to the
// controller and divided by it on the way back.
func WithGearRatio(g float64) Option {
	return func(s *settings) error {
		if g == 0 {
			return errors.New("gear ratio must be non-zero")
		}
		s.gearRatio = g
		return nil
	}
}

// WithPollInterval sets the BusyWait tick period.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %s", d)
		}
		s.pollInterval = d
		return nil
	}
}

// WithClock replaces the clock that drives BusyWait.
func WithClock(c timeutil.Clock) Option {
	return func(s *settings) error {
		s.clock = c
		return nil
	}
}

// WithRouterOptions passes options to the Router built by Connect.
func WithRouterOptions(opts ...protocol.Option) Option {
	return func(s *settings) error {
		s.routerOpts = append(s.routerOpts, opts...)
		return nil
	}
}

// WithDisconnectHandler registers f to be called once when the transport
// monitor stops, with the reason.
func WithDisconnectHandler(f func(error)) Option {
	return func(s *settings) error {
		s.onDisconnect = f
		return nil
	}
}

func buildSettings(opts []Option) (settings, error) {
	s := settings{
		gearRatio:    1,
		pollInterval: DefaultPollInterval,
		clock:        timeutil.RealClock{},
	}
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Motor drives one controller through one Router.
type Motor struct {
	router       *protocol.Router
	gearRatio    float64
	pollInterval time.Duration
	clock        timeutil.Clock

	transport    Transport
	cancel       context.CancelFunc
	monitorDone  chan struct{}
	onDisconnect func(error)
	closeOnce    sync.Once
	closeErr     error

	mu        sync.Mutex
	busyState BusyState
}

// New returns a Motor that sends through an existing router. The caller
// owns the router's transport.
func New(router *protocol.Router, opts ...Option) (*Motor, error) {
	s, err := buildSettings(opts)
	if err != nil {
		return nil, err
	}
	return newMotor(router, s), nil
}

func newMotor(router *protocol.Router, s settings) *Motor {
	return &Motor{
		router:       router,
		gearRatio:    s.gearRatio,
		pollInterval: s.pollInterval,
		clock:        s.clock,
		onDisconnect: s.onDisconnect,
	}
}

// Connect builds a Router over t, starts the transport monitor and waits for
// the transport to report ready. The Motor owns t and closes it on Close.
func Connect(ctx context.Context, t Transport, opts ...Option) (*Motor, error) {
	s, err := buildSettings(opts)
	if err != nil {
		return nil, err
	}
	router := protocol.NewRouter(t, s.routerOpts...)
	t.SetLineHandler(router.HandleLine)

	monCtx, cancel := context.WithCancel(context.Background())
	m := newMotor(router, s)
	m.transport = t
	m.cancel = cancel
	m.monitorDone = make(chan struct{})
	go m.monitor(monCtx)

	select {
	case <-t.Ready():
		return m, nil
	case <-m.monitorDone:
		m.Close()
		return nil, fmt.Errorf("%w: transport stopped before it was ready", protocol.ErrTransport)
	case <-ctx.Done():
		m.Close()
		return nil, fmt.Errorf("%w: waiting for transport: %w", protocol.ErrTransport, ctx.Err())
	}
}

func (m *Motor) monitor(ctx context.Context) {
	defer close(m.monitorDone)
	err := m.transport.Monitor(ctx)
	switch {
	case ctx.Err() != nil:
		err = protocol.ErrClosed
	case err == nil:
		err = io.EOF
	default:
		monitoring.Logf("[stepper] transport monitor failed: %v", err)
	}
	m.router.Fail(err)
	if m.onDisconnect != nil {
		m.onDisconnect(err)
	}
}

// Close fails outstanding work, stops the monitor and closes the transport.
func (m *Motor) Close() error {
	m.closeOnce.Do(func() {
		m.router.Close()
		if m.transport == nil {
			return
		}
		m.cancel()
		m.closeErr = m.transport.Close()
		<-m.monitorDone
	})
	return m.closeErr
}

// GearRatio returns the configured gear ratio.
func (m *Motor) GearRatio() float64 { return m.gearRatio }

// Streaming reports whether a sinusoid stream occupies the transport.
func (m *Motor) Streaming() bool { return m.router.Streaming() }

// EndStream abandons the active stream on the host side.
func (m *Motor) EndStream() bool { return m.router.EndStream() }

// Router returns the underlying router.
func (m *Motor) Router() *protocol.Router { return m.router }

func (m *Motor) send(ctx context.Context, name string, kv ...any) (protocol.Reply, error) {
	cmd := protocol.NewCommand(name)
	for i := 0; i+1 < len(kv); i += 2 {
		cmd = cmd.With(kv[i].(string), kv[i+1])
	}
	return m.router.Send(ctx, cmd)
}

func (m *Motor) toDevice(v float64) float64 { return v * m.gearRatio }

// fromDevice divides the named numeric fields of a successful reply by the
// gear ratio. The reply is copied.
func (m *Motor) fromDevice(r protocol.Reply, keys ...string) protocol.Reply {
	if r == nil || !r.Success() {
		return r
	}
	out := r.Clone()
	for _, k := range keys {
		if v, ok := r.Float(k); ok {
			out[k] = v / m.gearRatio
		}
	}
	return out
}

// Enable energises the motor windings.
func (m *Motor) Enable(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdEnable)
}

// Release de-energises the windings so the shaft turns freely.
func (m *Motor) Release(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdRelease)
}

// Run spins the motor at velocity, in output-shaft units per second, until
// stopped.
func (m *Motor) Run(ctx context.Context, velocity float64) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdRun, "velocity", m.toDevice(velocity))
}

// MoveTo starts a move to an absolute output-shaft position. Use BusyWait to
// wait for it to finish.
func (m *Motor) MoveTo(ctx context.Context, position float64) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdMoveTo, "position", m.toDevice(position))
}

// MoveToFullsteps moves to a motor position in full steps. No gear ratio
// applies to step counts.
func (m *Motor) MoveToFullsteps(ctx context.Context, position int) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdMoveToFullsteps, "position", position)
}

// MoveToMicrosteps moves to a motor position in microsteps.
func (m *Motor) MoveToMicrosteps(ctx context.Context, position int) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdMoveToMicrosteps, "position", position)
}

// SoftStop decelerates to a stop.
func (m *Motor) SoftStop(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdSoftStop)
}

// HardStop stops immediately without deceleration.
func (m *Motor) HardStop(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdHardStop)
}

// IsBusy sends one is_busy query.
func (m *Motor) IsBusy(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdIsBusy)
}

// SetMaxMode selects the max-speed motion profile for following moves.
func (m *Motor) SetMaxMode(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdSetMaxMode)
}

// SetJogMode selects the jog motion profile for following moves.
func (m *Motor) SetJogMode(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdSetJogMode)
}

// GetPosition returns the output-shaft position in the "position" field.
func (m *Motor) GetPosition(ctx context.Context) (protocol.Reply, error) {
	r, err := m.send(ctx, protocol.CmdGetPosition)
	return m.fromDevice(r, "position"), err
}

// SetPosition redefines the current output-shaft position without moving.
func (m *Motor) SetPosition(ctx context.Context, position float64) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdSetPosition, "position", m.toDevice(position))
}

// GetPositionFullsteps returns the motor position in full steps. No gear
// ratio applies to step counts.
func (m *Motor) GetPositionFullsteps(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdGetPositionFullsteps)
}

// GetPositionMicrosteps returns the motor position in microsteps. No gear
// ratio applies.
func (m *Motor) GetPositionMicrosteps(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdGetPositionMicrosteps)
}

// GetPositionSensor reads the encoder. The value is in sensor units.
func (m *Motor) GetPositionSensor(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdGetPositionSensor)
}

// GetVoltageSensor reads the supply voltage sensor, unscaled.
func (m *Motor) GetVoltageSensor(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdGetVoltageSensor)
}

// AutosetPosition starts the homing routine and returns its reply without
// waiting. Autoset also waits for the motor to settle.
func (m *Motor) AutosetPosition(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdAutosetPosition)
}

// GetStepMode returns microsteps per full step in "step_mode".
func (m *Motor) GetStepMode(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdGetStepMode)
}

// SetStepMode sets microsteps per full step.
func (m *Motor) SetStepMode(ctx context.Context, mode int) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdSetStepMode, "step_mode", mode)
}

// GetFullstepPerRev returns full steps per motor revolution in
// "fullstep_per_rev".
func (m *Motor) GetFullstepPerRev(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdGetFullstepPerRev)
}

// SetFullstepPerRev sets full steps per motor revolution.
func (m *Motor) SetFullstepPerRev(ctx context.Context, n int) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdSetFullstepPerRev, "fullstep_per_rev", n)
}

// GetJogModeParams returns the jog profile parameters in controller units.
func (m *Motor) GetJogModeParams(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdGetJogModeParams)
}

// SetJogModeParams sets the jog profile. Values are sent as given, with no
// gear ratio applied.
func (m *Motor) SetJogModeParams(ctx context.Context, p ParamSet) (protocol.Reply, error) {
	return m.router.Send(ctx, protocol.NewCommand(protocol.CmdSetJogModeParams).WithFields(p.fields()))
}

// GetMaxModeParams returns the max-speed profile parameters in controller
// units.
func (m *Motor) GetMaxModeParams(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdGetMaxModeParams)
}

// SetMaxModeParams sets the max-speed profile. Values are sent as given.
func (m *Motor) SetMaxModeParams(ctx context.Context, p ParamSet) (protocol.Reply, error) {
	return m.router.Send(ctx, protocol.NewCommand(protocol.CmdSetMaxModeParams).WithFields(p.fields()))
}

// GetKvalParams returns the drive voltage (KVAL) settings.
func (m *Motor) GetKvalParams(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdGetKvalParams)
}

// SetKvalParams sets the drive voltage (KVAL) settings.
func (m *Motor) SetKvalParams(ctx context.Context, p ParamSet) (protocol.Reply, error) {
	return m.router.Send(ctx, protocol.NewCommand(protocol.CmdSetKvalParams).WithFields(p.fields()))
}

// GetOCThreshold returns the over-current threshold in "threshold".
func (m *Motor) GetOCThreshold(ctx context.Context) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdGetOCThreshold)
}

// SetOCThreshold sets the over-current threshold.
func (m *Motor) SetOCThreshold(ctx context.Context, threshold float64) (protocol.Reply, error) {
	return m.send(ctx, protocol.CmdSetOCThreshold, "threshold", threshold)
}

// SinusoidParams describes an oscillation about Offset. Amplitude and Offset
// are in output-shaft units, Period in seconds and Phase in radians.
type SinusoidParams struct {
	Amplitude float64
	Period    float64
	Phase     float64
	Offset    float64
	NumCycle  int
}

// Sinusoid starts a sinusoidal motion and returns the controller's
// acknowledgement with amplitude and offset in output-shaft units. When the
// acknowledgement succeeds, handler receives each telemetry sample as the
// controller sent it, then one final call with a non-nil error. Ordinary
// commands are refused until the stream ends.
func (m *Motor) Sinusoid(ctx context.Context, p SinusoidParams, handler protocol.StreamHandler) (protocol.Reply, error) {
	cmd := protocol.NewCommand(protocol.CmdSinusoid).WithFields(map[string]any{
		"amplitude": m.toDevice(p.Amplitude),
		"period":    p.Period,
		"phase":     p.Phase,
		"offset":    m.toDevice(p.Offset),
		"num_cycle": p.NumCycle,
	})
	r, err := m.router.SendStream(ctx, cmd, handler)
	return m.fromDevice(r, "amplitude", "offset"), err
}
