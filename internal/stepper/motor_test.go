package stepper

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stepper/internal/protocol"
	"github.com/banshee-data/stepper/internal/serialmux"
	"github.com/banshee-data/stepper/internal/simulator"
)

// newSimMotor connects a Motor to a simulated controller through a SerialMux.
func newSimMotor(t *testing.T, cfg simulator.Config, opts ...Option) (*Motor, *simulator.Controller) {
	t.Helper()
	ctrl := simulator.New(cfg)
	mux := serialmux.NewSerialMux(ctrl)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := Connect(ctx, mux, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, ctrl
}

// sampleSink collects stream handler calls.
type sampleSink struct {
	mu      sync.Mutex
	samples []protocol.Reply
	final   error
	calls   int
	ended   chan struct{}
}

func newSampleSink() *sampleSink {
	return &sampleSink{ended: make(chan struct{})}
}

func (s *sampleSink) handle(sample protocol.Reply, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err != nil {
		s.final = err
		close(s.ended)
		return
	}
	s.samples = append(s.samples, sample)
}

func (s *sampleSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
}

func (s *sampleSink) snapshot() ([]protocol.Reply, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Reply(nil), s.samples...), s.calls, s.final
}

func TestWithGearRatio_RejectsZero(t *testing.T) {
	_, err := New(protocol.NewRouter(nil), WithGearRatio(0))
	require.Error(t, err)

	_, err = New(protocol.NewRouter(nil), WithPollInterval(0))
	require.Error(t, err)

	m, err := New(protocol.NewRouter(nil))
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.GearRatio())
	assert.Equal(t, DefaultPollInterval, m.pollInterval)
}

func TestMotor_GearRatioRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, ctrl := newSimMotor(t, simulator.Config{}, WithGearRatio(2.5))

	r, err := m.MoveTo(ctx, 36)
	require.NoError(t, err)
	require.True(t, r.Success())
	assert.InDelta(t, 90, ctrl.Position(), 1e-9, "controller sees motor units")

	r, err = m.GetPosition(ctx)
	require.NoError(t, err)
	pos, ok := r.Float("position")
	require.True(t, ok)
	assert.InDelta(t, 36, pos, 1e-9, "caller sees output-shaft units")

	_, err = m.SetPosition(ctx, 10)
	require.NoError(t, err)
	assert.InDelta(t, 25, ctrl.Position(), 0.2)
	r, err = m.GetPosition(ctx)
	require.NoError(t, err)
	pos, _ = r.Float("position")
	assert.InDelta(t, 10, pos, 0.1)

	_, err = m.Run(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 10.0, ctrl.Snapshot().Velocity)
}

func TestMotor_StepCountsAreNotScaled(t *testing.T) {
	ctx := context.Background()
	m, ctrl := newSimMotor(t, simulator.Config{}, WithGearRatio(4))

	_, err := m.MoveToFullsteps(ctx, 50)
	require.NoError(t, err)
	assert.InDelta(t, 90, ctrl.Position(), 1e-9)

	r, err := m.GetPositionMicrosteps(ctx)
	require.NoError(t, err)
	micro, _ := r.Float("position")
	assert.Equal(t, 800.0, micro)

	_, err = m.MoveToMicrosteps(ctx, 1600)
	require.NoError(t, err)
	r, err = m.GetPositionFullsteps(ctx)
	require.NoError(t, err)
	full, _ := r.Float("position")
	assert.Equal(t, 100.0, full)
}

func TestMotor_ProfileParamsAreNotScaled(t *testing.T) {
	ctx := context.Background()
	m, _ := newSimMotor(t, simulator.Config{}, WithGearRatio(3))

	r, err := m.SetJogModeParams(ctx, ParamSet{"max_speed": 120})
	require.NoError(t, err)
	require.True(t, r.Success())
	r, err = m.GetJogModeParams(ctx)
	require.NoError(t, err)
	speed, ok := r.Float("max_speed")
	require.True(t, ok)
	assert.Equal(t, 120.0, speed)

	r, err = m.SetMaxModeParams(ctx, ParamSet{"acc": 40})
	require.NoError(t, err)
	require.True(t, r.Success())
	r, err = m.GetMaxModeParams(ctx)
	require.NoError(t, err)
	acc, _ := r.Float("acc")
	assert.Equal(t, 40.0, acc)
}

func TestMotor_CommandFailureIsAValue(t *testing.T) {
	m, ctrl := newSimMotor(t, simulator.Config{})
	ctrl.FailNext(protocol.CmdEnable, "driver fault")

	r, err := m.Enable(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Success())
	var cmdErr *protocol.CommandError
	require.ErrorAs(t, r.Err(), &cmdErr)
	assert.Equal(t, "driver fault", cmdErr.Message)
}

func TestMotor_Catalogue(t *testing.T) {
	ctx := context.Background()
	m, ctrl := newSimMotor(t, simulator.Config{})

	calls := []struct {
		name string
		call func() (protocol.Reply, error)
	}{
		{protocol.CmdEnable, func() (protocol.Reply, error) { return m.Enable(ctx) }},
		{protocol.CmdSetMaxMode, func() (protocol.Reply, error) { return m.SetMaxMode(ctx) }},
		{protocol.CmdSetJogMode, func() (protocol.Reply, error) { return m.SetJogMode(ctx) }},
		{protocol.CmdSoftStop, func() (protocol.Reply, error) { return m.SoftStop(ctx) }},
		{protocol.CmdHardStop, func() (protocol.Reply, error) { return m.HardStop(ctx) }},
		{protocol.CmdIsBusy, func() (protocol.Reply, error) { return m.IsBusy(ctx) }},
		{protocol.CmdGetPositionSensor, func() (protocol.Reply, error) { return m.GetPositionSensor(ctx) }},
		{protocol.CmdGetVoltageSensor, func() (protocol.Reply, error) { return m.GetVoltageSensor(ctx) }},
		{protocol.CmdGetStepMode, func() (protocol.Reply, error) { return m.GetStepMode(ctx) }},
		{protocol.CmdGetFullstepPerRev, func() (protocol.Reply, error) { return m.GetFullstepPerRev(ctx) }},
		{protocol.CmdGetJogModeParams, func() (protocol.Reply, error) { return m.GetJogModeParams(ctx) }},
		{protocol.CmdSetJogModeParams, func() (protocol.Reply, error) { return m.SetJogModeParams(ctx, ParamSet{"acc": 50}) }},
		{protocol.CmdGetMaxModeParams, func() (protocol.Reply, error) { return m.GetMaxModeParams(ctx) }},
		{protocol.CmdSetMaxModeParams, func() (protocol.Reply, error) { return m.SetMaxModeParams(ctx, ParamSet{"max_speed": 900}) }},
		{protocol.CmdGetKvalParams, func() (protocol.Reply, error) { return m.GetKvalParams(ctx) }},
		{protocol.CmdGetOCThreshold, func() (protocol.Reply, error) { return m.GetOCThreshold(ctx) }},
		{protocol.CmdRelease, func() (protocol.Reply, error) { return m.Release(ctx) }},
	}
	for _, c := range calls {
		t.Run(c.name, func(t *testing.T) {
			r, err := c.call()
			require.NoError(t, err)
			assert.True(t, r.Success())
			assert.Equal(t, 1, ctrl.Calls(c.name))
		})
	}

	r, err := m.GetMaxModeParams(ctx)
	require.NoError(t, err)
	speed, _ := r.Float("max_speed")
	assert.Equal(t, 900.0, speed)
}

func TestMotor_SinusoidStream(t *testing.T) {
	ctx := context.Background()
	m, _ := newSimMotor(t, simulator.Config{SamplesPerCycle: 4}, WithGearRatio(2))
	sink := newSampleSink()

	ack, err := m.Sinusoid(ctx, SinusoidParams{Amplitude: 5, Period: 1, Offset: 1, NumCycle: 2}, sink.handle)
	require.NoError(t, err)
	require.True(t, ack.Success())
	amp, _ := ack.Float("amplitude")
	off, _ := ack.Float("offset")
	assert.Equal(t, 5.0, amp, "ack is rescaled")
	assert.Equal(t, 1.0, off)

	sink.wait(t)
	samples, calls, final := sink.snapshot()
	assert.ErrorIs(t, final, protocol.ErrStreamEnded)
	assert.Len(t, samples, 8)
	assert.Equal(t, 9, calls)

	// samples arrive as the controller sent them, in motor units
	var peak float64
	for _, s := range samples {
		p, _ := s.Float("position")
		peak = max(peak, p)
	}
	assert.InDelta(t, 12, peak, 1e-9)

	require.Eventually(t, func() bool { return !m.Streaming() }, time.Second, time.Millisecond)
	r, err := m.GetVoltageSensor(ctx)
	require.NoError(t, err)
	assert.True(t, r.Success())
}

func TestMotor_SinusoidRejectedAckOpensNoStream(t *testing.T) {
	m, _ := newSimMotor(t, simulator.Config{})
	sink := newSampleSink()

	ack, err := m.Sinusoid(context.Background(), SinusoidParams{Amplitude: 1, Period: 0, NumCycle: 1}, sink.handle)
	require.NoError(t, err)
	assert.False(t, ack.Success())
	assert.False(t, m.Streaming())
	_, calls, _ := sink.snapshot()
	assert.Zero(t, calls)
}

func TestMotor_CommandsRefusedWhileStreaming(t *testing.T) {
	ctx := context.Background()
	m, ctrl := newSimMotor(t, simulator.Config{HoldStream: true})
	sink := newSampleSink()

	_, err := m.Sinusoid(ctx, SinusoidParams{Amplitude: 1, Period: 1, NumCycle: 1}, sink.handle)
	require.NoError(t, err)
	require.True(t, m.Streaming())

	_, err = m.GetPosition(ctx)
	require.ErrorIs(t, err, protocol.ErrProtocolViolation)
	assert.Zero(t, ctrl.Calls(protocol.CmdGetPosition))

	assert.True(t, m.EndStream())
	sink.wait(t)
	_, _, final := sink.snapshot()
	assert.ErrorIs(t, final, protocol.ErrStreamEnded)
}

func TestConnect_DisconnectFailsCommands(t *testing.T) {
	ctrl := simulator.New(simulator.Config{})
	mux := serialmux.NewSerialMux(ctrl)
	gone := make(chan error, 1)

	m, err := Connect(context.Background(), mux, WithDisconnectHandler(func(err error) { gone <- err }))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, ctrl.Close())
	select {
	case err := <-gone:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}

	_, err = m.Enable(context.Background())
	assert.ErrorIs(t, err, protocol.ErrTransport)
}

func TestMotor_CloseReportsClosed(t *testing.T) {
	ctrl := simulator.New(simulator.Config{})
	gone := make(chan error, 1)
	m, err := Connect(context.Background(), serialmux.NewSerialMux(ctrl), WithDisconnectHandler(func(err error) { gone <- err }))
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.ErrorIs(t, <-gone, protocol.ErrClosed)

	_, err = m.Enable(context.Background())
	assert.ErrorIs(t, err, protocol.ErrTransport)
	assert.ErrorIs(t, err, protocol.ErrClosed)
}

// stalledTransport never becomes ready.
type stalledTransport struct {
	ready  chan struct{}
	closed chan struct{}
	once   sync.Once
}

func (s *stalledTransport) SendCommand(string) error     { return nil }
func (s *stalledTransport) SetLineHandler(func(string)) {}
func (s *stalledTransport) Ready() <-chan struct{}      { return s.ready }
func (s *stalledTransport) Monitor(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return nil
	}
}
func (s *stalledTransport) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestConnect_ContextDeadline(t *testing.T) {
	tr := &stalledTransport{ready: make(chan struct{}), closed: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Connect(ctx, tr)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	select {
	case <-tr.closed:
	default:
		t.Fatal("transport not closed")
	}
}

func TestConnect_InvalidOption(t *testing.T) {
	_, err := Connect(context.Background(), &stalledTransport{}, WithGearRatio(0))
	require.Error(t, err)
	assert.False(t, errors.Is(err, protocol.ErrTransport))
}
