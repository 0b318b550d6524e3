// Package simulator is an in-process stand-in for the stepper controller
// firmware. A Controller speaks the line protocol over its Read/Write methods,
// so it can sit behind a SerialMux wherever a real serial port would.
package simulator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/stepper/internal/monitoring"
	"github.com/banshee-data/stepper/internal/protocol"
	"github.com/banshee-data/stepper/internal/serialmux"
	"github.com/banshee-data/stepper/internal/timeutil"
)

// Config controls the simulated motor.
type Config struct {
	// BusyPolls is how many is_busy polls report busy after a move.
	BusyPolls int
	// SamplesPerCycle is the number of telemetry samples per sinusoid period.
	SamplesPerCycle int
	// FullstepPerRev and StepMode are the power-on motor settings.
	FullstepPerRev int
	StepMode       int
	// Voltage is reported by get_voltage_sensor.
	Voltage float64
	// SampleInterval paces stream samples on Clock. Zero writes the whole
	// stream at once.
	SampleInterval time.Duration
	// HoldStream queues stream samples until Emit releases them.
	HoldStream bool
	// Clock drives SampleInterval pacing. Defaults to the real clock.
	Clock timeutil.Clock
}

// DefaultConfig returns the settings used by the dev driver.
func DefaultConfig() Config {
	return Config{
		BusyPolls:       3,
		SamplesPerCycle: 20,
		FullstepPerRev:  200,
		StepMode:        16,
		Voltage:         12.0,
	}
}

// Controller is a simulated stepper controller.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	cond     *sync.Cond
	out      bytes.Buffer
	in       bytes.Buffer
	closed   bool
	stream   []string
	streamID int

	micro          float64
	enabled        bool
	running        bool
	velocity       float64
	busyRemaining  int
	stepMode       int
	fullstepPerRev int
	maxMode        bool
	threshold      float64
	jogParams      map[string]float64
	maxParams      map[string]float64
	kvalParams     map[string]float64

	calls    map[string]int
	failures map[string]string
}

var _ serialmux.SerialPorter = (*Controller)(nil)

// New returns a controller at position zero. Zero-valued Config fields take
// their DefaultConfig values.
func New(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.BusyPolls < 0 {
		cfg.BusyPolls = 0
	}
	if cfg.SamplesPerCycle <= 0 {
		cfg.SamplesPerCycle = def.SamplesPerCycle
	}
	if cfg.FullstepPerRev <= 0 {
		cfg.FullstepPerRev = def.FullstepPerRev
	}
	if !validStepMode(cfg.StepMode) {
		cfg.StepMode = def.StepMode
	}
	if cfg.Voltage == 0 {
		cfg.Voltage = def.Voltage
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	c := &Controller{
		cfg:            cfg,
		stepMode:       cfg.StepMode,
		fullstepPerRev: cfg.FullstepPerRev,
		threshold:      1500,
		jogParams:      map[string]float64{"acc": 100, "dec": 100, "max_speed": 360, "min_speed": 0},
		maxParams:      map[string]float64{"acc": 1000, "dec": 1000, "max_speed": 1800, "min_speed": 0},
		kvalParams:     map[string]float64{"hold": 16, "run": 32, "acc": 32, "dec": 32},
		calls:          make(map[string]int),
		failures:       make(map[string]string),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Opener returns a port factory that always yields c.
func (c *Controller) Opener() serialmux.SerialPortOpener {
	return func(string, serialmux.PortOptions) (serialmux.SerialPorter, error) {
		return c, nil
	}
}

// Read returns reply and sample lines. It blocks until output is available
// and returns io.EOF once the controller is closed and drained.
func (c *Controller) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.out.Len() == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.out.Len() == 0 {
		return 0, io.EOF
	}
	return c.out.Read(p)
}

// Write accepts command bytes. Every complete line is executed immediately.
func (c *Controller) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	c.in.Write(p)
	for {
		line, err := c.in.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			c.in.Reset()
			c.in.WriteString(line)
			break
		}
		c.handleLocked(line)
	}
	return len(p), nil
}

// Close stops the controller and wakes blocked readers.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.streamID++
	c.cond.Broadcast()
	return nil
}

// FailNext makes the next call of cmd reply with success=false and msg.
func (c *Controller) FailNext(cmd, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[cmd] = msg
}

// Calls reports how many times cmd has been received.
func (c *Controller) Calls(cmd string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[cmd]
}

// Position returns the motor position in controller units (degrees).
func (c *Controller) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degreesLocked()
}

// Inject writes a raw line to the host, as line noise or a late reply would.
func (c *Controller) Inject(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeLocked(line)
}

// Emit releases up to n held stream lines and returns how many were written.
// The stream terminator counts as a line.
func (c *Controller) Emit(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitLocked(n)
}

// Queued reports how many stream lines are waiting to be written.
func (c *Controller) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stream)
}

func (c *Controller) emitLocked(n int) int {
	if n > len(c.stream) {
		n = len(c.stream)
	}
	for _, line := range c.stream[:n] {
		c.writeLocked(line)
	}
	c.stream = c.stream[n:]
	return n
}

func (c *Controller) writeLocked(line string) {
	c.out.WriteString(line)
	c.out.WriteByte('\n')
	c.cond.Broadcast()
}

func (c *Controller) replyLocked(r protocol.Reply) {
	b, err := json.Marshal(r)
	if err != nil {
		monitoring.Logf("[simulator] encode reply: %v", err)
		b = []byte(`{"success":false,"error":"internal error"}`)
	}
	c.writeLocked(string(b))
}

func (c *Controller) handleLocked(line string) {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		c.replyLocked(protocol.FailureReply("invalid command: " + err.Error()))
		return
	}
	name := cmd.Name()
	c.calls[name]++
	if msg, ok := c.failures[name]; ok {
		delete(c.failures, name)
		c.replyLocked(protocol.FailureReply(msg))
		return
	}
	if name == protocol.CmdSinusoid {
		c.sinusoidLocked(cmd)
		return
	}
	c.replyLocked(c.execLocked(cmd))
}

func (c *Controller) execLocked(cmd protocol.Command) protocol.Reply {
	switch cmd.Name() {
	case protocol.CmdEnable:
		c.enabled = true
	case protocol.CmdRelease:
		c.enabled = false
		c.running = false
	case protocol.CmdRun:
		v, ok := floatParam(cmd, "velocity")
		if !ok {
			return protocol.FailureReply("missing velocity")
		}
		c.velocity = v
		c.running = v != 0
	case protocol.CmdMoveTo:
		pos, ok := floatParam(cmd, "position")
		if !ok {
			return protocol.FailureReply("missing position")
		}
		c.moveLocked(c.degreesToMicro(pos))
	case protocol.CmdMoveToFullsteps:
		pos, ok := floatParam(cmd, "position")
		if !ok {
			return protocol.FailureReply("missing position")
		}
		c.moveLocked(math.Round(pos) * float64(c.stepMode))
	case protocol.CmdMoveToMicrosteps:
		pos, ok := floatParam(cmd, "position")
		if !ok {
			return protocol.FailureReply("missing position")
		}
		c.moveLocked(math.Round(pos))
	case protocol.CmdSoftStop, protocol.CmdHardStop:
		c.running = false
		c.busyRemaining = 0
	case protocol.CmdIsBusy:
		busy := c.running
		if c.busyRemaining > 0 {
			c.busyRemaining--
			busy = true
		}
		return protocol.SuccessReply(map[string]any{"busy": busy})
	case protocol.CmdSetMaxMode:
		c.maxMode = true
	case protocol.CmdSetJogMode:
		c.maxMode = false
	case protocol.CmdGetPosition:
		return protocol.SuccessReply(map[string]any{"position": c.degreesLocked()})
	case protocol.CmdSetPosition:
		pos, ok := floatParam(cmd, "position")
		if !ok {
			return protocol.FailureReply("missing position")
		}
		c.micro = c.degreesToMicro(pos)
	case protocol.CmdGetPositionFullsteps:
		return protocol.SuccessReply(map[string]any{"position": math.Floor(c.micro / float64(c.stepMode))})
	case protocol.CmdGetPositionMicrosteps:
		return protocol.SuccessReply(map[string]any{"position": c.micro})
	case protocol.CmdGetPositionSensor:
		return protocol.SuccessReply(map[string]any{"position": math.Mod(c.degreesLocked(), 360)})
	case protocol.CmdGetVoltageSensor:
		return protocol.SuccessReply(map[string]any{"voltage": c.cfg.Voltage})
	case protocol.CmdAutosetPosition:
		c.moveLocked(0)
	case protocol.CmdGetStepMode:
		return protocol.SuccessReply(map[string]any{"step_mode": c.stepMode})
	case protocol.CmdSetStepMode:
		v, ok := floatParam(cmd, "step_mode")
		if !ok || v != math.Trunc(v) || !validStepMode(int(v)) {
			return protocol.FailureReply("invalid step mode")
		}
		deg := c.degreesLocked()
		c.stepMode = int(v)
		c.micro = c.degreesToMicro(deg)
	case protocol.CmdGetFullstepPerRev:
		return protocol.SuccessReply(map[string]any{"fullstep_per_rev": c.fullstepPerRev})
	case protocol.CmdSetFullstepPerRev:
		v, ok := floatParam(cmd, "fullstep_per_rev")
		if !ok || v <= 0 || v != math.Trunc(v) {
			return protocol.FailureReply("invalid fullstep_per_rev")
		}
		deg := c.degreesLocked()
		c.fullstepPerRev = int(v)
		c.micro = c.degreesToMicro(deg)
	case protocol.CmdGetJogModeParams:
		return paramsReply(c.jogParams)
	case protocol.CmdSetJogModeParams:
		return setParams(cmd, c.jogParams)
	case protocol.CmdGetMaxModeParams:
		return paramsReply(c.maxParams)
	case protocol.CmdSetMaxModeParams:
		return setParams(cmd, c.maxParams)
	case protocol.CmdGetKvalParams:
		return paramsReply(c.kvalParams)
	case protocol.CmdSetKvalParams:
		return setParams(cmd, c.kvalParams)
	case protocol.CmdGetOCThreshold:
		return protocol.SuccessReply(map[string]any{"threshold": c.threshold})
	case protocol.CmdSetOCThreshold:
		v, ok := floatParam(cmd, "threshold")
		if !ok || v <= 0 {
			return protocol.FailureReply("invalid threshold")
		}
		c.threshold = v
	default:
		return protocol.FailureReply(fmt.Sprintf("unknown command %q", cmd.Name()))
	}
	return protocol.SuccessReply(nil)
}

func (c *Controller) moveLocked(micro float64) {
	c.micro = micro
	c.running = false
	c.busyRemaining = c.cfg.BusyPolls
}

// sinusoidLocked writes the acknowledgement and queues the telemetry stream
// behind it.
func (c *Controller) sinusoidLocked(cmd protocol.Command) {
	amplitude, _ := floatParam(cmd, "amplitude")
	period, ok := floatParam(cmd, "period")
	if !ok || period <= 0 {
		c.replyLocked(protocol.FailureReply("invalid period"))
		return
	}
	cycles, ok := floatParam(cmd, "num_cycle")
	if !ok || cycles <= 0 || cycles != math.Trunc(cycles) {
		c.replyLocked(protocol.FailureReply("invalid num_cycle"))
		return
	}
	phase, _ := floatParam(cmd, "phase")
	offset, _ := floatParam(cmd, "offset")

	n := int(cycles) * c.cfg.SamplesPerCycle
	dt := period / float64(c.cfg.SamplesPerCycle)
	lines := make([]string, 0, n+1)
	var pos float64
	for i := 1; i <= n; i++ {
		t := float64(i) * dt
		pos = offset + amplitude*math.Sin(2*math.Pi*t/period+phase)
		b, _ := json.Marshal(protocol.SuccessReply(map[string]any{"t": t, "position": pos}))
		lines = append(lines, string(b))
	}
	lines = append(lines, "{}")
	if n > 0 {
		c.micro = c.degreesToMicro(pos)
	}

	ack := protocol.SuccessReply(map[string]any{
		"amplitude": amplitude,
		"offset":    offset,
		"period":    period,
		"num_cycle": int(cycles),
	})
	c.replyLocked(ack)
	c.stream = append(c.stream[:0], lines...)
	c.streamID++
	switch {
	case c.cfg.HoldStream:
	case c.cfg.SampleInterval <= 0:
		c.emitLocked(len(c.stream))
	default:
		go c.pace(c.streamID)
	}
}

// pace writes one queued stream line per SampleInterval until the stream is
// drained, superseded or the controller closes.
func (c *Controller) pace(id int) {
	ticker := c.cfg.Clock.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()
	for range ticker.C() {
		c.mu.Lock()
		if c.streamID != id || c.closed {
			c.mu.Unlock()
			return
		}
		c.emitLocked(1)
		done := len(c.stream) == 0
		c.mu.Unlock()
		if done {
			return
		}
	}
}

func (c *Controller) degreesLocked() float64 {
	return c.micro * 360 / float64(c.fullstepPerRev*c.stepMode)
}

func (c *Controller) degreesToMicro(deg float64) float64 {
	return math.Round(deg * float64(c.fullstepPerRev*c.stepMode) / 360)
}

func validStepMode(v int) bool {
	return v > 0 && v <= 128 && v&(v-1) == 0
}

func floatParam(cmd protocol.Command, key string) (float64, bool) {
	v, ok := cmd.Param(key)
	if !ok {
		return 0, false
	}
	return protocol.Reply{key: v}.Float(key)
}

func paramsReply(params map[string]float64) protocol.Reply {
	fields := make(map[string]any, len(params))
	for k, v := range params {
		fields[k] = v
	}
	return protocol.SuccessReply(fields)
}

func setParams(cmd protocol.Command, params map[string]float64) protocol.Reply {
	updates := make(map[string]float64)
	for _, k := range cmd.Keys() {
		if _, known := params[k]; !known {
			return protocol.FailureReply(fmt.Sprintf("unknown parameter %q", k))
		}
		v, ok := floatParam(cmd, k)
		if !ok || v < 0 {
			return protocol.FailureReply(fmt.Sprintf("invalid %s", k))
		}
		updates[k] = v
	}
	maps.Copy(params, updates)
	return protocol.SuccessReply(nil)
}

// State is a snapshot of the simulated motor.
type State struct {
	Enabled  bool
	Running  bool
	MaxMode  bool
	Velocity float64
	Position float64
}

// Snapshot returns the current motor state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Enabled:  c.enabled,
		Running:  c.running,
		MaxMode:  c.maxMode,
		Velocity: c.velocity,
		Position: c.degreesLocked(),
	}
}
