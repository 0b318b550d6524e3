package stepper

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stepper/internal/protocol"
	"github.com/banshee-data/stepper/internal/simulator"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestParamNames_Order(t *testing.T) {
	want := []string{"fullstepPerRev", "stepMode", "threshold", "jogMode", "maxMode", "kval"}
	if diff := cmp.Diff(want, ParamNames()); diff != "" {
		t.Errorf("param order mismatch (-want +got):\n%s", diff)
	}
}

func TestSetParams_ShortCircuits(t *testing.T) {
	m, ctrl := newSimMotor(t, simulator.Config{})

	r, err := m.SetParams(context.Background(), Params{
		FullstepPerRev: intPtr(200),
		StepMode:       intPtr(3),
		Threshold:      floatPtr(900),
		Kval:           ParamSet{"hold": 8},
	})
	require.NoError(t, err)
	assert.False(t, r.Success())
	msg, _ := r.Text("error")
	assert.Equal(t, "invalid step mode", msg)

	assert.Equal(t, 1, ctrl.Calls(protocol.CmdSetFullstepPerRev))
	assert.Equal(t, 1, ctrl.Calls(protocol.CmdSetStepMode))
	assert.Zero(t, ctrl.Calls(protocol.CmdSetOCThreshold))
	assert.Zero(t, ctrl.Calls(protocol.CmdSetKvalParams))
}

func TestSetParams_SkipsAbsentFields(t *testing.T) {
	m, ctrl := newSimMotor(t, simulator.Config{})

	r, err := m.SetParams(context.Background(), Params{
		Threshold: floatPtr(1200),
		Kval:      ParamSet{"hold": 8, "run": 40},
	})
	require.NoError(t, err)
	require.True(t, r.Success())
	assert.Equal(t, []string{ParamThreshold, ParamKval}, r["applied"])

	assert.Zero(t, ctrl.Calls(protocol.CmdSetFullstepPerRev))
	assert.Zero(t, ctrl.Calls(protocol.CmdSetStepMode))
	assert.Zero(t, ctrl.Calls(protocol.CmdSetJogModeParams))
	assert.Zero(t, ctrl.Calls(protocol.CmdSetMaxModeParams))
	assert.Equal(t, 1, ctrl.Calls(protocol.CmdSetOCThreshold))
	assert.Equal(t, 1, ctrl.Calls(protocol.CmdSetKvalParams))

	empty, err := m.SetParams(context.Background(), Params{})
	require.NoError(t, err)
	assert.True(t, empty.Success())
}

func TestGetParams_IsTotal(t *testing.T) {
	m, ctrl := newSimMotor(t, simulator.Config{})
	ctrl.FailNext(protocol.CmdGetFullstepPerRev, "eeprom busy")

	report, err := m.GetParams(context.Background())
	require.NoError(t, err)
	require.Len(t, report, 6)
	for _, name := range ParamNames() {
		assert.Contains(t, report, name)
	}
	assert.False(t, report[ParamFullstepPerRev].Success())
	assert.True(t, report[ParamKval].Success())

	for _, cmd := range []string{
		protocol.CmdGetFullstepPerRev, protocol.CmdGetStepMode, protocol.CmdGetOCThreshold,
		protocol.CmdGetJogModeParams, protocol.CmdGetMaxModeParams, protocol.CmdGetKvalParams,
	} {
		assert.Equal(t, 1, ctrl.Calls(cmd), cmd)
	}

	want := map[string]any{"hold": 16.0, "run": 32.0, "acc": 32.0, "dec": 32.0}
	if diff := cmp.Diff(want, report.Fields(ParamKval)); diff != "" {
		t.Errorf("kval mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, report.Fields("missing"))
}

func TestGetParams_TransportErrorFillsEverySlot(t *testing.T) {
	m, _ := newSimMotor(t, simulator.Config{})
	require.NoError(t, m.Close())

	report, err := m.GetParams(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrTransport)
	require.Len(t, report, 6)
	for name, r := range report {
		assert.False(t, r.Success(), name)
	}
}

func TestSetThenGetParams(t *testing.T) {
	ctx := context.Background()
	m, _ := newSimMotor(t, simulator.Config{})

	r, err := m.SetParams(ctx, Params{
		FullstepPerRev: intPtr(400),
		StepMode:       intPtr(32),
		JogMode:        ParamSet{"max_speed": 90},
		MaxMode:        ParamSet{"acc": 500},
	})
	require.NoError(t, err)
	require.True(t, r.Success())

	report, err := m.GetParams(ctx)
	require.NoError(t, err)
	fs, _ := report[ParamFullstepPerRev].Float("fullstep_per_rev")
	assert.Equal(t, 400.0, fs)
	mode, _ := report[ParamStepMode].Float("step_mode")
	assert.Equal(t, 32.0, mode)
	speed, _ := report[ParamJogMode].Float("max_speed")
	assert.Equal(t, 90.0, speed)
	acc, _ := report[ParamMaxMode].Float("acc")
	assert.Equal(t, 500.0, acc)
}
