package stepper

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/banshee-data/stepper/internal/protocol"
)

// Parameter group names, in the order SetParams applies them and GetParams
// reads them.
const (
	ParamFullstepPerRev = "fullstepPerRev"
	ParamStepMode       = "stepMode"
	ParamThreshold      = "threshold"
	ParamJogMode        = "jogMode"
	ParamMaxMode        = "maxMode"
	ParamKval           = "kval"
)

// ParamNames lists the parameter groups in application order.
func ParamNames() []string {
	names := make([]string, len(paramTable))
	for i, p := range paramTable {
		names[i] = p.name
	}
	return names
}

// ParamSet holds the fields of one controller parameter group, keyed by the
// controller's field names (for example "acc" or "hold").
type ParamSet map[string]float64

func (p ParamSet) fields() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Params is a partial configuration. Nil fields are left untouched by
// SetParams.
type Params struct {
	FullstepPerRev *int     `json:"fullstepPerRev,omitempty"`
	StepMode       *int     `json:"stepMode,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
	JogMode        ParamSet `json:"jogMode,omitempty"`
	MaxMode        ParamSet `json:"maxMode,omitempty"`
	Kval           ParamSet `json:"kval,omitempty"`
}

// ParamsReport maps each parameter group name to its getter's reply.
type ParamsReport map[string]protocol.Reply

// paramEntry binds one parameter group to its getter and setter.
type paramEntry struct {
	name    string
	get     string
	present func(Params) bool
	set     func(context.Context, *Motor, Params) (protocol.Reply, error)
}

var paramTable = []paramEntry{
	{
		name:    ParamFullstepPerRev,
		get:     protocol.CmdGetFullstepPerRev,
		present: func(p Params) bool { return p.FullstepPerRev != nil },
		set: func(ctx context.Context, m *Motor, p Params) (protocol.Reply, error) {
			return m.SetFullstepPerRev(ctx, *p.FullstepPerRev)
		},
	},
	{
		name:    ParamStepMode,
		get:     protocol.CmdGetStepMode,
		present: func(p Params) bool { return p.StepMode != nil },
		set: func(ctx context.Context, m *Motor, p Params) (protocol.Reply, error) {
			return m.SetStepMode(ctx, *p.StepMode)
		},
	},
	{
		name:    ParamThreshold,
		get:     protocol.CmdGetOCThreshold,
		present: func(p Params) bool { return p.Threshold != nil },
		set: func(ctx context.Context, m *Motor, p Params) (protocol.Reply, error) {
			return m.SetOCThreshold(ctx, *p.Threshold)
		},
	},
	{
		name:    ParamJogMode,
		get:     protocol.CmdGetJogModeParams,
		present: func(p Params) bool { return len(p.JogMode) > 0 },
		set: func(ctx context.Context, m *Motor, p Params) (protocol.Reply, error) {
			return m.SetJogModeParams(ctx, p.JogMode)
		},
	},
	{
		name:    ParamMaxMode,
		get:     protocol.CmdGetMaxModeParams,
		present: func(p Params) bool { return len(p.MaxMode) > 0 },
		set: func(ctx context.Context, m *Motor, p Params) (protocol.Reply, error) {
			return m.SetMaxModeParams(ctx, p.MaxMode)
		},
	},
	{
		name:    ParamKval,
		get:     protocol.CmdGetKvalParams,
		present: func(p Params) bool { return len(p.Kval) > 0 },
		set: func(ctx context.Context, m *Motor, p Params) (protocol.Reply, error) {
			return m.SetKvalParams(ctx, p.Kval)
		},
	},
}

// SetParams applies the present fields of p in ParamNames order. The first
// unsuccessful reply is returned as is and no later group is written. On
// success the reply lists the applied groups under "applied".
func (m *Motor) SetParams(ctx context.Context, p Params) (protocol.Reply, error) {
	applied := []string{}
	for _, e := range paramTable {
		if !e.present(p) {
			continue
		}
		r, err := e.set(ctx, m, p)
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", e.name, err)
		}
		if !r.Success() {
			return r, nil
		}
		applied = append(applied, e.name)
	}
	return protocol.SuccessReply(map[string]any{"applied": applied}), nil
}

// GetParams reads every parameter group. All six getters are always sent; a
// getter that fails with an error is reported in its slot as an unsuccessful
// reply and in the joined error.
func (m *Motor) GetParams(ctx context.Context) (ParamsReport, error) {
	report := make(ParamsReport, len(paramTable))
	var errs []error
	for _, e := range paramTable {
		r, err := m.send(ctx, e.get)
		if err != nil {
			errs = append(errs, fmt.Errorf("get %s: %w", e.name, err))
			r = protocol.FailureReply(err.Error())
		}
		report[e.name] = r
	}
	return report, errors.Join(errs...)
}

// Fields returns the reply fields of group name without the success flag.
func (r ParamsReport) Fields(name string) map[string]any {
	reply, ok := r[name]
	if !ok {
		return nil
	}
	out := maps.Clone(map[string]any(reply))
	delete(out, "success")
	return out
}
