// Package protocol implements the line-oriented JSON command protocol spoken by
// the stepper controller: command encoding, reply parsing, and the Router that
// correlates replies and telemetry samples arriving on one shared transport.
package protocol

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
)

// Command names understood by the controller firmware.
const (
	CmdEnable                = "enable"
	CmdRelease               = "release"
	CmdRun                   = "run"
	CmdSinusoid              = "sinusoid"
	CmdMoveTo                = "move_to"
	CmdMoveToFullsteps       = "move_to_fullsteps"
	CmdMoveToMicrosteps      = "move_to_microsteps"
	CmdSoftStop              = "soft_stop"
	CmdHardStop              = "hard_stop"
	CmdIsBusy                = "is_busy"
	CmdSetMaxMode            = "set_max_mode"
	CmdSetJogMode            = "set_jog_mode"
	CmdGetPosition           = "get_position"
	CmdSetPosition           = "set_position"
	CmdGetPositionFullsteps  = "get_position_fullsteps"
	CmdGetPositionMicrosteps = "get_position_microsteps"
	CmdGetPositionSensor     = "get_position_sensor"
	CmdGetVoltageSensor      = "get_voltage_sensor"
	CmdAutosetPosition       = "autoset_position"
	CmdGetStepMode           = "get_step_mode"
	CmdSetStepMode           = "set_step_mode"
	CmdGetFullstepPerRev     = "get_fullstep_per_rev"
	CmdSetFullstepPerRev     = "set_fullstep_per_rev"
	CmdGetJogModeParams      = "get_jog_mode_params"
	CmdSetJogModeParams      = "set_jog_mode_params"
	CmdGetMaxModeParams      = "get_max_mode_params"
	CmdSetMaxModeParams      = "set_max_mode_params"
	CmdGetKvalParams         = "get_kval_params"
	CmdSetKvalParams         = "set_kval_params"
	CmdGetOCThreshold        = "get_oc_threshold"
	CmdSetOCThreshold        = "set_oc_threshold"
)

// commandKey is the field that carries the command name on the wire.
const commandKey = "command"

// Command is a single request to the controller. The zero value is not
// useful; build commands with NewCommand. Commands are immutable: With
// returns a modified copy.
type Command struct {
	name   string
	params map[string]any
}

// NewCommand returns a command with the given name and no parameters.
func NewCommand(name string) Command {
	return Command{name: name}
}

// Name returns the command name.
func (c Command) Name() string { return c.name }

// With returns a copy of c with key set to value.
func (c Command) With(key string, value any) Command {
	params := make(map[string]any, len(c.params)+1)
	maps.Copy(params, c.params)
	params[key] = value
	return Command{name: c.name, params: params}
}

// WithFields returns a copy of c with every entry of fields added.
func (c Command) WithFields(fields map[string]any) Command {
	params := make(map[string]any, len(c.params)+len(fields))
	maps.Copy(params, c.params)
	maps.Copy(params, fields)
	return Command{name: c.name, params: params}
}

// Param returns the value of a parameter.
func (c Command) Param(key string) (any, bool) {
	v, ok := c.params[key]
	return v, ok
}

// Keys returns the parameter names in sorted order.
func (c Command) Keys() []string {
	keys := make([]string, 0, len(c.params))
	for k := range c.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON encodes the command as a flat object with the name under
// "command". A parameter named "command" is rejected.
func (c Command) MarshalJSON() ([]byte, error) {
	if _, clash := c.params[commandKey]; clash {
		return nil, fmt.Errorf("command %q: parameter %q is reserved", c.name, commandKey)
	}
	obj := make(map[string]any, len(c.params)+1)
	maps.Copy(obj, c.params)
	obj[commandKey] = c.name
	return json.Marshal(obj)
}

// Line returns the wire representation of the command without the trailing
// newline; the transport appends it.
func (c Command) Line() (string, error) {
	if c.name == "" {
		return "", fmt.Errorf("command has no name")
	}
	b, err := c.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseCommand decodes a wire line back into a Command. It is used by the
// simulator and by the admin console.
func ParseCommand(line string) (Command, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return Command{}, fmt.Errorf("invalid command JSON: %w", err)
	}
	name, ok := obj[commandKey].(string)
	if !ok || name == "" {
		return Command{}, fmt.Errorf("missing %q field", commandKey)
	}
	delete(obj, commandKey)
	if len(obj) == 0 {
		return NewCommand(name), nil
	}
	return Command{name: name, params: obj}, nil
}

func (c Command) String() string {
	line, err := c.Line()
	if err != nil {
		return c.name
	}
	return line
}
