package stepper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/stepper/internal/httputil"
	"github.com/banshee-data/stepper/internal/protocol"
)

// commandTimeout bounds a console command sent through /debug/command.
const commandTimeout = 5 * time.Second

// Status is the motor snapshot served on /debug/motor.
type Status struct {
	GearRatio    float64 `json:"gear_ratio"`
	PollInterval string  `json:"poll_interval"`
	Streaming    bool    `json:"streaming"`
	Pending      string  `json:"pending,omitempty"`
	BusyState    string  `json:"busy_state"`
}

// Status returns a snapshot of the motor.
func (m *Motor) Status() Status {
	pending, _ := m.router.Pending()
	return Status{
		GearRatio:    m.gearRatio,
		PollInterval: m.pollInterval.String(),
		Streaming:    m.router.Streaming(),
		Pending:      pending,
		BusyState:    m.BusyState().String(),
	}
}

// AttachAdminRoutes mounts the motor state and a command console under
// /debug/. Console commands go through the router, so they obey the same
// one-at-a-time rule as library calls, and are sent in motor units with no
// gear ratio applied.
func (m *Motor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Motor", func() any {
		s := m.Status()
		return fmt.Sprintf("gear %g, streaming %t, last wait %s", s.GearRatio, s.Streaming, s.BusyState)
	})

	debug.HandleFunc("motor", "motor state as JSON", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, m.Status())
	})

	// POST one JSON command line; the reply is returned as JSON.
	debug.HandleSilentFunc("command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
		if err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		cmd, err := protocol.ParseCommand(strings.TrimSpace(string(body)))
		if err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid command: %v", err))
			return
		}
		if cmd.Name() == protocol.CmdSinusoid {
			httputil.WriteJSONError(w, http.StatusBadRequest, "streaming commands are not supported from the console")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		defer cancel()
		reply, err := m.router.Send(ctx, cmd)
		if err != nil {
			httputil.WriteJSONError(w, statusForError(err), err.Error())
			return
		}
		httputil.WriteJSONOK(w, reply)
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, protocol.ErrProtocolViolation):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrMalformedReply):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}
