// Package telemetry journals router traffic and summarises sinusoid
// sessions.
package telemetry

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/stepper/internal/db"
	"github.com/banshee-data/stepper/internal/monitoring"
	"github.com/banshee-data/stepper/internal/protocol"
	"github.com/banshee-data/stepper/internal/timeutil"
)

// End reasons stored on a finished session.
const (
	EndCompleted = "completed"
	EndRejected  = "rejected"
)

// Recorder writes every exchange and every stream sample to the journal.
// It is a protocol.Observer; journal failures are logged and never reach
// the caller of the command.
type Recorder struct {
	db    *db.DB
	clock timeutil.Clock

	mu      sync.Mutex
	session string
	seq     int
}

// NewRecorder returns a Recorder writing to d. A nil clock uses the wall
// clock.
func NewRecorder(d *db.DB, clock timeutil.Clock) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{db: d, clock: clock}
}

// Session returns the ID of the active session, or "" between streams.
func (r *Recorder) Session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Recorder) ObserveExchange(cmd protocol.Command, reply protocol.Reply, err error) {
	var (
		success   *bool
		replyText string
		errText   string
	)
	if err != nil {
		errText = err.Error()
	} else {
		ok := reply.Success()
		success = &ok
		if b, mErr := json.Marshal(reply); mErr == nil {
			replyText = string(b)
		}
	}

	if dbErr := r.db.RecordCommand(cmd.Name(), cmd.String(), success, replyText, errText, r.clock.Now()); dbErr != nil {
		monitoring.Logf("[telemetry] failed to record %s: %v", cmd.Name(), dbErr)
	}
}

func (r *Recorder) ObserveStreamStart(cmd protocol.Command) {
	id := uuid.NewString()

	r.mu.Lock()
	r.session = id
	r.seq = 0
	r.mu.Unlock()

	if err := r.db.StartSession(id, cmd.Name(), cmd.String(), r.clock.Now()); err != nil {
		monitoring.Logf("[telemetry] failed to start session %s: %v", id, err)
	}
}

func (r *Recorder) ObserveSample(sample protocol.Reply) {
	r.mu.Lock()
	id := r.session
	seq := r.seq
	r.seq++
	r.mu.Unlock()
	if id == "" {
		return
	}

	rec := db.SampleRecord{SessionID: id, Seq: seq, RecordedAt: r.clock.Now()}
	if b, err := json.Marshal(sample); err == nil {
		rec.Payload = string(b)
	}
	if t, ok := sample.Float("t"); ok {
		rec.T = &t
	}
	if p, ok := sample.Float("position"); ok {
		rec.Position = &p
	}
	if err := r.db.RecordSample(rec); err != nil {
		monitoring.Logf("[telemetry] failed to record sample %d of %s: %v", seq, id, err)
	}
}

func (r *Recorder) ObserveStreamEnd(err error) {
	r.mu.Lock()
	id := r.session
	r.session = ""
	r.mu.Unlock()
	if id == "" {
		return
	}
	if dbErr := r.db.EndSession(id, endReason(err), r.clock.Now()); dbErr != nil {
		monitoring.Logf("[telemetry] failed to end session %s: %v", id, dbErr)
	}
}

// endReason condenses the error a session ended with.
func endReason(err error) string {
	var cmdErr *protocol.CommandError
	switch {
	case err == nil, err == protocol.ErrStreamEnded:
		return EndCompleted
	case errors.As(err, &cmdErr):
		return EndRejected
	default:
		return err.Error()
	}
}
