// Package db is the sqlite telemetry journal: every command exchanged with
// the controller and every sample of every sinusoid stream.
package db

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

type DB struct {
	*sql.DB
	path string
}

// OpenDB opens (creating if needed) the journal at path and migrates it to
// the latest schema.
func OpenDB(path string) (*DB, error) {
	// pragmas in the DSN apply to every pooled connection
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// CommandRecord is one journaled command exchange.
type CommandRecord struct {
	ID         int64
	Name       string
	Payload    string
	Success    *bool
	Reply      string
	Error      string
	RecordedAt time.Time
}

// RecordCommand journals one exchange. success is nil when no reply arrived.
func (db *DB) RecordCommand(name, payload string, success *bool, reply, errText string, at time.Time) error {
	var ok sql.NullBool
	if success != nil {
		ok = sql.NullBool{Bool: *success, Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO commands (name, payload, success, reply, error, recorded_unix_nanos)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, payload, ok, nullString(reply), nullString(errText), at.UnixNano(),
	)
	return err
}

// RecentCommands returns up to limit exchanges, newest first.
func (db *DB) RecentCommands(limit int) ([]CommandRecord, error) {
	rows, err := db.Query(
		`SELECT command_id, name, payload, success, reply, error, recorded_unix_nanos
		 FROM commands ORDER BY command_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var (
			rec          CommandRecord
			ok           sql.NullBool
			reply, errTx sql.NullString
			nanos        int64
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Payload, &ok, &reply, &errTx, &nanos); err != nil {
			return nil, err
		}
		if ok.Valid {
			rec.Success = &ok.Bool
		}
		rec.Reply = reply.String
		rec.Error = errTx.String
		rec.RecordedAt = time.Unix(0, nanos)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Session is one journaled stream.
type Session struct {
	ID        string
	Command   string
	Payload   string
	StartedAt time.Time
	EndedAt   *time.Time
	EndReason string
}

// StartSession journals the start of a stream.
func (db *DB) StartSession(id, command, payload string, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO stream_sessions (session_id, command, payload, started_unix_nanos) VALUES (?, ?, ?, ?)`,
		id, command, payload, at.UnixNano())
	return err
}

// EndSession marks a stream finished.
func (db *DB) EndSession(id, reason string, at time.Time) error {
	res, err := db.Exec(
		`UPDATE stream_sessions SET ended_unix_nanos = ?, end_reason = ? WHERE session_id = ?`,
		at.UnixNano(), reason, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown session %q", id)
	}
	return nil
}

// LatestSession returns the most recently started stream, or nil if none.
func (db *DB) LatestSession() (*Session, error) {
	var (
		s     Session
		start int64
		end   sql.NullInt64
		rsn   sql.NullString
	)
	err := db.QueryRow(
		`SELECT session_id, command, payload, started_unix_nanos, ended_unix_nanos, end_reason
		 FROM stream_sessions ORDER BY started_unix_nanos DESC, rowid DESC LIMIT 1`,
	).Scan(&s.ID, &s.Command, &s.Payload, &start, &end, &rsn)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.StartedAt = time.Unix(0, start)
	if end.Valid {
		t := time.Unix(0, end.Int64)
		s.EndedAt = &t
	}
	s.EndReason = rsn.String
	return &s, nil
}

// SampleRecord is one journaled stream sample.
type SampleRecord struct {
	SessionID  string
	Seq        int
	Payload    string
	T          *float64
	Position   *float64
	RecordedAt time.Time
}

// RecordSample journals one sample of session id.
func (db *DB) RecordSample(s SampleRecord) error {
	_, err := db.Exec(
		`INSERT INTO stream_samples (session_id, seq, payload, t, position, recorded_unix_nanos)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.Seq, s.Payload, nullFloat(s.T), nullFloat(s.Position), s.RecordedAt.UnixNano())
	return err
}

// SessionSamples returns the samples of session id in sequence order.
func (db *DB) SessionSamples(id string) ([]SampleRecord, error) {
	rows, err := db.Query(
		`SELECT seq, payload, t, position, recorded_unix_nanos
		 FROM stream_samples WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SampleRecord
	for rows.Next() {
		var (
			rec    = SampleRecord{SessionID: id}
			t, pos sql.NullFloat64
			nanos  int64
		)
		if err := rows.Scan(&rec.Seq, &rec.Payload, &t, &pos, &nanos); err != nil {
			return nil, err
		}
		if t.Valid {
			rec.T = &t.Float64
		}
		if pos.Valid {
			rec.Position = &pos.Float64
		}
		rec.RecordedAt = time.Unix(0, nanos)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// AttachAdminRoutes mounts tailsql over the journal and a backup download.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Telemetry journal",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Download a consistent copy of the journal", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir, err := os.MkdirTemp("", "stepper-backup-")
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup dir: %v", err), http.StatusInternalServerError)
			return
		}
		defer os.RemoveAll(dir)

		name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		backupPath := filepath.Join(dir, name)
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeFile(w, r, backupPath)
	}))
}
