package db

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stepper/internal/testutil"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(testutil.TempDBPath(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr[T any](v T) *T { return &v }

func TestOpenDB_MigratesToLatest(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(LatestVersion), version)
	assert.False(t, dirty)

	// reopening an up-to-date journal is a no-op
	require.NoError(t, db.MigrateUp())
}

func TestMigrateDownThenUp(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(LatestVersion-1), version)

	require.NoError(t, db.MigrateUp())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(LatestVersion), version)
}

func TestCommands_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	at := time.Unix(1700000000, 0)

	require.NoError(t, db.RecordCommand("enable", `{"command":"enable"}`, ptr(true), `{"success":true}`, "", at))
	require.NoError(t, db.RecordCommand("move_to", `{"command":"move_to","position":90}`, ptr(false), `{"success":false,"message":"disabled"}`, "", at.Add(time.Second)))
	require.NoError(t, db.RecordCommand("get_position", `{"command":"get_position"}`, nil, "", "transport closed", at.Add(2*time.Second)))

	recs, err := db.RecentCommands(10)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "get_position", recs[0].Name)
	assert.Nil(t, recs[0].Success)
	assert.Equal(t, "transport closed", recs[0].Error)
	assert.Empty(t, recs[0].Reply)

	require.NotNil(t, recs[1].Success)
	assert.False(t, *recs[1].Success)
	assert.Equal(t, "enable", recs[2].Name)
	assert.True(t, *recs[2].Success)
	assert.True(t, recs[2].RecordedAt.Equal(at))

	recs, err = db.RecentCommands(1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSessions(t *testing.T) {
	db := openTestDB(t)
	at := time.Unix(1700000000, 0)

	s, err := db.LatestSession()
	require.NoError(t, err)
	assert.Nil(t, s)

	require.NoError(t, db.StartSession("a", "sinusoid", `{"command":"sinusoid"}`, at))
	require.NoError(t, db.StartSession("b", "sinusoid", `{"command":"sinusoid"}`, at.Add(time.Minute)))

	s, err = db.LatestSession()
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "b", s.ID)
	assert.Nil(t, s.EndedAt)

	require.NoError(t, db.EndSession("b", "completed", at.Add(2*time.Minute)))
	s, err = db.LatestSession()
	require.NoError(t, err)
	require.NotNil(t, s.EndedAt)
	assert.Equal(t, "completed", s.EndReason)
	assert.True(t, s.EndedAt.Equal(at.Add(2*time.Minute)))

	assert.Error(t, db.EndSession("missing", "completed", at))
}

func TestSamples(t *testing.T) {
	db := openTestDB(t)
	at := time.Unix(1700000000, 0)
	require.NoError(t, db.StartSession("s", "sinusoid", "{}", at))

	require.NoError(t, db.RecordSample(SampleRecord{SessionID: "s", Seq: 1, Payload: `{"t":0.1,"position":2}`, T: ptr(0.1), Position: ptr(2.0), RecordedAt: at}))
	require.NoError(t, db.RecordSample(SampleRecord{SessionID: "s", Seq: 0, Payload: `{"position":1}`, Position: ptr(1.0), RecordedAt: at}))

	samples, err := db.SessionSamples("s")
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 0, samples[0].Seq)
	assert.Nil(t, samples[0].T)
	assert.Equal(t, 1.0, *samples[0].Position)
	assert.Equal(t, 0.1, *samples[1].T)
	assert.Equal(t, "s", samples[1].SessionID)

	// samples belong to a known session
	assert.Error(t, db.RecordSample(SampleRecord{SessionID: "nope", Seq: 0, Payload: "{}", RecordedAt: at}))
	// and sequence numbers are unique within it
	assert.Error(t, db.RecordSample(SampleRecord{SessionID: "s", Seq: 1, Payload: "{}", RecordedAt: at}))
}

func TestAttachAdminRoutes(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordCommand("enable", "{}", ptr(true), "{}", "", time.Now()))

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	rec := testutil.ServeLocal(mux, http.MethodGet, "/debug/", nil)
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "tailsql")

	rec = testutil.ServeLocal(mux, http.MethodGet, "/debug/backup", nil)
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment; filename=backup-")
	assert.NotZero(t, rec.Body.Len())
}
