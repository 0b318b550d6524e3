package health

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/stepper/internal/testutil"
)

func TestServer_StatusTransitions(t *testing.T) {
	s := NewServer()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, s.Status())

	s.SetServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, s.Status())

	s.DisconnectHandler()(errors.New("unplugged"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, s.Status())
}

func TestServer_GRPCCheck(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(s.Stop)
	s.SetServing(true)

	conn, err := grpc.NewClient(s.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, name := range []string{"", Service} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: name})
		require.NoError(t, err, "service %q", name)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	}

	assert.Error(t, s.Serve(nil), "second Serve must be refused")
}

func TestServer_StopReportsNotServing(t *testing.T) {
	s := NewServer()
	s.SetServing(true)
	s.Stop()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, s.Status())

	// updates after shutdown are ignored
	s.SetServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, s.Status())
}

func TestAttachAdminRoutes(t *testing.T) {
	s := NewServer()
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	rec := testutil.ServeLocal(mux, http.MethodGet, "/debug/health", nil)
	testutil.AssertStatusCode(t, rec, http.StatusServiceUnavailable)
	assert.Contains(t, rec.Body.String(), "NOT_SERVING")

	s.SetServing(true)
	rec = testutil.ServeLocal(mux, http.MethodGet, "/debug/health", nil)
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"SERVING"`)

	rec = testutil.ServeLocal(mux, http.MethodGet, "/debug/", nil)
	testutil.AssertStatusCode(t, rec, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "Health")
}
