package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/memstore"
	"gitlab.com/gitlab-org/broadcaster/internal/testhelper"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestMirrorReadableHealth(t *testing.T) {
	b, _ := newTestBroadcaster(t, defaultDispatch())
	ctx, cancel := testhelper.Context()
	defer cancel()

	srv := health.NewServer()
	mirrorCtx, stopMirror := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		MirrorReadableHealth(mirrorCtx, b, srv)
	}()

	requireStatus := func(service string, expected healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		require.Eventually(t, func() bool {
			resp, err := srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
			return err == nil && resp.Status == expected
		}, 5*time.Second, time.Millisecond)
	}

	requireStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	first := attach(t, b, memstore.New(0), WithName("first"), WithReadable())
	second := attach(t, b, memstore.New(0), WithName("second"))
	requireStatus("", healthpb.HealthCheckResponse_SERVING)
	requireStatus("first", healthpb.HealthCheckResponse_SERVING)

	require.NoError(t, b.SetReadable(ctx, second, true))
	requireStatus("second", healthpb.HealthCheckResponse_SERVING)

	require.NoError(t, b.Detach(ctx, first))
	requireStatus("first", healthpb.HealthCheckResponse_NOT_SERVING)
	requireStatus("", healthpb.HealthCheckResponse_SERVING)

	require.NoError(t, b.SetReadable(ctx, second, false))
	requireStatus("second", healthpb.HealthCheckResponse_NOT_SERVING)
	requireStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	stopMirror()
	testhelper.RequireClosed(t, done, 5*time.Second, "mirror did not stop")
}
