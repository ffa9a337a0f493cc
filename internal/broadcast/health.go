package broadcast

import (
	"context"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthSetter is the part of *health.Server the readable set is mirrored to.
type HealthSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// MirrorReadableHealth reports the broadcaster's readable set to the health
// server until ctx is done. Each dispatchee name is a service which is
// SERVING while the dispatchee is readable. The overall status is SERVING
// while any dispatchee is readable.
func MirrorReadableHealth(ctx context.Context, b *Broadcaster, srv HealthSetter) {
	known := make(map[string]struct{})

	for readable := range b.WatchReadable(ctx) {
		serving := make(map[string]struct{}, len(readable))
		for _, info := range readable {
			serving[info.Name] = struct{}{}
			known[info.Name] = struct{}{}
			srv.SetServingStatus(info.Name, healthpb.HealthCheckResponse_SERVING)
		}

		for name := range known {
			if _, ok := serving[name]; !ok {
				srv.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
			}
		}

		overall := healthpb.HealthCheckResponse_NOT_SERVING
		if len(readable) > 0 {
			overall = healthpb.HealthCheckResponse_SERVING
		}
		srv.SetServingStatus("", overall)
	}
}
