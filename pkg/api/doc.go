/*
Package api exposes the coordination log over gRPC as a read-only
server-streaming watch (spec §12 supplemented watch/stream surface).

# Architecture

	┌──────────────── external subscriber ─────────────────┐
	│   gRPC client (dashboard, log shipper, CLI --watch)   │
	└───────────────────────┬────────────────────────────────┘
	                        │ WatchCoordinationLog (server stream)
	┌───────────────────────▼────────────────────────────────┐
	│                   api.Server (gRPC)                     │
	│  ReadOnlyStreamInterceptor  -  rejects non-Watch/List/Get │
	└───────────────────────┬────────────────────────────────┘
	                        │ Subscribe/Publish
	┌───────────────────────▼────────────────────────────────┐
	│                   events.Broker                          │
	└───────────────────────▲────────────────────────────────┘
	                        │ publish() after every append
	┌───────────────────────┴────────────────────────────────┐
	│              coordinator.Coordinator                     │
	└────────────────────────────────────────────────────────┘

The server never writes to the coordination log; WatchCoordinationLog
is the only RPC it registers, and it carries no filter parameters yet.
There is no generated .proto client stub — the wire message is a
JSON-encoded types.CoordinationLogEntry boxed in a
google.golang.org/protobuf/types/known/wrapperspb.BytesValue, which
keeps the surface reachable by any standard gRPC client without
shipping codegen.

# Health

A standard grpc_health_v1 service is registered alongside the watch
service so load balancers and orchestrators can probe readiness the
same way they would any other gRPC backend.

HealthServer (health.go) is a separate, plain-HTTP /health and /ready
pair used by process supervisors that don't speak gRPC; it also serves
/metrics for Prometheus scraping.
*/
package api
