// Package gateway orchestrates the coven-state server components.
//
// # Overview
//
// The gateway package owns the store, the execution service, and the
// servers that expose them:
//
//	type Gateway struct {
//	    config      *config.Config
//	    store       store.Store
//	    service     *execution.Service
//	    grpcServer  *grpc.Server   // standard health service only
//	    httpServer  *http.Server
//	    tsnetServer *tsnet.Server  // when tailscale is enabled
//	}
//
// # HTTP API
//
// All API routes are tenant-scoped by auth.HTTPAuthMiddleware:
//
//	GET    /threads                  list threads, most recently updated first
//	POST   /threads                  create with a generated id
//	GET    /threads/{tid}            get one thread
//	PUT    /threads/{tid}            upsert (201 created, 200 updated)
//	DELETE /threads/{tid}            delete thread and history
//	GET    /threads/{tid}/state      latest {values, next}
//	POST   /threads/{tid}/state      run the assistant and append
//	GET    /threads/{tid}/history    every {values, next, config}, oldest first
//	GET    /assistants               own and public assistants
//	GET    /assistants/{aid}
//	PUT    /assistants/{aid}
//
// Errors are JSON objects of the form {"error": "..."}:
//
//	400  invalid id, malformed JSON, thread has no assistant
//	404  thread not visible to the tenant
//	409  concurrent modification after all write attempts
//	422  body missing required fields or unusable values
//	500  snapshot data corrupt
//	502  executor failed
//	503  storage unavailable
//
// # Health and Metrics
//
//	GET /health        liveness, always 200
//	GET /health/ready  200 when the store answers a ping, else 503
//	GET /metrics       Prometheus exposition (metrics.enabled)
//
// When a gRPC address is configured (or Tailscale is enabled) the gateway
// also serves grpc.health.v1.Health with service name "coven.state". Its
// status follows the store: it is refreshed by every readiness check and by
// a background ping while Run is active.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled, then shuts down
//
// With tailscale.enabled the listeners come from a tsnet node instead of
// server.http_addr and server.grpc_addr.
package gateway
