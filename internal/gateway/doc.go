// Package gateway exposes the conversation turn pipeline over HTTP and runs
// the server lifecycle.
//
// # Overview
//
// A Gateway owns the conversation store, the chat orchestrator, identity
// resolution, the per-identity turn limiter and the replay cache. New builds
// all of them from a config.Config; Run serves until its context is
// cancelled and then shuts down within server.shutdown_timeout.
//
// # HTTP API
//
// Chat:
//
//	POST /api/chat      one turn, streamed as application/x-ndjson envelopes
//	POST /api/chart     chart JSON for the previous answer
//
// Each chat envelope carries the full answer so far:
//
//	{"id":"<conversation>","model":"rag-model","created":1700000000,
//	 "object":"extensions.chat.completion.chunk",
//	 "choices":[{"messages":[{"id":"<message>","role":"assistant","content":"..."}]}],
//	 "history_metadata":{},"apim-request-id":""}
//
// Envelopes are separated by a blank line. A failing turn ends with
// {"error":"..."}.
//
// History:
//
//	GET    /history/list?offset&limit&sort
//	GET    /history/read?id&sort
//	DELETE /history/delete?id
//	DELETE /history/delete_all
//	POST   /history/rename            {conversation_id, title}
//	POST   /history/update            {conversation_id, messages}
//	POST   /history/message_feedback  {message_id, message_feedback}
//	GET    /history/ensure
//
// Ownership failures map to 403, missing conversations to 404 and store
// outages to 503. Listing or deleting across all users requires the
// X-Admin-Token header when the caller has no identity.
//
// Operations:
//
//	GET /health         liveness, no identity required
//	GET /metrics        Prometheus metrics
//
// # gRPC
//
// When server.grpc_addr is set, the standard grpc.health.v1 service is
// served there. The rag_gateway.v1.Chat service reports NOT_SERVING while
// the store cannot be pinged.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// serves HTTP on :80 (and gRPC health on :50051) of the node instead of
// the configured TCP addresses.
package gateway
