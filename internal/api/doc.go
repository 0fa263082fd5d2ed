// Package api exposes the chat orchestrator over HTTP: streamed chat runs as
// server-sent events, the catch-up helper, feedback and conversation
// management, plus health and metrics endpoints.
package api
