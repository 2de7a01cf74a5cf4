// Package api exposes the REST surface of the daemon: session management
// under /api/v1/streams and the chunk delivery endpoint that streams
// NDJSON records or raw bytes to the consumer.
package api
