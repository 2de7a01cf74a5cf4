// Package relay manages delivery sessions: each session opens a named
// source from the catalog, wraps it in a stream with preference-derived
// defaults, and hands a single consumer the records or bytes flowing out
// of it. Offsets are checkpointed periodically so resumable sources can
// continue after a restart.
package relay
