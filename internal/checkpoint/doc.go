// Package checkpoint persists the last delivered offset per source so that
// resumable sources can continue where a previous session stopped. Memory,
// MySQL and Redis backed stores share one interface and are selected by
// configuration.
package checkpoint
