// Package source defines the adapter boundary between the stream core and
// concrete data producers. Named sources are declared in a YAML catalog,
// instantiated through registered factories, and constrained by per-source
// isolation policies. Adapters for files, child processes, Redis Streams,
// RabbitMQ and EVM chain logs live in subpackages.
package source
