// Package stream implements the readable-stream core of OpenRill: a queue of
// pending chunks governed by a backpressure strategy, fed by an underlying
// source through pull callbacks, and drained by a single locked reader. Both
// an object variant and a byte-oriented variant with caller-supplied buffers
// are provided, together with tee and pipe composition helpers.
package stream
