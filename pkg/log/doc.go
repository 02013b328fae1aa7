// Package log provides structured logging shared by the agent, aggregator,
// and controller binaries, built on zerolog. A single global Logger is
// configured once via Init and components derive scoped child loggers with
// WithComponent, WithWorkload, WithEdge, and WithTick.
package log
