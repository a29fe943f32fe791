// Package xmux is a single-broker-connection, multi-subscriber event
// multiplexer. Many independent logical subscribers register interest in
// named events while the engine maintains exactly one durable subscription
// against a shared broker topic.
//
// The engine tags outbound envelopes with an event identity (stored in a
// metadata property or a body field, chosen once at construction), fans the
// single inbound stream out to every matching registry entry, and
// classifies receive-loop failures into retry, drop and fatal categories.
// A fatal broker error (entity disabled, not found, unauthorized) stops the
// engine permanently; every later call fails with ErrEngineStopped.
//
// Broker backends plug in behind the Broker/Receiver/Admin interfaces; see
// adapter/redisstream for the Redis Streams backend and adapter/memory for
// the in-process one used in development and tests.
package xmux
