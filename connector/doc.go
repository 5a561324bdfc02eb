// Package connector implements a resilient client for the legacy MCP SSE
// transport: a long-lived GET event stream for server-to-client messages and
// a companion POST channel for client-to-server messages.
//
// [Open] returns a [Conn] immediately and connects in the background. The
// caller consumes [Conn.Recv] and produces with [Conn.Send]; transport
// failures are retried inside the connection up to a fixed number of
// consecutive failed attempts. Authentication failures and retry exhaustion
// are delivered as a single typed error on the receive queue, after which the
// queue is closed.
//
// The write endpoint is learned from the stream's "endpoint" event and may
// change at any time; a POST always targets the most recent endpoint of the
// current stream, or the fallback path when the server never announced one.
package connector
