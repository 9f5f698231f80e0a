// Package relay implements the connection registry, broadcast fan-out and
// per-connection lifecycle of the WebSocket relay.
//
// A Hub owns a single event loop. Register, unregister and broadcast events
// are handled one at a time on that loop, so a broadcast always sees a
// consistent Registry snapshot. Each Connection runs a read pump, a write pump
// and a keep-alive ticker in their own goroutines; all socket writes other
// than control frames go through the write pump.
package relay
