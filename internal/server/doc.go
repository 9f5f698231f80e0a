// Package server exposes the relay over HTTP: WebSocket upgrades on "/" and
// "/ws", health and metrics endpoints, and a browser test page.
//
// The implementation is organized into files for the server lifecycle,
// handlers, routes and origin checks. Connection tracking and fan-out live in
// the relay package.
package server
