// Package server implements the Cloakroom chat relay: WebSocket clients join
// named rooms, exchange opaque pre-encrypted payloads, and receive presence
// notifications.
//
// The implementation is organized into specialized files for the room model
// (room, registry, dispatcher), the transport adapter (client), and the
// peripheral HTTP surface (handlers, routes, metrics) to keep the codebase
// maintainable and testable as the project grows.
package server
