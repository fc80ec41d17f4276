// Package bluewire turns a notification-driven radio surface into
// request/response operations with timeouts, request coalescing, and
// value caching.
//
// The radio itself (connection establishment, discovery, value exchange,
// RSSI sampling, advertising) is an external collaborator behind the Radio
// interface: it accepts fire-and-forget commands and pushes asynchronous,
// unordered, possibly duplicated Events back into the engine. The central
// package drives the client role, the broadcast package the advertiser
// role, and the registry package holds the pending-operation tracker both
// are built on.
package bluewire
