// Package device models a remote GATT peripheral as seen through a BGAPI
// controller: its connection lifecycle, the discovery state machine that
// enumerates services and attributes, and the characteristic read, write and
// notification operations built on top of the command channel.
//
// Every Handle* entry point runs on the command channel's worker goroutine.
// Caller-facing methods (Connect, Disconnect, Read, ...) enqueue commands and
// wait on channels, so they never block that worker.
package device
