// Package bus is the in-process fan-out between the device link and its consumers.
//
// Events form a closed set of typed payloads (ConnectEvent, StatusEvent, ...), each
// identified by a Kind. Listeners register for a single kind, either with the typed
// Subscribe helper or with SubscribeKind, or for every kind with SubscribeAll.
//
// Bus.Publish delivers synchronously on the caller's goroutine, in registration
// order, and isolates panicking listeners. Dispatcher wraps a Bus with an unbounded
// ordered queue and a single delivery goroutine so a publisher, such as the link's
// owner goroutine, never runs listener code itself.
//
// Listeners live for the life of the process; there is no unsubscribe.
package bus
