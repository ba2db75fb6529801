// Package relay implements the encrypted agent-session relay client: a
// correlation engine that turns the push-based relay channel (opaque frames
// with no request identifiers) into a request/response abstraction.
//
// The channel carries encrypted envelopes for a shared session. Correlator
// tracks in-flight conversations and attributes inbound agent messages to
// them by a time-window heuristic; an explicit "ready" event from the agent
// is the authoritative end-of-turn signal. Responder sits above a
// RequestQueue for the streaming case: it buffers partial chunks, debounces
// burst arrivals, and hands exactly one finalized answer to delivery.
//
// Traffic that matches no tracked conversation is surfaced as external via
// SyncMessage/EventStatus listeners so observers can mirror shared-session
// activity without owning it.
package relay
