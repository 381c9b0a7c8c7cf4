// Package duplex multiplexes correlated request/response exchanges and
// unsolicited push events over a single persistent connection to the
// evolution backend.
//
// A Client owns at most one live Transport. Requests are wrapped in an
// {"id", "payload"} envelope carrying a fresh correlation token; inbound
// frames whose id matches an outstanding request resolve it, everything else
// is handed to subscribers as a message event. Every outstanding request
// terminates exactly once: by its response, by its timeout, or by the loss of
// the connection it was sent on.
//
// The client never reconnects on its own. Callers observe close events and
// decide when to Connect again.
package duplex
