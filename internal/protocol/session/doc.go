// Package session owns the transport side of a multiplexed session.
//
// Ownership boundary:
//   - Transport adapters that move whole frames (stream conns, websocket)
//   - hello/hello.ack handshake frames and their payload codec
//   - session timeouts, mailbox sizing and dial backoff
//
// Envelope routing lives in internal/mux; this package never decodes
// envelope payloads.
package session
