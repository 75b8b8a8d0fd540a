// Package contracts defines the wire-level types shared by every part of mmate-rpc.
//
// This package contains:
//   - Record: the unit exchanged over a transport (key, payload, headers)
//   - Header names: CMD, CORRELATION_ID and REPLY_TOPIC, wire-exact
//   - Command: the open set of command tags carried in the CMD header
//   - Codec: explicit, caller-typed payload encoding
//   - The error taxonomy surfaced by the request/reply core
//
// Payloads are opaque bytes to the core. They are only decoded into a type the
// caller names, never into a type chosen by the sender.
package contracts
