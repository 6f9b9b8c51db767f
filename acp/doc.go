// Package acp defines the JSON-RPC envelope codec and the agent protocol
// method surface shared by the transport, rpc, and session packages.
//
// An [Envelope] is one JSON-RPC 2.0 message. The same struct represents
// requests, responses, and notifications; [Envelope.Kind] classifies an
// instance. Params and results are kept as [encoding/json.RawMessage] so the
// codec never depends on method-specific shapes; typed structs exist only
// for the methods this module itself issues.
package acp
