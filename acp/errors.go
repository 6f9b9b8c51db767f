package acp

import "fmt"

// Well-known JSON-RPC error codes. The numeric code is the source of truth
// for programmatic handling; labels exist for diagnostics only.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Agent protocol extensions.
	CodeAuthRequired     = -32000
	CodeResourceNotFound = -32002
)

// RPCError is a JSON-RPC error object returned in a response envelope.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if label := CodeLabel(e.Code); label != "" {
		return fmt.Sprintf("%s (%d): %s", label, e.Code, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// CodeLabel returns a human-readable category for a well-known JSON-RPC
// error code, or "" when the code has no assigned category.
func CodeLabel(code int) string {
	switch code {
	case CodeParseError:
		return "parse error"
	case CodeInvalidRequest:
		return "invalid request"
	case CodeMethodNotFound:
		return "method unsupported"
	case CodeInvalidParams:
		return "invalid params"
	case CodeInternalError:
		return "internal error"
	case CodeAuthRequired:
		return "authentication required"
	case CodeResourceNotFound:
		return "not found"
	}
	return ""
}
