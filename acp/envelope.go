package acp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC protocol version carried by every envelope.
const Version = "2.0"

// Kind classifies an envelope as a request, response, or notification.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	}
	return "unknown"
}

// Envelope is a single JSON-RPC 2.0 message: a request {id, method, params},
// a response {id, result|error}, or a notification {method, params} with no id.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Kind reports whether the envelope is a request, response, or notification.
func (e *Envelope) Kind() Kind {
	if e.Method != "" {
		if e.ID == nil {
			return KindNotification
		}
		return KindRequest
	}
	return KindResponse
}

// NewRequest builds a request envelope, marshalling params when non-nil.
func NewRequest(id any, method string, params any) (*Envelope, error) {
	env := &Envelope{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("error marshalling params for %s: %w", method, err)
		}
		env.Params = data
	}
	return env, nil
}

// NewNotification builds a notification envelope (no id).
func NewNotification(method string, params any) (*Envelope, error) {
	env, err := NewRequest(nil, method, params)
	if err != nil {
		return nil, err
	}
	return env, nil
}

// Clone returns a deep copy of the envelope. Persisted envelopes must be
// cloned so stored payloads never alias in-flight objects.
func (e *Envelope) Clone() *Envelope {
	out := &Envelope{
		JSONRPC: e.JSONRPC,
		ID:      e.ID,
		Method:  e.Method,
	}
	if e.Params != nil {
		out.Params = append(json.RawMessage(nil), e.Params...)
	}
	if e.Result != nil {
		out.Result = append(json.RawMessage(nil), e.Result...)
	}
	if e.Error != nil {
		errCopy := *e.Error
		out.Error = &errCopy
	}
	return out
}

// sessionRef extracts the sessionId field common to session-scoped payloads.
type sessionRef struct {
	SessionID string `json:"sessionId"`
}

// ParamsSessionID returns the sessionId carried in the envelope params,
// if present.
func (e *Envelope) ParamsSessionID() (string, bool) {
	return decodeSessionRef(e.Params)
}

// ResultSessionID returns the sessionId carried in the envelope result,
// if present.
func (e *Envelope) ResultSessionID() (string, bool) {
	return decodeSessionRef(e.Result)
}

func decodeSessionRef(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var ref sessionRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", false
	}
	if ref.SessionID == "" {
		return "", false
	}
	return ref.SessionID, true
}

// IDKey returns a canonical string form of a JSON-RPC id suitable for use as
// a map key. JSON numbers decode as float64, so a request written with an
// integer id must correlate with a response decoded as a float: both map to
// the same key. The second return is false when the id is absent.
func IDKey(id any) (string, bool) {
	switch v := id.(type) {
	case nil:
		return "", false
	case string:
		return "s:" + v, true
	case float64:
		if v == float64(int64(v)) {
			return "n:" + strconv.FormatInt(int64(v), 10), true
		}
		return "n:" + strconv.FormatFloat(v, 'g', -1, 64), true
	case int:
		return "n:" + strconv.Itoa(v), true
	case int64:
		return "n:" + strconv.FormatInt(v, 10), true
	case json.Number:
		return "n:" + v.String(), true
	default:
		return fmt.Sprintf("x:%v", v), true
	}
}
