package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned by Write after the transport has been closed or has
// failed terminally.
var ErrClosed = errors.New("transport: closed")

// Problem is a structured problem document decoded from a non-2xx response
// body, when the backend supplies one.
type Problem struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title,omitempty"`
	Status int    `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Error is a transport-level failure: any non-2xx HTTP response. It carries
// the numeric status and, when the body parsed as a problem document, that
// document.
type Error struct {
	Status  int
	Problem *Problem
	Body    string
}

func (e *Error) Error() string {
	if e.Problem != nil && e.Problem.Title != "" {
		if e.Problem.Detail != "" {
			return fmt.Sprintf("transport: request failed with status %d: %s: %s", e.Status, e.Problem.Title, e.Problem.Detail)
		}
		return fmt.Sprintf("transport: request failed with status %d: %s", e.Status, e.Problem.Title)
	}
	return fmt.Sprintf("transport: request failed with status %d", e.Status)
}

// newError builds an Error from a response status and body, decoding the
// problem document when the body parses as one.
func newError(status int, body []byte) *Error {
	terr := &Error{Status: status, Body: string(body)}
	if len(body) > 0 {
		var problem Problem
		if err := json.Unmarshal(body, &problem); err == nil && (problem.Title != "" || problem.Type != "") {
			terr.Problem = &problem
		}
	}
	return terr
}
