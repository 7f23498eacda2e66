// Package server defines small encoding and error-classification helpers
// shared across client and hub logic.
package server

import (
	"encoding/json"
	"strings"

	"chatrelay/internal/protocol"
)

// encodeEnvelope frames payload under event as one wire-ready JSON frame.
func encodeEnvelope(event string, payload any) ([]byte, error) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// isExpectedCloseError checks if an error is expected during connection
// closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
