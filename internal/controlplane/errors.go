package controlplane

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("gateway not connected")
	ErrLoginFailed  = errors.New("gateway login failed")
	ErrClosed       = errors.New("gateway client closed")
)

// CallError is a request the gateway answered with ok=false.
type CallError struct {
	Method  string
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected by gateway", e.Method)
	}
	return fmt.Sprintf("%s rejected by gateway: %s", e.Method, e.Message)
}

func (e *CallError) Is(target error) bool {
	return e.Method == opLogin && target == ErrLoginFailed
}
