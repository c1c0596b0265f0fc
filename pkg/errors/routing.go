package errors

import (
	"fmt"
	"strings"
)

// RoutingErrorData contains structured data for routing failures
type RoutingErrorData struct {
	Method     string   `json:"method,omitempty"`
	ServerID   string   `json:"server_id,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// NoRouteFound creates an error for a method that no rule matches
func NoRouteFound(method string) RouterError {
	return Newf(KindNoRouteFound, "no routing rule matches method %q", method).
		WithData(&RoutingErrorData{Method: method})
}

// NoAvailableServer creates an error for a method whose matching servers are
// all disabled, unhealthy or excluded by rule conditions.
func NoAvailableServer(method string, candidates []string) RouterError {
	message := fmt.Sprintf("no available server for method %q", method)
	if len(candidates) > 0 {
		message = fmt.Sprintf("%s (matched: %s)", message, strings.Join(candidates, ", "))
	}
	return New(KindNoAvailableServer, message).
		WithData(&RoutingErrorData{Method: method, Candidates: candidates})
}

// ServerUnavailable creates an error for an explicit server override that
// cannot be used.
func ServerUnavailable(serverID, why string) RouterError {
	return Newf(KindServerUnavailable, "server %q is unavailable: %s", serverID, why).
		WithData(&RoutingErrorData{ServerID: serverID, Reason: why})
}

// NotInitialized creates an error for a client that could not be initialized
func NotInitialized(cause error) RouterError {
	message := "client is not initialized"
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}
	return Wrap(cause, KindNotInitialized, message)
}

// InvalidParams creates a validation error for a request
func InvalidParams(method, why string) RouterError {
	if method == "" {
		return Newf(KindInvalidParams, "invalid request: %s", why)
	}
	return Newf(KindInvalidParams, "invalid request for method %q: %s", method, why).
		WithData(&RoutingErrorData{Method: method, Reason: why})
}
