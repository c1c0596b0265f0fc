package errors

import (
	"fmt"
	"net/url"
	"time"
)

// TransportErrorData contains structured data for transport-related errors
type TransportErrorData struct {
	Transport  string        `json:"transport"`
	ServerID   string        `json:"server_id,omitempty"`
	Operation  string        `json:"operation,omitempty"`
	Endpoint   string        `json:"endpoint,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Retryable  bool          `json:"retryable"`
	Reason     string        `json:"reason,omitempty"`
}

func reason(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

// endpointHost strips credentials and paths from endpoints before they end
// up in error payloads.
func endpointHost(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}

// ConnectFailed creates an error for a transport that could not be brought up
func ConnectFailed(serverID, transport, endpoint string, cause error) RouterError {
	message := fmt.Sprintf("failed to connect to server %q via %s", serverID, transport)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return Wrap(cause, KindConnect, message).
		WithData(&TransportErrorData{
			Transport: transport,
			ServerID:  serverID,
			Operation: "connect",
			Endpoint:  endpointHost(endpoint),
			Retryable: true,
			Reason:    reason(cause),
		})
}

// TransportFailure creates an error for a send/receive failure mid-flight
func TransportFailure(serverID, transport, operation string, cause error) RouterError {
	message := fmt.Sprintf("%s transport error", transport)
	if operation != "" {
		message = fmt.Sprintf("%s transport error during %s", transport, operation)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return Wrap(cause, KindTransport, message).
		WithData(&TransportErrorData{
			Transport: transport,
			ServerID:  serverID,
			Operation: operation,
			Retryable: true,
			Reason:    reason(cause),
		})
}

// ConnectionLost creates an error for a transport whose peer went away
func ConnectionLost(serverID, transport string, cause error) RouterError {
	message := fmt.Sprintf("lost connection to server %q via %s", serverID, transport)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return Wrap(cause, KindTransport, message).
		WithData(&TransportErrorData{
			Transport: transport,
			ServerID:  serverID,
			Operation: "receive",
			Retryable: true,
			Reason:    reason(cause),
		})
}

// NotConnected creates an error for a send attempted on a missing or
// unusable connection.
func NotConnected(serverID string, status string) RouterError {
	return Newf(KindTransport, "server %q is not connected (status: %s)", serverID, status).
		WithData(&TransportErrorData{
			ServerID:  serverID,
			Operation: "send",
			Retryable: true,
			Reason:    status,
		})
}

// HTTPStatus creates an error for a non-2xx HTTP response
func HTTPStatus(serverID, endpoint string, statusCode int, body string) RouterError {
	message := fmt.Sprintf("server %q returned HTTP %d", serverID, statusCode)
	if body != "" {
		message = fmt.Sprintf("%s: %s", message, body)
	}

	return New(KindTransport, message).
		WithData(&TransportErrorData{
			Transport:  "http",
			ServerID:   serverID,
			Operation:  "send",
			Endpoint:   endpointHost(endpoint),
			StatusCode: statusCode,
			Retryable:  statusCode >= 500 || statusCode == 429,
			Reason:     fmt.Sprintf("status %d", statusCode),
		})
}

// Timeout creates an error for a request that received no response in time
func Timeout(serverID, requestID string, timeout time.Duration) RouterError {
	message := fmt.Sprintf("request %s to server %q timed out", requestID, serverID)
	if timeout > 0 {
		message = fmt.Sprintf("%s after %v", message, timeout)
	}

	return New(KindTimeout, message).
		WithData(&TransportErrorData{
			ServerID:  serverID,
			Operation: "wait_response",
			Timeout:   timeout,
			Retryable: true,
			Reason:    "timeout",
		})
}

// MalformedResponse creates an error for a response that could not be parsed
func MalformedResponse(serverID, transport string, cause error) RouterError {
	message := fmt.Sprintf("malformed response from server %q", serverID)
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return Wrap(cause, KindMalformedResponse, message).
		WithData(&TransportErrorData{
			Transport: transport,
			ServerID:  serverID,
			Operation: "decode_response",
			Reason:    reason(cause),
		})
}
