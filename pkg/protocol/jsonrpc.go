package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const (
	// JSONRPCVersion is the supported JSON-RPC version
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request frame
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest creates a new JSON-RPC 2.0 request. Params are marshalled
// eagerly so encoding failures surface before anything is sent.
func NewRequest(id string, method string, params interface{}) (*Request, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		if raw, ok := params.(json.RawMessage); ok {
			paramsJSON = raw
		} else {
			var err error
			paramsJSON, err = json.Marshal(params)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal params: %w", err)
			}
		}
	}

	return &Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}, nil
}

// Response represents a JSON-RPC 2.0 response frame
type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResponse creates a success response
func NewResponse(id string, result interface{}) (*Response, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: resultJSON}, nil
}

// NewErrorResponse creates an error response
func NewErrorResponse(id string, code int, message string) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// Error represents a JSON-RPC 2.0 error object. Code is optional on the
// wire; zero means the backend did not send one.
type Error struct {
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return e.Message
}

// ErrMissingID is returned by ParseFrame for frames without an id
var ErrMissingID = errors.New("frame has no id")

// frame is the union of every field ParseFrame looks at
type frame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// ParseFrame decodes one newline-delimited frame. Request frames parse too
// (their id is kept and Result/Error stay empty), which lets a transport
// echo test round-trip its own output. Numeric ids are normalised to their
// decimal text.
func ParseFrame(line []byte) (*Response, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, errors.New("empty frame")
	}

	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	id, err := normalizeID(f.ID)
	if err != nil {
		return nil, err
	}

	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  f.Result,
		Error:   f.Error,
	}, nil
}

func normalizeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", ErrMissingID
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", ErrMissingID
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, perr := strconv.ParseFloat(n.String(), 64); perr == nil {
			return n.String(), nil
		}
	}

	return "", fmt.Errorf("unsupported id %s", string(raw))
}

// EncodeFrame marshals v and appends the newline terminator
func EncodeFrame(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
