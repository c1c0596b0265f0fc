package errors

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ajitpratap0/mcp-router/pkg/protocol"
)

// RemoteErrorData carries the backend's JSON-RPC error object
type RemoteErrorData struct {
	ServerID   string          `json:"server_id,omitempty"`
	RemoteCode int             `json:"remote_code,omitempty"`
	RemoteData json.RawMessage `json:"remote_data,omitempty"`
}

// Remote wraps a JSON-RPC error frame returned by a backend. The backend's
// code is preserved as the error code so callers see what the server sent.
func Remote(serverID string, rpcErr *protocol.Error) RouterError {
	if rpcErr == nil {
		return nil
	}

	e := New(KindRemote, rpcErr.Message).(*baseError)
	if rpcErr.Code != 0 {
		e.code = rpcErr.Code
	}
	e.data = &RemoteErrorData{
		ServerID:   serverID,
		RemoteCode: rpcErr.Code,
		RemoteData: rpcErr.Data,
	}
	if serverID != "" {
		e.context.ServerID = serverID
	}
	return e
}

// ToProtocolError converts any error to a JSON-RPC error object
func ToProtocolError(err error) *protocol.Error {
	if err == nil {
		return nil
	}

	re, ok := AsRouterError(err)
	if !ok {
		return &protocol.Error{
			Code:    CodeInternalError,
			Message: err.Error(),
		}
	}

	pe := &protocol.Error{
		Code:    re.Code(),
		Message: re.Message(),
	}

	// Remote errors hand back the backend's own data untouched
	if rd, ok := re.Data().(*RemoteErrorData); ok {
		pe.Data = rd.RemoteData
		return pe
	}

	if re.Data() != nil {
		if data, mErr := json.Marshal(re.Data()); mErr == nil {
			pe.Data = data
		}
	}
	return pe
}

// FromProtocolError converts a JSON-RPC error object into a RouterError.
// Router codes map back to their kind; everything else becomes KindRemote.
func FromProtocolError(serverID string, pe *protocol.Error) RouterError {
	if pe == nil {
		return nil
	}

	kind := KindForCode(pe.Code)
	if kind == KindRemote {
		return Remote(serverID, pe)
	}

	e := New(kind, pe.Message)
	if len(pe.Data) > 0 {
		e = e.WithData(pe.Data)
	}
	return e
}

// WithRequestContext attaches request identity to err. Non-router errors are
// wrapped as internal errors first.
func WithRequestContext(err error, requestID, method, serverID string) RouterError {
	if err == nil {
		return nil
	}

	re, ok := AsRouterError(err)
	if !ok {
		re = Wrap(err, KindInternal, err.Error())
	}

	ctx := &Context{Component: "client", Operation: "request"}
	if existing := re.Context(); existing != nil {
		c := *existing
		ctx = &c
	}
	ctx.RequestID = requestID
	ctx.Method = method
	if serverID != "" {
		ctx.ServerID = serverID
	}
	return re.WithContext(ctx)
}

// CombineErrors merges several errors into one internal error. Nil entries
// are skipped; a single error is returned unchanged.
func CombineErrors(errs []error) error {
	valid := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			valid = append(valid, err)
		}
	}

	switch len(valid) {
	case 0:
		return nil
	case 1:
		return valid[0]
	}

	messages := make([]string, len(valid))
	data := make([]interface{}, len(valid))
	for i, err := range valid {
		messages[i] = err.Error()
		if re, ok := AsRouterError(err); ok {
			data[i] = re.ToJSON()
		} else {
			data[i] = map[string]interface{}{
				"message": err.Error(),
				"type":    fmt.Sprintf("%T", err),
			}
		}
	}

	return New(KindInternal, fmt.Sprintf("multiple errors occurred: %s", strings.Join(messages, "; "))).
		WithData(map[string]interface{}{
			"errors": data,
			"count":  len(valid),
		})
}
