package errors

// JSON-RPC 2.0 standard error codes
const (
	CodeParseError     int = -32700
	CodeInvalidRequest int = -32600
	CodeMethodNotFound int = -32601
	CodeInvalidParams  int = -32602
	CodeInternalError  int = -32603
)

// Router error codes. They sit in the implementation-defined server error
// range of JSON-RPC 2.0.
const (
	CodeNotInitialized    int = -32001
	CodeNoRouteFound      int = -32010
	CodeNoAvailableServer int = -32011
	CodeServerUnavailable int = -32012
	CodeTransportError    int = -32020
	CodeConnectError      int = -32021
	CodeTimeout           int = -32022
	CodeMalformedResponse int = -32023
)

// KindInfo describes a Kind for classification and reporting
type KindInfo struct {
	Kind        Kind
	Code        int
	Description string
	Category    Category
	Severity    Severity
}

var kindRegistry = map[Kind]KindInfo{
	KindConnect:           {KindConnect, CodeConnectError, "Failed to establish a transport connection", CategoryTransport, SeverityCritical},
	KindNoRouteFound:      {KindNoRouteFound, CodeNoRouteFound, "No routing rule matches the method", CategoryRouting, SeverityError},
	KindNoAvailableServer: {KindNoAvailableServer, CodeNoAvailableServer, "Matching servers are all unavailable", CategoryRouting, SeverityWarning},
	KindServerUnavailable: {KindServerUnavailable, CodeServerUnavailable, "Requested server is unavailable", CategoryRouting, SeverityWarning},
	KindTransport:         {KindTransport, CodeTransportError, "Transport failure", CategoryTransport, SeverityError},
	KindTimeout:           {KindTimeout, CodeTimeout, "Request timed out", CategoryTimeout, SeverityError},
	KindMalformedResponse: {KindMalformedResponse, CodeMalformedResponse, "Response frame could not be parsed", CategoryTransport, SeverityError},
	KindNotInitialized:    {KindNotInitialized, CodeNotInitialized, "Client is not initialized", CategoryInternal, SeverityCritical},
	KindInvalidParams:     {KindInvalidParams, CodeInvalidParams, "Invalid method or parameters", CategoryValidation, SeverityError},
	KindRemote:            {KindRemote, CodeInternalError, "Backend returned an error", CategoryRemote, SeverityError},
	KindInternal:          {KindInternal, CodeInternalError, "Internal error", CategoryInternal, SeverityError},
}

func lookupKind(kind Kind) KindInfo {
	if info, ok := kindRegistry[kind]; ok {
		return info
	}
	return kindRegistry[KindInternal]
}

// GetKindInfo returns information about a kind
func GetKindInfo(kind Kind) (KindInfo, bool) {
	info, ok := kindRegistry[kind]
	return info, ok
}

// KindForCode maps a router error code back to its kind. Codes outside the
// router range map to KindRemote.
func KindForCode(code int) Kind {
	for kind, info := range kindRegistry {
		if kind == KindRemote || kind == KindInternal {
			continue
		}
		if info.Code == code {
			return kind
		}
	}
	return KindRemote
}

// ListKinds returns all registered kinds
func ListKinds() []KindInfo {
	kinds := make([]KindInfo, 0, len(kindRegistry))
	for _, info := range kindRegistry {
		kinds = append(kinds, info)
	}
	return kinds
}
