// Package protocol defines the wire frames exchanged with backend servers.
//
// Backends speak a JSON-RPC 2.0 dialect. Requests always carry a string id
// generated by NewRequestID; responses are matched back to their request by
// that id. Stream transports (stdio, tcp, websocket) frame messages as
// newline-delimited JSON:
//
//	{"jsonrpc":"2.0","id":"req_1700000000000000000_1_5f1c2a9b","method":"git.status","params":{}}
//	{"id":"req_1700000000000000000_1_5f1c2a9b","result":{"clean":true}}
//	{"id":"req_1700000000000000000_2_77ab01de","error":{"message":"boom","code":-32000}}
//
// LineBuffer accumulates raw bytes from a stream and yields complete lines;
// ParseFrame turns one line into a Response. Lines that do not parse are
// reported as errors so the caller can drop them.
package protocol
