package client

import (
	"context"
	"strings"
	"time"

	rpcerrors "github.com/ajitpratap0/mcp-router/pkg/errors"
)

// Params is the open key/value form of method parameters
type Params map[string]interface{}

// Git calls git.<op>, for example Git(ctx, "status", Params{"repo": "."})
func (c *Client) Git(ctx context.Context, op string, params Params, opts ...RequestOption) (*Response, error) {
	return c.family(ctx, "git", op, params, opts)
}

// Memory calls memory.<op>, for example Memory(ctx, "store", Params{"key": "k", "value": v})
func (c *Client) Memory(ctx context.Context, op string, params Params, opts ...RequestOption) (*Response, error) {
	return c.family(ctx, "memory", op, params, opts)
}

// Search calls search.query with the query merged into params
func (c *Client) Search(ctx context.Context, query string, params Params, opts ...RequestOption) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return c.rejected(ctx, "search.query", rpcerrors.InvalidParams("search.query", "query is required"))
	}
	merged := Params{"query": query}
	for k, v := range params {
		if k != "query" {
			merged[k] = v
		}
	}
	return c.Request(ctx, "search.query", merged, opts...)
}

func (c *Client) family(ctx context.Context, prefix, op string, params Params, opts []RequestOption) (*Response, error) {
	op = strings.TrimPrefix(strings.TrimSpace(op), prefix+".")
	method := prefix + "." + op
	if op == "" {
		return c.rejected(ctx, method, rpcerrors.InvalidParams(method, "operation is required"))
	}
	if params == nil {
		return c.Request(ctx, method, nil, opts...)
	}
	return c.Request(ctx, method, params, opts...)
}

// rejected reports a validation failure in the same shape Request uses
func (c *Client) rejected(ctx context.Context, method string, err error) (*Response, error) {
	if initErr := c.Initialize(ctx); initErr != nil {
		return nil, rpcerrors.NotInitialized(initErr)
	}
	resp := &Response{ID: c.newID(), Error: newResponseError(err)}
	c.finish(resp, method, time.Now(), nil)
	return resp, nil
}
