package backend

import (
	"context"
	"net/http"
	"net/url"
)

// Invoke calls a server-side function with a JSON payload and decodes the
// JSON answer into out when out is non-nil.
func (c *Client) Invoke(ctx context.Context, name string, payload any, out any) error {
	return c.do(ctx, request{
		capability: "functions." + name,
		method:     http.MethodPost,
		path:       "/functions/v1/" + url.PathEscape(name),
		bearer:     c.serviceKey,
		jsonBody:   payload,
	}, out)
}
