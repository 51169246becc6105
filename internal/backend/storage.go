package backend

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Upload stores body under bucket/key. Existing objects are never
// overwritten; a key collision is an error.
func (c *Client) Upload(ctx context.Context, bucket, key, contentType string, body io.Reader) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.do(ctx, request{
		capability:  "storage.upload",
		method:      http.MethodPost,
		path:        "/storage/v1/object/" + objectPath(bucket, key),
		bearer:      c.serviceKey,
		contentType: contentType,
		headers:     map[string]string{"x-upsert": "false"},
		body:        body,
	}, nil)
}

// PublicURL returns the public download URL of an object. It does not
// check that the object exists.
func (c *Client) PublicURL(bucket, key string) string {
	return c.baseURL + "/storage/v1/object/public/" + objectPath(bucket, key)
}

func objectPath(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}
