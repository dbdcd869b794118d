package caldav

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
)

// Upsert creates or replaces the calendar object for payload.UID.
// It first tries a create-only PUT; if the object exists it updates it with If-Match.
func (c *Client) Upsert(ctx context.Context, identifier string, payload Payload) (string, error) {
	collection, err := c.Discover(ctx, identifier)
	if err != nil {
		return "", err
	}

	data, err := BuildICS(payload, c.now())
	if err != nil {
		return "", err
	}

	target, err := objectURL(collection, payload.UID)
	if err != nil {
		return "", err
	}

	resp, err := c.put(ctx, target, data, "If-None-Match", "*")
	if err != nil {
		return "", err
	}

	if resp.StatusCode == http.StatusPreconditionFailed {
		resp, err = c.replace(ctx, target, data)
		if err != nil {
			return "", err
		}
	}

	if !resp.ok() {
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			c.InvalidateDiscovery(identifier)
		}
		return "", statusError("PUT", resp)
	}

	return payload.UID, nil
}

// replace updates an existing object, conditioned on its current ETag when available.
func (c *Client) replace(ctx context.Context, target string, data []byte) (*response, error) {
	head, err := c.do(ctx, http.MethodHead, target, nil, nil)
	if err != nil {
		return nil, err
	}

	if etag := head.Header.Get("ETag"); head.ok() && etag != "" {
		return c.put(ctx, target, data, "If-Match", etag)
	}

	log.Printf("No ETag for %s, falling back to unconditional PUT", target)
	return c.put(ctx, target, data, "", "")
}

func (c *Client) put(ctx context.Context, target string, data []byte, condition, value string) (*response, error) {
	header := http.Header{}
	header.Set("Content-Type", "text/calendar; charset=utf-8")
	if condition != "" {
		header.Set(condition, value)
	}
	return c.do(ctx, http.MethodPut, target, data, header)
}

// Delete removes the calendar object for uid. A missing object counts as deleted.
// In read-only mode nothing is sent and uid is returned unchanged.
func (c *Client) Delete(ctx context.Context, identifier, uid string) (string, error) {
	if c.readOnly {
		return uid, nil
	}

	collection, err := c.Discover(ctx, identifier)
	if err != nil {
		return "", err
	}

	target, err := objectURL(collection, uid)
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodDelete, target, nil, nil)
	if err != nil {
		return "", err
	}

	switch {
	case resp.ok(), resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return uid, nil
	default:
		return "", statusError("DELETE", resp)
	}
}

// objectURL joins a collection URL and "{uid}.ics", escaping each path segment
// of the object name while keeping "/" separators.
func objectURL(collection, uid string) (string, error) {
	if uid == "" {
		return "", fmt.Errorf("%w: empty uid", ErrProtocol)
	}

	base, err := url.Parse(collection)
	if err != nil {
		return "", fmt.Errorf("%w: invalid collection URL: %w", ErrProtocol, err)
	}

	// The object name is a single path segment; a "/" in the UID is escaped.
	return strings.TrimSuffix(base.String(), "/") + "/" + url.PathEscape(uid+".ics"), nil
}
