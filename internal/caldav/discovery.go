package caldav

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/beevik/etree"
)

const (
	nsDAV    = "DAV:"
	nsCalDAV = "urn:ietf:params:xml:ns:caldav"
)

// Discover resolves the collection URL of the calendar whose display name equals identifier.
// Results are cached per (username, identifier).
func (c *Client) Discover(ctx context.Context, identifier string) (string, error) {
	if strings.TrimSpace(identifier) == "" {
		return "", ErrMissingIdentifier
	}

	key := c.username + "|" + identifier
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	principal, err := c.findPrincipal(ctx)
	if err != nil {
		return "", err
	}

	home, err := c.findCalendarHome(ctx, principal)
	if err != nil {
		return "", err
	}

	collection, err := c.findCollection(ctx, home, identifier)
	if err != nil {
		return "", err
	}

	c.cache.Set(key, collection)
	log.Printf("Discovered calendar %q at %s", identifier, collection)
	return collection, nil
}

// InvalidateDiscovery drops the cached collection URL for identifier.
func (c *Client) InvalidateDiscovery(identifier string) {
	c.cache.Delete(c.username + "|" + identifier)
}

// findPrincipal queries the well-known CalDAV endpoint and follows a redirect if one is given.
func (c *Client) findPrincipal(ctx context.Context) (*url.URL, error) {
	wellKnown := c.baseURL.ResolveReference(&url.URL{Path: "/.well-known/caldav"})

	resp, err := c.propfind(ctx, wellKnown.String(), "0", propfindBody("d:current-user-principal"))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		if loc := resp.Header.Get("Location"); loc != "" {
			return resolve(wellKnown, loc)
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: authentication failed (status %d)", ErrProtocol, resp.StatusCode)
	}

	return wellKnown, nil
}

// findCalendarHome reads calendar-home-set from the principal, following
// current-user-principal once when the first URL is not the principal itself.
func (c *Client) findCalendarHome(ctx context.Context, principal *url.URL) (*url.URL, error) {
	target := principal
	for hop := 0; hop < 2; hop++ {
		resp, err := c.propfind(ctx, target.String(), "0",
			propfindBody("d:current-user-principal", "c:calendar-home-set"))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
			return nil, statusError("PROPFIND", resp)
		}

		responses, err := parseMultistatus(resp.Body)
		if err != nil {
			return nil, err
		}

		var principalHref string
		for _, r := range responses {
			if home := r.prop(nsCalDAV, "calendar-home-set"); home != nil {
				if href := childText(home, nsDAV, "href"); href != "" {
					return resolve(resp.URL, href)
				}
			}
			if cup := r.prop(nsDAV, "current-user-principal"); cup != nil && principalHref == "" {
				principalHref = childText(cup, nsDAV, "href")
			}
		}

		if principalHref == "" {
			break
		}
		next, err := resolve(resp.URL, principalHref)
		if err != nil {
			return nil, err
		}
		if next.String() == target.String() {
			break
		}
		target = next
	}

	return nil, fmt.Errorf("%w: no calendar-home-set for principal %s", ErrProtocol, principal.Path)
}

// findCollection lists the home set and matches a calendar collection by display name.
func (c *Client) findCollection(ctx context.Context, home *url.URL, identifier string) (string, error) {
	resp, err := c.propfind(ctx, home.String(), "1", propfindBody("d:displayname", "d:resourcetype"))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return "", statusError("PROPFIND", resp)
	}

	responses, err := parseMultistatus(resp.Body)
	if err != nil {
		return "", err
	}

	for _, r := range responses {
		name := r.prop(nsDAV, "displayname")
		if name == nil || name.Text() != identifier {
			continue
		}
		rt := r.prop(nsDAV, "resourcetype")
		if rt == nil || findChild(rt, nsDAV, "collection") == nil || findChild(rt, nsCalDAV, "calendar") == nil {
			continue
		}
		u, err := resolve(resp.URL, r.href)
		if err != nil {
			return "", err
		}
		return u.String(), nil
	}

	return "", fmt.Errorf("%w: no calendar named %q", ErrCalendarNotFound, identifier)
}

func (c *Client) propfind(ctx context.Context, target, depth string, body []byte) (*response, error) {
	header := http.Header{}
	header.Set("Depth", depth)
	header.Set("Content-Type", "application/xml; charset=utf-8")
	return c.do(ctx, "PROPFIND", target, body, header)
}

// propfindBody builds a PROPFIND request for the given prefixed property names
// ("d:" for DAV, "c:" for CalDAV).
func propfindBody(props ...string) []byte {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	root := doc.CreateElement("d:propfind")
	root.CreateAttr("xmlns:d", nsDAV)
	root.CreateAttr("xmlns:c", nsCalDAV)
	prop := root.CreateElement("d:prop")
	for _, p := range props {
		prop.CreateElement(p)
	}
	b, _ := doc.WriteToBytes()
	return b
}

// davResponse is one <response> of a multistatus body with its successful properties.
type davResponse struct {
	href  string
	props []*etree.Element
}

func (r davResponse) prop(space, local string) *etree.Element {
	for _, p := range r.props {
		if p.NamespaceURI() == space && p.Tag == local {
			return p
		}
	}
	return nil
}

// parseMultistatus parses a 207 body, keeping only properties from 2xx propstats.
func parseMultistatus(body []byte) ([]davResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("%w: malformed multistatus: %w", ErrProtocol, err)
	}

	root := doc.Root()
	if root == nil || root.NamespaceURI() != nsDAV || root.Tag != "multistatus" {
		return nil, fmt.Errorf("%w: expected DAV:multistatus", ErrProtocol)
	}

	var out []davResponse
	for _, el := range root.ChildElements() {
		if el.NamespaceURI() != nsDAV || el.Tag != "response" {
			continue
		}
		r := davResponse{href: childText(el, nsDAV, "href")}
		for _, ps := range el.ChildElements() {
			if ps.NamespaceURI() != nsDAV || ps.Tag != "propstat" {
				continue
			}
			if status := childText(ps, nsDAV, "status"); status != "" && !statusOK(status) {
				continue
			}
			if prop := findChild(ps, nsDAV, "prop"); prop != nil {
				r.props = append(r.props, prop.ChildElements()...)
			}
		}
		out = append(out, r)
	}

	return out, nil
}

// statusOK checks a status line such as "HTTP/1.1 200 OK".
func statusOK(line string) bool {
	fields := strings.Fields(line)
	return len(fields) >= 2 && strings.HasPrefix(fields[1], "2")
}

func findChild(el *etree.Element, space, local string) *etree.Element {
	for _, ch := range el.ChildElements() {
		if ch.NamespaceURI() == space && ch.Tag == local {
			return ch
		}
	}
	return nil
}

func childText(el *etree.Element, space, local string) string {
	if ch := findChild(el, space, local); ch != nil {
		return strings.TrimSpace(ch.Text())
	}
	return ""
}
