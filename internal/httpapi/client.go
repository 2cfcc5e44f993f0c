package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"profilestore/internal/domain"
)

// Client forwards queries to the instance that owns the partition. Every
// request carries ForwardedHeader, so the peer answers locally or rejects.
type Client struct {
	selfID string
	http   *http.Client
}

// NewClient returns a peer client. The per-request deadline comes from the
// caller's context; timeout only bounds requests made without one.
func NewClient(selfID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{selfID: selfID, http: &http.Client{Timeout: timeout}}
}

func (c *Client) Lookup(ctx context.Context, owner domain.InstanceDescriptor, key string) (domain.ProfileRecord, error) {
	var rec domain.ProfileRecord
	u := peerURL(owner, "/profile/", key)
	err := c.get(ctx, u, &rec)
	return rec, err
}

func (c *Client) Search(ctx context.Context, owner domain.InstanceDescriptor, query string, partitions []domain.PartitionID) ([]domain.ProfileRecord, error) {
	var hits []domain.ProfileRecord
	u := peerURL(owner, "/search/", query)
	if len(partitions) > 0 {
		u.RawQuery = url.Values{"partitions": {formatPartitions(partitions)}}.Encode()
	}
	err := c.get(ctx, u, &hits)
	return hits, err
}

// peerURL escapes segment as a single path element, slashes included.
func peerURL(owner domain.InstanceDescriptor, prefix, segment string) url.URL {
	return url.URL{
		Scheme:  "http",
		Host:    owner.Addr(),
		Path:    prefix + segment,
		RawPath: prefix + url.PathEscape(segment),
	}
}

func (c *Client) get(ctx context.Context, u url.URL, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set(ForwardedHeader, c.selfID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return statusError(u.Host, resp)
}

// statusError maps a peer's error response back onto the domain errors.
func statusError(host string, resp *http.Response) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		if body.Kind != kindNotFound {
			// The peer matched no route, which says nothing about the key.
			return fmt.Errorf("peer %s: no matching route: %s", host, body.Error)
		}
		return fmt.Errorf("%w: %s", domain.ErrNotFound, body.Error)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: peer %s: %s", domain.ErrInvalidRequest, host, body.Error)
	case http.StatusMisdirectedRequest:
		return fmt.Errorf("%w: peer %s: %s", domain.ErrStaleOwnership, host, body.Error)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: peer %s: %s", domain.ErrUnavailable, host, body.Error)
	default:
		return fmt.Errorf("peer %s: http %d: %s", host, resp.StatusCode, body.Error)
	}
}
