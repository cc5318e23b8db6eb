package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// RemoteHTTP talks to a REST key/value service:
//
//	GET    /kv/{key}          value or 404
//	PUT    /kv/{key}          store the request body
//	DELETE /kv/{key}
//	GET    /kv?pattern=glob   JSON array of matching keys
//
// The service has no sets, so dependencies are kept as empty marker keys
// prefix+"dep:"+collection+":"+key. Expiry is checked on read.
type RemoteHTTP struct {
	base   string
	prefix string
	codec  *Codec
	client *http.Client
	clock  Clock
}

var _ Store = (*RemoteHTTP)(nil)

// NewRemoteHTTP creates a client for the service at baseURL.
func NewRemoteHTTP(baseURL, prefix string, codec *Codec, opts ...Option) *RemoteHTTP {
	o := buildOptions(opts)
	return &RemoteHTTP{
		base:   strings.TrimRight(baseURL, "/"),
		prefix: prefix,
		codec:  codec,
		client: o.httpClient,
		clock:  o.clock,
	}
}

func (h *RemoteHTTP) Name() string { return "remote-http" }

func (h *RemoteHTTP) markerPrefix(coll string) string {
	return h.prefix + "dep:" + coll + ":"
}

func (h *RemoteHTTP) Get(ctx context.Context, key string) (*Entry, bool, error) {
	status, body, err := h.do(ctx, http.MethodGet, h.keyURL(h.prefix+key), nil)
	if err != nil {
		return nil, false, err
	}
	switch status {
	case http.StatusNotFound:
		return nil, false, nil
	case http.StatusOK:
	default:
		return nil, false, fmt.Errorf("remote kv get %s: status %d", key, status)
	}

	e, err := h.codec.Unmarshal(body)
	if err != nil {
		return nil, false, err
	}
	if e.expired(h.clock.Now()) {
		evictions.WithLabelValues(h.Name(), "expired").Inc()
		return nil, false, h.Delete(ctx, key)
	}
	return e, true, nil
}

func (h *RemoteHTTP) Set(ctx context.Context, key string, e *Entry) error {
	data, err := h.codec.Marshal(e)
	if err != nil {
		return err
	}
	if err := h.put(ctx, h.prefix+key, data); err != nil {
		return err
	}
	for _, d := range e.Dependencies {
		if err := h.put(ctx, h.markerPrefix(d)+key, nil); err != nil {
			return err
		}
	}
	return nil
}

func (h *RemoteHTTP) Delete(ctx context.Context, key string) error {
	return h.del(ctx, h.prefix+key)
}

func (h *RemoteHTTP) DeleteByCollection(ctx context.Context, coll string) error {
	marker := h.markerPrefix(coll)
	markers, err := h.keys(ctx, marker+"*")
	if err != nil {
		return err
	}
	for _, m := range markers {
		key, ok := strings.CutPrefix(m, marker)
		if !ok {
			continue
		}
		if err := h.del(ctx, h.prefix+key); err != nil {
			return err
		}
		if err := h.del(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (h *RemoteHTTP) Flush(ctx context.Context) error {
	keys, err := h.keys(ctx, h.prefix+"*")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := h.del(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (h *RemoteHTTP) Close() error {
	return h.codec.Close()
}

func (h *RemoteHTTP) keyURL(raw string) string {
	return h.base + "/kv/" + url.PathEscape(raw)
}

func (h *RemoteHTTP) put(ctx context.Context, raw string, data []byte) error {
	status, _, err := h.do(ctx, http.MethodPut, h.keyURL(raw), data)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("remote kv put %s: status %d", raw, status)
	}
	return nil
}

// del treats 404 as success.
func (h *RemoteHTTP) del(ctx context.Context, raw string) error {
	status, _, err := h.do(ctx, http.MethodDelete, h.keyURL(raw), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent && status != http.StatusNotFound {
		return fmt.Errorf("remote kv delete %s: status %d", raw, status)
	}
	return nil
}

func (h *RemoteHTTP) keys(ctx context.Context, pattern string) ([]string, error) {
	status, body, err := h.do(ctx, http.MethodGet, h.base+"/kv?pattern="+url.QueryEscape(pattern), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("remote kv keys %s: status %d", pattern, status)
	}
	var keys []string
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, fmt.Errorf("remote kv keys %s: %w", pattern, err)
	}
	return keys, nil
}

func (h *RemoteHTTP) do(ctx context.Context, method, target string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("remote kv %s: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("remote kv %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("remote kv %s: read body: %w", method, err)
	}
	return resp.StatusCode, data, nil
}
