// SPDX-License-Identifier: MIT

// Package webhook fires named events at the smart-outlet webhook service.
package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Event names understood by the outlet service.
const (
	EventHeatOn  = "hot-tub-heat-on"
	EventHeatOff = "hot-tub-heat-off"
	EventPumpOn  = "hot-tub-pump-on"
	EventPumpOff = "hot-tub-pump-off"
)

// Trigger is the outbound webhook interface consumed by the controller.
type Trigger interface {
	Trigger(ctx context.Context, event string) error
}

// Client fires events against a maker-style webhook endpoint:
// POST <base>/trigger/<event>/with/key/<key>.
type Client struct {
	base string
	key  string
	http *http.Client
}

// New returns a client for the given base URL. timeout bounds each trigger.
func New(base, key string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		key:  key,
		http: &http.Client{Timeout: timeout},
	}
}

// Trigger fires the named event. A non-2xx response is an error.
func (c *Client) Trigger(ctx context.Context, event string) error {
	u := c.base + "/trigger/" + url.PathEscape(event)
	if c.key != "" {
		u += "/with/key/" + url.PathEscape(c.key)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", event, err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("trigger %s: unexpected status %d", event, res.StatusCode)
	}
	return nil
}
