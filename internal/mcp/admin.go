package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/tiles"
	"townsim.ai/internal/sim/world"
)

// APIError is a non-2xx answer from the simulation's admin endpoints.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("admin http %d: %s", e.Status, e.Message)
}

// AdminClient talks to a running server's /admin/v1 endpoints.
type AdminClient struct {
	base string
	hc   *http.Client
}

func NewAdminClient(baseURL string) *AdminClient {
	return &AdminClient{
		base: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *AdminClient) State(ctx context.Context) (world.Status, error) {
	var st world.Status
	err := c.do(ctx, http.MethodGet, "/admin/v1/state", nil, &st)
	return st, err
}

func (c *AdminClient) Tile(ctx context.Context, x, y int) (tiles.Tile, error) {
	var t tiles.Tile
	q := url.Values{"x": {strconv.Itoa(x)}, "y": {strconv.Itoa(y)}}
	err := c.do(ctx, http.MethodGet, "/admin/v1/tile", q, &t)
	return t, err
}

func (c *AdminClient) Save(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/admin/v1/save", nil, nil)
}

func (c *AdminClient) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var em protocol.ErrorMsg
		if json.Unmarshal(body, &em) == nil && em.Code != "" {
			apiErr.Code, apiErr.Message = em.Code, em.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
