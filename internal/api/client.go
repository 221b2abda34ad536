package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/internal/rollout"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/gorilla/mux"
)

// Client talks to a roll server. Errors the server classified come back
// as *fault.Error with their original kind.
type Client struct {
	client       *http.Client
	router       *mux.Router
	endpoint     string
	pollInterval time.Duration
}

func NewClient(c *http.Client, endpoint string) *Client {
	if c == nil {
		c = &http.Client{Timeout: 30 * time.Second}
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return &Client{
		client:       c,
		router:       NewRouter(),
		endpoint:     endpoint,
		pollInterval: 2 * time.Second,
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "GET", routePing, nil, nil)
}

func (c *Client) StartRollout(ctx context.Context, req rollout.Request) (string, error) {
	var res StartResponse
	err := c.do(ctx, "POST", routeStartRollout, req, &res)
	return res.ID, err
}

func (c *Client) GetRolloutStatus(ctx context.Context, id string) (models.RolloutRecord, error) {
	var res models.RolloutRecord
	err := c.do(ctx, "GET", routeGetRollout, nil, &res, "id", id)
	return res, err
}

func (c *Client) CancelRollout(ctx context.Context, id string) error {
	return c.do(ctx, "POST", routeCancelRollout, nil, nil, "id", id)
}

func (c *Client) History(ctx context.Context, workload string) ([]models.RolloutRecord, error) {
	var res []models.RolloutRecord
	err := c.do(ctx, "GET", routeHistory, nil, &res, "name", workload)
	return res, err
}

func (c *Client) Rollback(ctx context.Context, workload string, version int) (string, error) {
	var res StartResponse
	err := c.do(ctx, "POST", routeRollback, RollbackRequest{Version: version}, &res, "name", workload)
	return res.ID, err
}

func (c *Client) ListArtifacts(ctx context.Context) ([]models.ArtifactRef, error) {
	var res []models.ArtifactRef
	err := c.do(ctx, "GET", routeArtifacts, nil, &res)
	return res, err
}

// Wait polls the rollout until it reaches a terminal phase.
func (c *Client) Wait(ctx context.Context, id string) (models.RolloutRecord, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		rec, err := c.GetRolloutStatus(ctx, id)
		if err != nil {
			return rec, err
		}
		if rec.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, route string, body, dest interface{}, pathVars ...string) error {
	u, err := makeURL(c.endpoint, c.router, route, pathVars...)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to construct request %s: %w", u, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach roll server at %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
	default:
		return responseError(resp)
	}

	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode response from server: %w", err)
	}
	return nil
}

func responseError(resp *http.Response) error {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var ferr fault.Error
		if err := json.NewDecoder(resp.Body).Decode(&ferr); err != nil {
			return fmt.Errorf("failed to decode error in response body: %w", err)
		}
		return &ferr
	}
	data, _ := io.ReadAll(resp.Body)
	return fault.New(fault.Internal, "", fmt.Errorf("%s %s", resp.Status, strings.TrimSpace(string(data))))
}
