package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Desco-devs/fleet-realtime/models"
)

// HTTPStatusClient implements StatusAPI against the presence status
// endpoints:
//
//	POST /users/online-status {userId, status}
//	GET  /users/status?userIds=csv
type HTTPStatusClient struct {
	baseURL string
	token   string
	client  *http.Client
}

type HTTPStatusOption func(*HTTPStatusClient)

func WithHTTPClient(client *http.Client) HTTPStatusOption {
	return func(c *HTTPStatusClient) {
		c.client = client
	}
}

func NewHTTPStatusClient(baseURL, token string, opts ...HTTPStatusOption) *HTTPStatusClient {
	c := &HTTPStatusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type onlineStatusRequest struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

func (c *HTTPStatusClient) SetOnlineStatus(ctx context.Context, userID string, online bool) error {
	status := "offline"
	if online {
		status = "online"
	}
	body, err := json.Marshal(onlineStatusRequest{UserID: userID, Status: status})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users/online-status", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("NewRequest: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("Do: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("online-status: unexpected status %d", res.StatusCode)
	}
	return nil
}

func (c *HTTPStatusClient) GetStatuses(ctx context.Context, userIDs []string) ([]models.PresenceRecord, error) {
	q := url.Values{}
	q.Set("userIds", strings.Join(userIDs, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/status?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("NewRequest: %w", err)
	}
	c.authorize(req)

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Do: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status: unexpected status %d", res.StatusCode)
	}

	var recs []models.PresenceRecord
	if err := json.NewDecoder(res.Body).Decode(&recs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return recs, nil
}

func (c *HTTPStatusClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
