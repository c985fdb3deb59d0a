package opsboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Opsboard HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkItem represents the API work item model.
type WorkItem struct {
	ID         string         `json:"id"`
	ShopID     string         `json:"shop_id"`
	Kind       string         `json:"kind"`
	Title      string         `json:"title"`
	Pipeline   string         `json:"pipeline"`
	StageID    string         `json:"stage_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Archived   bool           `json:"archived"`
	Pending    bool           `json:"pending_action"`
	Version    int64          `json:"version"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

// HistoryEntry represents a ledger entry.
type HistoryEntry struct {
	ID         int64  `json:"id"`
	WorkItemID string `json:"work_item_id"`
	TS         string `json:"ts"`
	Actor      string `json:"actor"`
	Action     string `json:"action"`
	Category   string `json:"category"`
}

// Pending describes a backward move awaiting a justification.
type Pending struct {
	WorkItemID    string `json:"work_item_id"`
	TargetStageID string `json:"target_stage_id"`
}

// Outcome is the result of a transition or approval call.
type Outcome struct {
	Applied         bool     `json:"applied"`
	Item            WorkItem `json:"item"`
	Pending         *Pending `json:"pending,omitempty"`
	EnteredPipeline string   `json:"entered_pipeline,omitempty"`
}

// Stage describes one stage of a pipeline.
type Stage struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Pipeline string `json:"pipeline"`
	Rank     int    `json:"rank"`
	Terminal bool   `json:"terminal,omitempty"`
}

// Board is a per-pipeline projection of work items keyed by stage.
type Board struct {
	Pipeline string                `json:"pipeline"`
	Stages   []Stage               `json:"stages"`
	Columns  map[string][]WorkItem `json:"columns"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedItems wraps list responses with cursors.
type PaginatedItems struct {
	Items      []WorkItem `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// CreateItem creates a work item on the given pipeline's entry stage.
func (c *Client) CreateItem(ctx context.Context, kind, title, pipeline string, attributes map[string]any) (WorkItem, error) {
	body := map[string]any{
		"kind":     kind,
		"title":    title,
		"pipeline": pipeline,
	}
	if len(attributes) > 0 {
		body["attributes"] = attributes
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/items", body, &resp)
	return resp, err
}

// GetItem fetches a work item by id.
func (c *Client) GetItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, c.itemPath(id, ""), nil, &resp)
	return resp, err
}

// Items returns a paginated work item listing.
func (c *Client) Items(ctx context.Context, pipeline string, limit int, cursor string) (PaginatedItems, error) {
	q := url.Values{}
	if pipeline != "" {
		q.Set("pipeline", pipeline)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/items"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedItems
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a work item to the target stage. A backward move on an
// ordered pipeline needs a reason or the outcome comes back pending.
func (c *Client) Transition(ctx context.Context, itemID, targetStageID, reason string) (Outcome, error) {
	body := map[string]any{
		"target_stage_id": targetStageID,
	}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "transition"), body, &resp)
	return resp, err
}

// ResolveFeedback records a positive or negative feedback outcome.
func (c *Client) ResolveFeedback(ctx context.Context, itemID, outcome string) (Outcome, error) {
	body := map[string]any{"outcome": outcome}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "feedback"), body, &resp)
	return resp, err
}

// ResolveExtension records an extension approval decision.
func (c *Client) ResolveExtension(ctx context.Context, itemID, decision, newDueAt, validReason, contactResult string) (Outcome, error) {
	body := map[string]any{"decision": decision}
	if newDueAt != "" {
		body["new_due_at"] = newDueAt
	}
	if validReason != "" {
		body["valid_reason"] = validReason
	}
	if contactResult != "" {
		body["customer_contact_result"] = contactResult
	}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "extension-decision"), body, &resp)
	return resp, err
}

// Approve resolves a request approval on an accessory or partner item.
func (c *Client) Approve(ctx context.Context, itemID, targetStageID, notes string) (Outcome, error) {
	body := map[string]any{
		"target_stage_id": targetStageID,
	}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, c.itemPath(itemID, "approve"), body, &resp)
	return resp, err
}

// History returns a work item's ledger entries, newest first.
func (c *Client) History(ctx context.Context, itemID string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, c.itemPath(itemID, "history"), nil, &resp)
	return resp, err
}

// Board returns the per-stage projection for a pipeline.
func (c *Client) BoardFor(ctx context.Context, pipeline string) (Board, error) {
	var resp Board
	endpoint := fmt.Sprintf("v0/board/%s", url.PathEscape(pipeline))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stages lists the stages of a pipeline in rank order.
func (c *Client) Stages(ctx context.Context, pipeline string) ([]Stage, error) {
	var resp []Stage
	endpoint := fmt.Sprintf("v0/pipelines/%s/stages", url.PathEscape(pipeline))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) itemPath(id, suffix string) string {
	p := fmt.Sprintf("v0/items/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
