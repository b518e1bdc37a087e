// Package familyapi is the FamilyLists backend client: an HTTP write
// transport and a websocket push source for the sync engine.
package familyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brettcrane/familylist-sub000/internal/listsync"
)

// Client talks to the FamilyLists REST API. It implements
// listsync.WriteTransport and listsync.CategorySuggester. Failures are
// classified for the engine: errors that never reached the server wrap
// listsync.ErrUnreachable, HTTP failures surface as *listsync.ServerError.
type Client struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// ClientOptions configures a Client. BaseURL is required in practice;
// everything else has a default.
type ClientOptions struct {
	BaseURL    string
	Token      string
	UserID     string
	HTTPClient *http.Client
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		userID:     strings.TrimSpace(opts.UserID),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// Wire shapes follow the backend's snake_case schemas.

type listResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Icon         string `json:"icon,omitempty"`
	Color        string `json:"color,omitempty"`
	OwnerID      string `json:"owner_id,omitempty"`
	IsShared     bool   `json:"is_shared,omitempty"`
	ItemCount    int    `json:"item_count"`
	CheckedCount int    `json:"checked_count"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

type listWithItemsResponse struct {
	listResponse
	Categories []categoryResponse `json:"categories"`
	Items      []itemResponse     `json:"items"`
}

type categoryResponse struct {
	ID        string `json:"id"`
	ListID    string `json:"list_id"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
}

type itemResponse struct {
	ID         string  `json:"id"`
	ListID     string  `json:"list_id"`
	CategoryID string  `json:"category_id,omitempty"`
	Name       string  `json:"name"`
	Quantity   float64 `json:"quantity,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	Notes      string  `json:"notes,omitempty"`
	IsChecked  bool    `json:"is_checked"`
	CheckedBy  string  `json:"checked_by,omitempty"`
	CheckedAt  string  `json:"checked_at,omitempty"`
	SortOrder  int     `json:"sort_order"`
	CreatedAt  string  `json:"created_at,omitempty"`
	UpdatedAt  string  `json:"updated_at,omitempty"`
}

func (r listResponse) toSummary() listsync.ListSummary {
	return listsync.ListSummary{
		ID:           r.ID,
		Name:         r.Name,
		Type:         r.Type,
		Icon:         r.Icon,
		Color:        r.Color,
		OwnerID:      r.OwnerID,
		Shared:       r.IsShared,
		ItemCount:    r.ItemCount,
		CheckedCount: r.CheckedCount,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (r listWithItemsResponse) toDetail() listsync.ListDetail {
	detail := listsync.ListDetail{
		ID:   r.ID,
		Name: r.Name,
		Type: r.Type,
	}
	for _, category := range r.Categories {
		detail.Categories = append(detail.Categories, category.toCategory())
	}
	for _, item := range r.Items {
		detail.Items = append(detail.Items, item.toItem())
	}
	return detail
}

func (r categoryResponse) toCategory() listsync.Category {
	return listsync.Category{
		ID:        r.ID,
		ListID:    r.ListID,
		Name:      r.Name,
		SortOrder: r.SortOrder,
	}
}

func (r itemResponse) toItem() listsync.Item {
	return listsync.Item{
		ID:         r.ID,
		ListID:     r.ListID,
		CategoryID: r.CategoryID,
		Name:       r.Name,
		Quantity:   r.Quantity,
		Unit:       r.Unit,
		Notes:      r.Notes,
		Checked:    r.IsChecked,
		CheckedBy:  r.CheckedBy,
		CheckedAt:  r.CheckedAt,
		SortOrder:  r.SortOrder,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (c *Client) ListLists(ctx context.Context) ([]listsync.ListSummary, error) {
	var out []listResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/lists", nil, &out); err != nil {
		return nil, err
	}
	summaries := make([]listsync.ListSummary, 0, len(out))
	for _, r := range out {
		summaries = append(summaries, r.toSummary())
	}
	return summaries, nil
}

func (c *Client) GetList(ctx context.Context, listID string) (listsync.ListDetail, error) {
	var out listWithItemsResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/lists/"+url.PathEscape(listID), nil, &out)
	return out.toDetail(), err
}

func (c *Client) CreateList(ctx context.Context, data listsync.ListCreate) (listsync.ListDetail, error) {
	body := map[string]any{
		"name": data.Name,
		"type": data.Type,
	}
	if data.Icon != "" {
		body["icon"] = data.Icon
	}
	if data.Color != "" {
		body["color"] = data.Color
	}
	var out listWithItemsResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/lists", body, &out)
	return out.toDetail(), err
}

func (c *Client) UpdateList(ctx context.Context, listID string, patch listsync.ListPatch) (listsync.ListSummary, error) {
	body := map[string]any{}
	if patch.Name != nil {
		body["name"] = *patch.Name
	}
	if patch.Icon != nil {
		body["icon"] = *patch.Icon
	}
	if patch.Color != nil {
		body["color"] = *patch.Color
	}
	var out listResponse
	err := c.doJSON(ctx, http.MethodPut, "/api/lists/"+url.PathEscape(listID), body, &out)
	return out.toSummary(), err
}

func (c *Client) DeleteList(ctx context.Context, listID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/lists/"+url.PathEscape(listID), nil, nil)
}

func (c *Client) CreateItem(ctx context.Context, listID string, data listsync.ItemCreate) (listsync.Item, error) {
	body := map[string]any{
		"name": data.Name,
	}
	if data.Quantity > 0 {
		body["quantity"] = data.Quantity
	}
	if data.Unit != "" {
		body["unit"] = data.Unit
	}
	if data.Notes != "" {
		body["notes"] = data.Notes
	}
	if data.CategoryID != "" {
		body["category_id"] = data.CategoryID
	}
	// The create endpoint handles single and batch bodies and always
	// replies with a list.
	var out []itemResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/lists/"+url.PathEscape(listID)+"/items", body, &out)
	if err != nil {
		return listsync.Item{}, err
	}
	if len(out) == 0 {
		return listsync.Item{}, &listsync.ServerError{Status: http.StatusBadGateway, Detail: "empty create response"}
	}
	return out[0].toItem(), nil
}

func (c *Client) UpdateItem(ctx context.Context, itemID string, patch listsync.ItemPatch) (listsync.Item, error) {
	body := map[string]any{}
	if patch.Name != nil {
		body["name"] = *patch.Name
	}
	if patch.Quantity != nil {
		body["quantity"] = *patch.Quantity
	}
	if patch.Unit != nil {
		body["unit"] = *patch.Unit
	}
	if patch.Notes != nil {
		body["notes"] = *patch.Notes
	}
	if patch.CategoryID != nil {
		body["category_id"] = *patch.CategoryID
	}
	var out itemResponse
	err := c.doJSON(ctx, http.MethodPut, "/api/items/"+url.PathEscape(itemID), body, &out)
	return out.toItem(), err
}

func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(itemID), nil, nil)
}

func (c *Client) CheckItem(ctx context.Context, itemID string) (listsync.Item, error) {
	body := map[string]any{}
	if c.userID != "" {
		body["user_id"] = c.userID
	}
	var out itemResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/items/"+url.PathEscape(itemID)+"/check", body, &out)
	return out.toItem(), err
}

func (c *Client) UncheckItem(ctx context.Context, itemID string) (listsync.Item, error) {
	var out itemResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/items/"+url.PathEscape(itemID)+"/uncheck", nil, &out)
	return out.toItem(), err
}

func (c *Client) ClearChecked(ctx context.Context, listID string) (int, error) {
	var out struct {
		DeletedCount int `json:"deleted_count"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/lists/"+url.PathEscape(listID)+"/clear", nil, &out)
	return out.DeletedCount, err
}

func (c *Client) RestoreChecked(ctx context.Context, listID string) (int, error) {
	var out struct {
		RestoredCount int `json:"restored_count"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/lists/"+url.PathEscape(listID)+"/restore", nil, &out)
	return out.RestoredCount, err
}

func (c *Client) ReorderItems(ctx context.Context, listID string, itemIDs []string) error {
	body := map[string]any{"item_ids": itemIDs}
	return c.doJSON(ctx, http.MethodPost, "/api/lists/"+url.PathEscape(listID)+"/items/reorder", body, nil)
}

func (c *Client) CreateCategory(ctx context.Context, listID, name string) (listsync.Category, error) {
	body := map[string]any{"name": name}
	var out categoryResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/lists/"+url.PathEscape(listID)+"/categories", body, &out)
	return out.toCategory(), err
}

func (c *Client) ReorderCategories(ctx context.Context, listID string, categoryIDs []string) error {
	body := map[string]any{"category_ids": categoryIDs}
	return c.doJSON(ctx, http.MethodPost, "/api/lists/"+url.PathEscape(listID)+"/categories/reorder", body, nil)
}

// SuggestCategory asks the AI endpoint for a category guess.
func (c *Client) SuggestCategory(ctx context.Context, name, listType string) (listsync.CategorySuggestion, error) {
	body := map[string]any{
		"item_name": name,
		"list_type": listType,
	}
	var out listsync.CategorySuggestion
	err := c.doJSON(ctx, http.MethodPost, "/api/ai/categorize", body, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", listsync.ErrUnreachable, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %v", listsync.ErrUnreachable, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &listsync.ServerError{
			Status: resp.StatusCode,
			Detail: errPayload.Detail,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
