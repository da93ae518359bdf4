package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"replydesk/internal/domain"
)

// Health needs no session.
func (c *Client) Health(ctx context.Context) error {
	return c.Request(ctx, http.MethodGet, "/health", nil, nil, WithEndpoint("health"), Public())
}

// ---- Profile platform (synchronous) ----

func (c *Client) Accounts(ctx context.Context) ([]domain.Account, error) {
	var out []domain.Account
	return out, c.Request(ctx, http.MethodGet, "/api/gbp/accounts", nil, &out, WithEndpoint("gbp.accounts"))
}

func (c *Client) Locations(ctx context.Context) ([]domain.Location, error) {
	var out []domain.Location
	return out, c.Request(ctx, http.MethodGet, "/api/gbp/locations", nil, &out, WithEndpoint("gbp.locations"))
}

func (c *Client) ProfileReviews(ctx context.Context, q domain.ProfileReviewQuery) (domain.ProfileReviewPage, error) {
	v := url.Values{}
	v.Set("location_name", q.LocationName)
	if q.Filter != "" {
		v.Set("filter", q.Filter)
	}
	if q.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(q.PageSize))
	}
	var out domain.ProfileReviewPage
	err := c.Request(ctx, http.MethodGet, "/api/gbp/reviews?"+v.Encode(), nil, &out, WithEndpoint("gbp.reviews"))
	return out, err
}

func (c *Client) PostProfileReply(ctx context.Context, req domain.ProfileReplyRequest) error {
	return c.Request(ctx, http.MethodPost, "/api/gbp/reviews/reply", req, nil, WithEndpoint("gbp.reply"))
}

// ---- Place platform (task based) ----

func (c *Client) Places(ctx context.Context) ([]domain.Place, error) {
	var raw json.RawMessage
	if err := c.Request(ctx, http.MethodGet, "/api/naver/places", nil, &raw, WithEndpoint("naver.places")); err != nil {
		return nil, err
	}
	// the backend answers with a bare list, older builds wrap it
	var out []domain.Place
	if err := decodeList(raw, "places", &out); err != nil {
		return nil, fmt.Errorf("decode places: %w", err)
	}
	return out, nil
}

func (c *Client) PlaceStatus(ctx context.Context) (domain.PlaceStatus, error) {
	var out domain.PlaceStatus
	return out, c.Request(ctx, http.MethodGet, "/api/naver/status", nil, &out, WithEndpoint("naver.status"))
}

type taskRef struct {
	TaskID string `json:"task_id"`
}

func (c *Client) SubmitLoad(ctx context.Context, req domain.LoadRequest) (string, error) {
	var out taskRef
	if err := c.Request(ctx, http.MethodPost, "/api/naver/reviews/load-async", req, &out, WithEndpoint("naver.load_async")); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("load-async: empty task id")
	}
	return out.TaskID, nil
}

func (c *Client) SubmitReply(ctx context.Context, req domain.PlaceReplyRequest) (string, error) {
	var out taskRef
	if err := c.Request(ctx, http.MethodPost, "/api/naver/reviews/reply-async", req, &out, WithEndpoint("naver.reply_async")); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("reply-async: empty task id")
	}
	return out.TaskID, nil
}

type taskWire struct {
	Status   string           `json:"status"`
	Progress *domain.Progress `json:"progress"`
	Result   json.RawMessage  `json:"result"`
	Error    *string          `json:"error"`
}

func (c *Client) TaskStatus(ctx context.Context, taskID string) (domain.TaskState, error) {
	var w taskWire
	path := "/api/naver/tasks/" + url.PathEscape(taskID)
	if err := c.Request(ctx, http.MethodGet, path, nil, &w, WithEndpoint("naver.task_status")); err != nil {
		return domain.TaskState{}, err
	}
	st := domain.TaskState{ID: taskID, Status: domain.ParseTaskStatus(w.Status), Progress: w.Progress}
	if len(w.Result) > 0 && !bytes.Equal(w.Result, []byte("null")) {
		st.Result = w.Result
	}
	if w.Error != nil {
		st.Error = *w.Error
	}
	return st, nil
}

// ---- AI drafting and settings ----

func (c *Client) GenerateReply(ctx context.Context, req domain.DraftRequest) (string, error) {
	var out struct {
		GeneratedReply string `json:"generated_reply"`
	}
	if err := c.Request(ctx, http.MethodPost, "/api/reviews/generate-reply", req, &out, WithEndpoint("reviews.generate_reply")); err != nil {
		return "", err
	}
	return out.GeneratedReply, nil
}

func (c *Client) AISettings(ctx context.Context, placeID string) (domain.AISettings, bool, error) {
	var out struct {
		Settings  *domain.AISettings `json:"settings"`
		IsDefault bool               `json:"is_default"`
	}
	path := "/api/naver/places/" + url.PathEscape(placeID) + "/ai-settings"
	if err := c.Request(ctx, http.MethodGet, path, nil, &out, WithEndpoint("naver.ai_settings")); err != nil {
		return domain.AISettings{}, false, err
	}
	if out.Settings == nil {
		return domain.DefaultAISettings(), true, nil
	}
	return *out.Settings, out.IsDefault, nil
}

func (c *Client) SaveAISettings(ctx context.Context, placeID string, s domain.AISettings) error {
	path := "/api/naver/places/" + url.PathEscape(placeID) + "/ai-settings"
	return c.Request(ctx, http.MethodPut, path, s, nil, WithEndpoint("naver.ai_settings_save"))
}

// decodeList accepts either a JSON array or an object holding one under key.
func decodeList(raw json.RawMessage, key string, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return err
	}
	inner, ok := env[key]
	if !ok {
		return nil
	}
	return json.Unmarshal(inner, out)
}
