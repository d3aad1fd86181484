package chatstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/stepup/flick/internal/model"
)

// Remote is the HTTP implementation of Backend against the chat service.
type Remote struct {
	baseURL string
	token   string
	userID  string
	client  *http.Client
}

func NewRemote(baseURL, token, userID string) *Remote {
	return &Remote{
		baseURL: baseURL,
		token:   token,
		userID:  userID,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (r *Remote) CurrentUserID() string { return r.userID }

func (r *Remote) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote marshal: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("remote request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("remote %s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("remote %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote decode %s: %w", path, err)
	}
	return nil
}

func (r *Remote) ListMessages(ctx context.Context, chatID string, limit int, before *Cursor) ([]*model.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if before != nil {
		q.Set("before_at", before.At.Format(time.RFC3339Nano))
		q.Set("before_id", before.ID)
	}
	var out []*model.Message
	if err := r.do(ctx, http.MethodGet, "/api/chats/"+chatID+"/messages?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) CreateMessage(ctx context.Context, chatID string, draft Draft, clientTag string) (*model.Message, error) {
	body := map[string]any{
		"content":     draft.Content,
		"format":      draft.Format,
		"attachments": draft.Attachments,
		"client_tag":  clientTag,
	}
	var out model.Message
	if err := r.do(ctx, http.MethodPost, "/api/chats/"+chatID+"/messages", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Remote) MarkChatRead(ctx context.Context, chatID string) error {
	return r.do(ctx, http.MethodPost, "/api/chats/"+chatID+"/read", nil, nil)
}

func (r *Remote) ListChats(ctx context.Context) ([]*model.Chat, error) {
	var rows []*model.ChatSummary
	if err := r.do(ctx, http.MethodGet, "/api/chats", nil, &rows); err != nil {
		return nil, err
	}
	chats := make([]*model.Chat, 0, len(rows))
	for _, row := range rows {
		chat := row.Chat
		chats = append(chats, &chat)
	}
	return chats, nil
}

func (r *Remote) ChatSummary(ctx context.Context, chatID string) (*model.ChatSummary, error) {
	var out model.ChatSummary
	if err := r.do(ctx, http.MethodGet, "/api/chats/"+chatID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
