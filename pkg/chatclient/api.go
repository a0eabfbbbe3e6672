package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bubbles/pkg/protocol"
)

// APIError carries the HTTP status and server error message of a failed
// call.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// APIClient talks to the server's REST endpoints.
type APIClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *APIClient) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}
	return respBody, nil
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Token string `json:"token"`
	User  struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// Register creates an account and stores the issued token on the client.
func (c *APIClient) Register(ctx context.Context, username, password string) (*AuthResult, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	respBody, err := c.doRequest(ctx, http.MethodPost, "/api/auth/register", body)
	if err != nil {
		return nil, err
	}
	var out AuthResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}
	c.Token = out.Token
	return &out, nil
}

// Login authenticates and stores the issued token on the client.
func (c *APIClient) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	respBody, err := c.doRequest(ctx, http.MethodPost, "/api/auth/login", body)
	if err != nil {
		return nil, err
	}
	var out AuthResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}
	c.Token = out.Token
	return &out, nil
}

// Chat is a chat as the list endpoint returns it.
type Chat struct {
	Chat struct {
		ID       string `json:"id"`
		ChatType string `json:"chat_type"`
		Name     string `json:"name,omitempty"`
	} `json:"chat"`
	LastMessage *protocol.Message `json:"last_message,omitempty"`
	UnreadCount int               `json:"unread_count"`
}

func (c *APIClient) GetChats(ctx context.Context) ([]Chat, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/api/chats", nil)
	if err != nil {
		return nil, err
	}
	var out []Chat
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateDirectChat returns the chat shared with the user, creating it on
// first use.
func (c *APIClient) CreateDirectChat(ctx context.Context, userID string) (*Chat, error) {
	body, _ := json.Marshal(map[string]string{"user_id": userID})
	respBody, err := c.doRequest(ctx, http.MethodPost, "/api/chats/direct", body)
	if err != nil {
		return nil, err
	}
	var out Chat
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) CreateGroupChat(ctx context.Context, name string, memberIDs []string) (*Chat, error) {
	body, _ := json.Marshal(map[string]any{"name": name, "member_ids": memberIDs})
	respBody, err := c.doRequest(ctx, http.MethodPost, "/api/chats/group", body)
	if err != nil {
		return nil, err
	}
	var out Chat
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) LeaveChat(ctx context.Context, chatID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/leave", nil)
	return err
}

// MessagePage is one history page, newest first.
type MessagePage struct {
	Messages     []protocol.Message            `json:"messages"`
	HasMore      bool                          `json:"has_more"`
	NextCursor   string                        `json:"next_cursor,omitempty"`
	ReadReceipts []protocol.ReadReceiptPayload `json:"read_receipts"`
}

// GetMessages fetches a history page. An empty cursor fetches the newest
// page.
func (c *APIClient) GetMessages(ctx context.Context, chatID string, limit int, cursor string) (*MessagePage, error) {
	path := "/api/chats/" + url.PathEscape(chatID) + "/messages?limit=" + strconv.Itoa(limit)
	if cursor != "" {
		path += "&cursor=" + url.QueryEscape(cursor)
	}
	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out MessagePage
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage persists a message under a client-minted id.
func (c *APIClient) SendMessage(ctx context.Context, chatID, id, content string, images []string) (*protocol.Message, error) {
	body, _ := json.Marshal(map[string]any{"id": id, "content": content, "images": images})
	respBody, err := c.doRequest(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/messages", body)
	if err != nil {
		return nil, err
	}
	var out protocol.Message
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) EditMessage(ctx context.Context, messageID, content string, removeImages []string) (*protocol.Message, error) {
	body, _ := json.Marshal(map[string]any{"content": content, "remove_images": removeImages})
	respBody, err := c.doRequest(ctx, http.MethodPut, "/api/messages/"+url.PathEscape(messageID), body)
	if err != nil {
		return nil, err
	}
	var out protocol.Message
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil)
	return err
}

// DeleteImages asks the server to remove uploaded files no message
// references, e.g. after an aborted send. URLs already attached to a
// message are left alone server-side.
func (c *APIClient) DeleteImages(ctx context.Context, urls []string) error {
	body, err := json.Marshal(map[string][]string{"urls": urls})
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodDelete, "/api/uploads", body)
	return err
}

// Upload sends an image and returns its public URL.
func (c *APIClient) Upload(ctx context.Context, filename string, content io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filepath.Base(filename))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/uploads", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return "", &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}
