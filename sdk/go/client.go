package cmdgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal cmdgate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client authenticating with an API key.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		APIKey:   apiKey,
		Timeout:  10 * time.Second,
	}
}

// Command is a submitted command as the API reports it.
type Command struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	CommandText  string `json:"command_text"`
	Status       string `json:"status"`
	CreditsUsed  int    `json:"credits_used"`
	Output       string `json:"output,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// ApprovalRequest tracks the votes on a gated command.
type ApprovalRequest struct {
	ID                string `json:"id"`
	CommandID         string `json:"command_id"`
	RequesterID       string `json:"requester_id"`
	RequiredApprovals int    `json:"required_approvals"`
	CurrentApprovals  int    `json:"current_approvals"`
	CurrentRejections int    `json:"current_rejections"`
	Status            string `json:"status"`
	RejectionReason   string `json:"rejection_reason,omitempty"`
	ExpiresAt         string `json:"expires_at"`
}

// User is the public view of an account.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Role          string `json:"role"`
	Tier          string `json:"tier"`
	CreditBalance int    `json:"credit_balance"`
	Active        bool   `json:"active"`
}

// AuditEntry is one row of the audit trail.
type AuditEntry struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts"`
	ActorID      string `json:"actor_id"`
	ActionType   string `json:"action_type"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`
	Metadata     string `json:"metadata"`
	ErrorKind    string `json:"error_kind,omitempty"`
}

// AuditPage wraps audit listings with their cursor.
type AuditPage struct {
	Items      []AuditEntry `json:"items"`
	NextCursor int64        `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the stable error code from the
// response envelope, e.g. insufficient_credits.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp struct {
		User User `json:"user"`
	}
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp.User, err
}

// Token exchanges the client's credentials for a bearer token and switches
// the client to it.
func (c *Client) Token(ctx context.Context) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/token", nil, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Submit sends a command through the gate. On insufficient credits or a
// fail-closed miss the command is still stored; its id is in the
// APIError details.
func (c *Client) Submit(ctx context.Context, text string) (Command, error) {
	var resp Command
	err := c.do(ctx, http.MethodPost, "commands", map[string]any{"command_text": text}, &resp)
	return resp, err
}

// Command fetches a command by id.
func (c *Client) Command(ctx context.Context, id string) (Command, error) {
	var resp Command
	err := c.do(ctx, http.MethodGet, "commands/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// PendingApprovals lists requests still waiting for votes.
func (c *Client) PendingApprovals(ctx context.Context) ([]ApprovalRequest, error) {
	var resp struct {
		Items []ApprovalRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "approvals?status=PENDING", nil, &resp)
	return resp.Items, err
}

// Vote casts APPROVE or REJECT on a request.
func (c *Client) Vote(ctx context.Context, requestID, vote, comment string) (ApprovalRequest, error) {
	body := map[string]any{"vote": vote}
	if comment != "" {
		body["comment"] = comment
	}
	var resp ApprovalRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/votes", url.PathEscape(requestID)), body, &resp)
	return resp, err
}

// AuditPage returns one page of the audit trail; pass the previous
// NextCursor to continue.
func (c *Client) AuditPage(ctx context.Context, limit int, cursor int64) (AuditPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprint(cursor))
	}
	endpoint := "audit"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
