// Package client talks to the system of record over its request/response API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bakhe8/icgl/internal/dialogue"
	"github.com/bakhe8/icgl/internal/gate"
)

const (
	sessionPath = "/api/chat/session"
	chatPath    = "/api/chat"
	executePath = "/api/chat/execute"
)

// Client wraps API calls.
type Client struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	httpClient *http.Client
}

// New returns a client bound to baseURL.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		Timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RequestError describes a failed exchange with the system of record.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %v", e.Method, e.Path, e.Err)
	}
	msg := fmt.Sprintf("%s %s failed: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Block is a structured part of a chat message.
type Block struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is one entry of a chat transcript.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
	Text    string          `json:"text,omitempty"`
	Blocks  []Block         `json:"blocks,omitempty"`
}

// TextMessage builds a message whose content is plain text.
func TextMessage(role, text string) Message {
	content, _ := json.Marshal(text)
	return Message{Role: role, Content: content, Text: text}
}

// PlainText returns the best textual rendering of the message.
func (m Message) PlainText() string {
	if m.Text != "" {
		return m.Text
	}
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, m.Content); err == nil {
		return buf.String()
	}
	return string(m.Content)
}

// BlockTypes returns the ordered list of block types.
func (m Message) BlockTypes() []string {
	types := make([]string, len(m.Blocks))
	for i, b := range m.Blocks {
		types[i] = b.Type
	}
	return types
}

// ChatRequest is posted for every operator message.
type ChatRequest struct {
	Message     string                 `json:"message"`
	SessionID   string                 `json:"session_id"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Actor       string                 `json:"actor,omitempty"`
	AutoExecute bool                   `json:"auto_execute"`
}

// ChatResponse is the system of record's answer to a ChatRequest.
type ChatResponse struct {
	Messages        []Message      `json:"messages"`
	State           dialogue.State `json:"state"`
	Suggestions     []string       `json:"suggestions"`
	Executed        []gate.Command `json:"executed,omitempty"`
	BlockedCommands []gate.Command `json:"blocked_commands,omitempty"`
}

type sessionResponse struct {
	SessionID string         `json:"session_id"`
	State     dialogue.State `json:"state"`
}

type executeRequest struct {
	SessionID string       `json:"session_id"`
	Command   gate.Command `json:"command"`
}

// CreateSession asks the server for a new conversation id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var resp sessionResponse
	if err := c.PostJSON(ctx, sessionPath, map[string]interface{}{}, &resp); err != nil {
		return "", err
	}
	id := resp.SessionID
	if id == "" {
		id = resp.State.SessionID
	}
	if id == "" {
		return "", &RequestError{Method: http.MethodPost, Path: sessionPath, Err: fmt.Errorf("response carried no session_id")}
	}
	return id, nil
}

// Send posts one chat exchange.
func (c *Client) Send(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.PostJSON(ctx, chatPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Execute runs one confirmed command on the server and returns its output.
func (c *Client) Execute(ctx context.Context, sessionID string, cmd gate.Command) (string, error) {
	var result gate.Command
	if err := c.PostJSON(ctx, executePath, executeRequest{SessionID: sessionID, Command: cmd}, &result); err != nil {
		return "", err
	}
	if result.Status == gate.StatusError {
		return result.Output, fmt.Errorf("command %q failed on server", cmd.Cmd)
	}
	return result.Output, nil
}

// Executor binds Execute to a session for use by the command gate.
func (c *Client) Executor(sessionID func() string) gate.Executor {
	return gate.ExecutorFunc(func(ctx context.Context, cmd gate.Command) (string, error) {
		return c.Execute(ctx, sessionID(), cmd)
	})
}

// PostJSON marshals payload, posts it to path and decodes the response into target.
func (c *Client) PostJSON(ctx context.Context, path string, payload interface{}, target interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, target)
}

func (c *Client) do(req *http.Request, target interface{}) error {
	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.Timeout}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return &RequestError{Method: req.Method, Path: req.URL.Path, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RequestError{
			Method:     req.Method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return &RequestError{Method: req.Method, Path: req.URL.Path, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
