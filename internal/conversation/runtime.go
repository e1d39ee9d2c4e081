package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/coder/websocket"
)

// RuntimeClient is the C5-side collaborator client for a deployed agent's
// runtime endpoint: it performs the "login" handshake with a machine token
// and opens the streaming connection that emits flow output chunks, per §6
// "Runtime: ... supports a login handshake returning a bearer and an
// endpoint that streams flow output chunks." Grounded on the teacher's
// pkg/tunnel.Client for the dial-then-read-loop shape, collapsed to a
// single request/response turn instead of a long-lived relay.
type RuntimeClient struct {
	http *http.Client
}

func NewRuntimeClient() *RuntimeClient {
	return &RuntimeClient{http: &http.Client{Timeout: 30 * time.Second}}
}

type loginResponse struct {
	Bearer    string `json:"bearer"`
	StreamURL string `json:"stream_url"`
}

// LoginError wraps any failure during the login handshake, distinguishing
// it from a failure during the stream itself so callers can report
// "runtime_auth_failed" instead of a generic turn failure.
type LoginError struct {
	err error
}

func (e *LoginError) Error() string { return e.err.Error() }
func (e *LoginError) Unwrap() error { return e.err }

// login exchanges a conversation-scoped machine token for the runtime's own
// short-lived streaming bearer and the WebSocket URL to stream from.
func (c *RuntimeClient) login(ctx context.Context, endpointURL, machineToken, conversationID string) (*loginResponse, error) {
	body, _ := json.Marshal(map[string]string{"conversation_id": conversationID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL+"/login", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "build runtime login request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+machineToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientUnavailable, err, "runtime unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, apperr.New(apperr.TransientUnavailable, "runtime login transient failure")
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.New(apperr.Internal, "runtime rejected login")
	}
	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode runtime login response")
	}
	return &out, nil
}

type runtimeChunk struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// Stream performs the login handshake, connects to the runtime's streaming
// endpoint, and invokes onChunk for every non-empty content chunk until the
// runtime signals done or the connection closes. It returns once the turn
// is over, never spawning its own goroutine — the caller (the background
// agent-turn task) owns the goroutine boundary.
func (c *RuntimeClient) Stream(ctx context.Context, endpointURL, machineToken, conversationID, prompt string, onChunk func(content string)) error {
	login, err := c.login(ctx, endpointURL, machineToken, conversationID)
	if err != nil {
		return &LoginError{err: err}
	}

	conn, _, err := websocket.Dial(ctx, login.StreamURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + login.Bearer}},
	})
	if err != nil {
		return &LoginError{err: apperr.Wrap(apperr.TransientUnavailable, err, "runtime stream unreachable")}
	}
	defer conn.Close(websocket.StatusNormalClosure, "turn complete")
	conn.SetReadLimit(1 << 20)

	promptMsg, _ := json.Marshal(map[string]string{"prompt": prompt})
	if err := conn.Write(ctx, websocket.MessageText, promptMsg); err != nil {
		return apperr.Wrap(apperr.TransientUnavailable, err, "write prompt to runtime stream")
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return apperr.Wrap(apperr.TransientUnavailable, err, "runtime stream read failed")
		}
		var chunk runtimeChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return apperr.Wrap(apperr.Internal, err, "decode runtime stream chunk")
		}
		if chunk.Content != "" {
			onChunk(chunk.Content)
		}
		if chunk.Done {
			return nil
		}
	}
}
