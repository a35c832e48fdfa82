package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ExitError reports a command that ran on the agent and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// Client talks to one agent.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Exec runs req on the agent and waits for it to finish.
func (c *Client) Exec(ctx context.Context, req ExecRequest) (ExecResponse, error) {
	var resp ExecResponse
	body, err := json.Marshal(req)
	if err != nil {
		return resp, err
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/v0/exec", bytes.NewReader(body))
	if err != nil {
		return resp, err
	}
	hr.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		hr.Header.Set("Authorization", "Bearer "+c.Token)
	}

	res, err := c.httpClient().Do(hr)
	if err != nil {
		return resp, fmt.Errorf("agent exec: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return resp, fmt.Errorf("agent exec: %s: %s", res.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("decode agent response: %w", err)
	}
	return resp, nil
}

// RunCommand runs command on the agent, copying its combined output to out.
func (c *Client) RunCommand(ctx context.Context, command string, out io.Writer) error {
	resp, err := c.Exec(ctx, ExecRequest{Command: command})
	if err != nil {
		return err
	}
	if _, err := io.WriteString(out, resp.Output); err != nil {
		return err
	}
	if resp.ExitCode != 0 {
		return &ExitError{Code: resp.ExitCode}
	}
	return nil
}
