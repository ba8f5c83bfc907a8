// Package discord contains a minimal client for the Discord REST API (v10):
// guild member lookup, role reads and mutations, and best-effort channel
// notifications. Only the small surface role reconciliation needs.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrNotFound is returned when a guild member (or other resource) does not
// exist. The reconciliation engine treats it as a per-identity skip, never as
// a reason to unlink.
var ErrNotFound = errors.New("discord: not found")

// Member is a guild member projection: just the role ids currently held.
type Member struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the member currently holds roleID.
func (m *Member) HasRole(roleID string) bool {
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// Client calls the Discord REST API with a bot token.
type Client struct {
	BotToken   string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// GetMember fetches a guild member and their current role ids. The read is
// always fresh; callers must not cache role holdings across cycles.
func (c *Client) GetMember(ctx context.Context, guildID, userID string) (*Member, error) {
	if guildID == "" || userID == "" {
		return nil, fmt.Errorf("guildID and userID required")
	}
	var body struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Roles []string `json:"roles"`
	}
	path := fmt.Sprintf("https://discord.com/api/v10/guilds/%s/members/%s", guildID, userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return &Member{UserID: body.User.ID, Roles: body.Roles}, nil
}

// AddRole grants roleID to a guild member.
func (c *Client) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	path := fmt.Sprintf("https://discord.com/api/v10/guilds/%s/members/%s/roles/%s", guildID, userID, roleID)
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// RemoveRole revokes roleID from a guild member.
func (c *Client) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	path := fmt.Sprintf("https://discord.com/api/v10/guilds/%s/members/%s/roles/%s", guildID, userID, roleID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// SendMessage posts a plain message to a channel.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) error {
	if channelID == "" {
		return fmt.Errorf("channelID required")
	}
	payload := map[string]string{"content": content}
	path := fmt.Sprintf("https://discord.com/api/v10/channels/%s/messages", channelID)
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

func (c *Client) do(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.BotToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("discord request failed: %s %s: %s: %s", method, url, resp.Status, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ChannelNotifier sends operator alerts to a Discord channel. Notify is
// best-effort: failures are logged and swallowed so an alerting outage never
// affects the caller.
type ChannelNotifier struct {
	Client    *Client
	ChannelID string
}

func (n *ChannelNotifier) Notify(ctx context.Context, message string) {
	if n == nil || n.Client == nil || n.ChannelID == "" {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := n.Client.SendMessage(nctx, n.ChannelID, message); err != nil {
		slog.Warn("operator notification failed", slog.Any("err", err), slog.String("component", "discord"))
	}
}
