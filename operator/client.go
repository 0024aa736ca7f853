package operator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Event types sent to the operator webhook.
const (
	EventTableUnavailable = "table_unavailable"
	EventBigWin           = "big_win"
	EventCashbackBatch    = "cashback_batch"
)

// Event is one operator alert.
type Event struct {
	Type       string
	GameKey    string
	Mode       string
	PlayerID   string
	RoundID    string
	Amount     string
	Message    string
	OccurredAt time.Time
}

func (e Event) params() map[string]string {
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return map[string]string{
		"action":      "notify",
		"event":       e.Type,
		"game_key":    e.GameKey,
		"mode":        e.Mode,
		"player_id":   e.PlayerID,
		"round_id":    e.RoundID,
		"amount":      e.Amount,
		"message":     e.Message,
		"occurred_at": at.UTC().Format(time.RFC3339),
	}
}

// Client posts signed alerts to the operator endpoint. A Client without an
// endpoint drops every event.
type Client struct {
	endpoint string
	secret   string
	http     *http.Client
}

func NewClient(endpoint, secret string) *Client {
	return &Client{
		endpoint: endpoint,
		secret:   secret,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Notify(ctx context.Context, ev Event) error {
	if c == nil || c.endpoint == "" {
		return nil
	}
	return c.call(ctx, ev.params())
}

func (c *Client) call(ctx context.Context, params map[string]string) error {
	values := url.Values{}
	for k, v := range params {
		if v != "" {
			values.Set(k, v)
		}
	}
	if c.secret != "" {
		values.Set("signature", c.sign(values))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("operator webhook: status %d", resp.StatusCode)
	}
	return nil
}

// sign is HMAC-SHA256 over the values of every parameter except action,
// concatenated in key order.
func (c *Client) sign(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		if k == "action" || k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := make([]byte, 0, 256)
	for _, k := range keys {
		buf = append(buf, v.Get(k)...)
	}
	m := hmac.New(sha256.New, []byte(c.secret))
	m.Write(buf)
	return hex.EncodeToString(m.Sum(nil))
}

// Verify checks a signature produced by sign. Receivers use it to authenticate alerts.
func Verify(secret string, v url.Values) bool {
	got := v.Get("signature")
	c := &Client{secret: secret}
	return hmac.Equal([]byte(got), []byte(c.sign(v)))
}
