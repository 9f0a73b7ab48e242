package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// Gateway delivers one push notification to one recipient handle. The
// delivery mechanism itself is external; implementations are transports.
type Gateway interface {
	SendPush(ctx context.Context, handle, title, body string, data map[string]string) error
}

// HTTPGateway posts notifications to an external push service as json.
type HTTPGateway struct {
	url    string
	client *http.Client
}

func NewHTTPGateway(url string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGateway{url: url, client: client}
}

type pushRequest struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

func (g *HTTPGateway) SendPush(ctx context.Context, handle, title, body string, data map[string]string) error {
	payload, err := json.Marshal(pushRequest{To: handle, Title: title, Body: body, Data: data})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned %s", resp.Status)
	}
	return nil
}

// LogGateway is the development transport: it only logs what would be sent.
type LogGateway struct {
	logger zerolog.Logger
}

func NewLogGateway(logger zerolog.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) SendPush(_ context.Context, handle, title, body string, _ map[string]string) error {
	g.logger.Info().
		Str("handle", handle).
		Str("title", title).
		Str("body", body).
		Msg("push (log gateway)")
	return nil
}
