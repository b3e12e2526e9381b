package payment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type RESTGateway struct {
	cfg    Config
	client *http.Client
}

func NewREST(cfg Config) *RESTGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (g *RESTGateway) CancelSubscription(ctx context.Context, gatewayRef string) error {
	endpoint := fmt.Sprintf("%s/v1/subscriptions/%s/cancel", g.cfg.BaseURL, url.PathEscape(gatewayRef))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusConflict:
		// The gateway no longer has an active subscription under this ref.
		return ErrAlreadyCanceled
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway cancel failed: status=%d body=%s", resp.StatusCode, string(body))
	}
}
