package linking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Mailer delivers link codes out-of-band.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// HTTPMailer posts messages to a JSON mail API.
type HTTPMailer struct {
	endpoint string
	apiKey   string
	from     string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPMailer creates a mailer against the given API endpoint.
func NewHTTPMailer(endpoint, apiKey, from string, logger *slog.Logger) *HTTPMailer {
	if logger == nil {
		logger = slog.Default().With("component", "mailer")
	}
	return &HTTPMailer{
		endpoint: endpoint,
		apiKey:   apiKey,
		from:     from,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
	}
}

func (m *HTTPMailer) Send(ctx context.Context, to, subject, body string) error {
	payload := map[string]string{
		"from":    m.from,
		"to":      to,
		"subject": subject,
		"text":    body,
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mail: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if err != nil {
			respBody = []byte("(failed to read response body)")
		}
		return fmt.Errorf("mail API error %d: %s", resp.StatusCode, string(respBody))
	}

	m.logger.Debug("mail sent", "to", to, "subject", subject)
	return nil
}
