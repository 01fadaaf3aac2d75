// shipper.go routes audit entries to destinations beyond the database (a
// local file for air-gapped retention, a webhook for a SIEM or log
// aggregator) so security teams can consume them independently of the
// application's own storage.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/carelink/carelink-backend/internal/config"
	"github.com/carelink/carelink-backend/internal/db/models"
)

// Shipper sends one audit entry to an external destination.
type Shipper interface {
	Ship(ctx context.Context, entry *models.AuditLog) error
	Close() error
}

// NewShippers builds the configured shippers. Misconfigured entries are
// skipped with an error rather than failing startup, so an unreachable SIEM
// never blocks the service from booting.
func NewShippers(cfgs []config.AuditShipperConfig) ([]Shipper, error) {
	var shippers []Shipper
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		switch c.Type {
		case "file":
			if c.File == nil || c.File.Path == "" {
				return shippers, fmt.Errorf("file shipper requires a path")
			}
			s, err := NewFileShipper(c.File.Path)
			if err != nil {
				return shippers, err
			}
			shippers = append(shippers, s)
		case "webhook":
			if c.Webhook == nil || c.Webhook.URL == "" {
				return shippers, fmt.Errorf("webhook shipper requires a url")
			}
			shippers = append(shippers, NewWebhookShipper(c.Webhook))
		default:
			return shippers, fmt.Errorf("unknown audit shipper type %q", c.Type)
		}
	}
	return shippers, nil
}

// FileShipper appends JSON lines to a local file.
type FileShipper struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileShipper opens (or creates) the audit file in append mode.
func NewFileShipper(path string) (*FileShipper, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileShipper{file: f}, nil
}

// Ship writes the entry as one JSON line.
func (s *FileShipper) Ship(_ context.Context, entry *models.AuditLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(data, '\n'))
	return err
}

// Close closes the underlying file.
func (s *FileShipper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// WebhookShipper POSTs each entry as JSON to a configured endpoint.
type WebhookShipper struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookShipper creates a WebhookShipper with a bounded request timeout.
func NewWebhookShipper(cfg *config.AuditWebhookConfig) *WebhookShipper {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookShipper{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Ship delivers the entry. Non-2xx responses are reported as errors so the
// caller can log them; there are no retries, delivery is at-most-once.
func (s *WebhookShipper) Ship(ctx context.Context, entry *models.AuditLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("audit webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op for webhooks.
func (s *WebhookShipper) Close() error { return nil }
