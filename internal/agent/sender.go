package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/vesaa/inventra/internal/config"
	"github.com/vesaa/inventra/internal/snapshot"
)

// ErrNetworkUnavailable means the server's health check did not answer 200.
var ErrNetworkUnavailable = errors.New("server unavailable")

// healthTimeout bounds the pre-send health check.
const healthTimeout = 10 * time.Second

// Sender posts snapshots to the data plane.
type Sender struct {
	client     *http.Client
	baseURL    string
	ingestPath string
	healthPath string
	token      string
	retry      RetryPolicy
}

// NewSender builds a Sender from the agent settings in cfg.
func NewSender(cfg *config.Config) *Sender {
	timeout := cfg.AgentTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry := DefaultRetryPolicy()
	if cfg.AgentRetryAttempts > 0 {
		retry.MaxAttempts = cfg.AgentRetryAttempts
	}
	if cfg.AgentRetryStep > 0 {
		retry.Backoff = LinearBackoff(cfg.AgentRetryStep)
	}
	return &Sender{
		client:     &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.AgentServerURL, "/"),
		ingestPath: orDefault(cfg.AgentIngestPath, "/api/inventory"),
		healthPath: orDefault(cfg.AgentHealthPath, "/health"),
		token:      cfg.AgentOutboundToken,
		retry:      retry,
	}
}

// WithRetry replaces the retry policy.
func (s *Sender) WithRetry(p RetryPolicy) *Sender {
	s.retry = p
	return s
}

// CheckHealth asks the server for /health. Any transport error or non-200 answer is
// reported as ErrNetworkUnavailable.
func (s *Sender) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+s.healthPath, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %d", ErrNetworkUnavailable, resp.StatusCode)
	}
	return nil
}

// Send checks health, then posts doc under the retry policy and returns the
// machine id the server assigned.
func (s *Sender) Send(ctx context.Context, doc snapshot.Document) (uint, error) {
	if err := s.CheckHealth(ctx); err != nil {
		return 0, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encoding snapshot: %w", err)
	}

	var id uint
	err = s.retry.Do(ctx, func(attempt int) error {
		log.Printf("[agent] sending to %s%s (attempt %d/%d)", s.baseURL, s.ingestPath, attempt, s.retry.MaxAttempts)
		var postErr error
		id, postErr = s.post(ctx, body)
		if postErr != nil {
			log.Printf("[agent] attempt %d failed: %v", attempt, postErr)
		}
		return postErr
	})
	return id, err
}

func (s *Sender) post(ctx context.Context, body []byte) (uint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+s.ingestPath, bytes.NewReader(body))
	if err != nil {
		return 0, permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out struct {
		Success   bool   `json:"success"`
		MachineID uint   `json:"machine_id"`
		Error     string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out)

	switch {
	case resp.StatusCode == http.StatusOK:
		return out.MachineID, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return 0, permanent(fmt.Errorf("server rejected token (401), check --token or agent_outbound_token in config"))
	case resp.StatusCode == http.StatusBadRequest:
		return 0, permanent(fmt.Errorf("server rejected snapshot: %s", out.Error))
	default:
		return 0, fmt.Errorf("server returned %d: %s", resp.StatusCode, out.Error)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
