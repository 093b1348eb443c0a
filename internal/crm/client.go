// Package crm is a thin façade over the CRM's webhook HTTP/JSON API.
// It owns the shared rate limiter, the per-operation retry policy, and the
// batch coalescing primitive; callers never see HTTP.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/stomaflow/bridge/internal/config"
	"github.com/stomaflow/bridge/internal/metrics"
	"github.com/stomaflow/bridge/internal/model"
)

// rateLimitedCode is the CRM's documented over-quota error code. It arrives
// with HTTP 200 and must be treated like a 429.
const rateLimitedCode = "QUERY_LIMIT_EXCEEDED"

// Client talks to one CRM portal. It is safe for concurrent use; the embedded
// rate limiter serializes callers to the configured calls-per-second budget.
type Client struct {
	webhookURL  string
	http        *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	delays      []time.Duration
	metrics     *metrics.Set

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client from configuration. |m| may be nil.
func NewClient(cfg config.CRM, m *metrics.Set) (*Client, error) {
	var delays, err = cfg.RetryDelaysList()
	if err != nil {
		return nil, err
	}
	if cfg.RateLimit <= 0 {
		return nil, fmt.Errorf("crm rate limit must be positive, got %v", cfg.RateLimit)
	}
	return &Client{
		webhookURL:  strings.TrimRight(cfg.WebhookURL, "/"),
		http:        &http.Client{Timeout: cfg.RequestTimeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		maxAttempts: cfg.MaxRetries,
		delays:      delays,
		metrics:     m,
		sleep:       sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	var timer = time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// call performs a single rate-limited HTTP round trip for |method| and
// returns the raw result payload. It never retries; retry policy lives in
// withRetry, applied exactly once per exported operation.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, model.E(model.KindCRMTransient, method, err)
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, model.E(model.KindCRMValidation, method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.webhookURL+"/"+method+".json", bytes.NewReader(body))
	if err != nil {
		return nil, model.E(model.KindCRMValidation, method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.CRMCall(method, "network_error")
		return nil, model.Errorf(model.KindCRMTransient, method, "request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		c.metrics.CRMCall(method, "network_error")
		return nil, model.Errorf(model.KindCRMTransient, method, "read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.metrics.CRMCall(method, "auth_error")
		return nil, model.Errorf(model.KindCRMValidation, method,
			"webhook rejected with status %d (token revoked?)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		c.metrics.CRMCall(method, "rate_limited")
		return nil, model.Errorf(model.KindCRMTransient, method, "rate limited (429)")
	case resp.StatusCode >= 500:
		c.metrics.CRMCall(method, "server_error")
		return nil, model.Errorf(model.KindCRMTransient, method,
			"server error %d: %s", resp.StatusCode, firstLine(raw))
	case resp.StatusCode != http.StatusOK:
		c.metrics.CRMCall(method, "client_error")
		return nil, model.Errorf(model.KindCRMValidation, method,
			"status %d: %s", resp.StatusCode, firstLine(raw))
	}

	var env struct {
		Result           json.RawMessage `json:"result"`
		Error            string          `json:"error"`
		ErrorDescription string          `json:"error_description"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		c.metrics.CRMCall(method, "bad_payload")
		return nil, model.Errorf(model.KindCRMTransient, method, "decode response: %w", err)
	}
	if env.Error != "" {
		if env.Error == rateLimitedCode {
			c.metrics.CRMCall(method, "rate_limited")
			return nil, model.Errorf(model.KindCRMTransient, method, "%s: %s", env.Error, env.ErrorDescription)
		}
		c.metrics.CRMCall(method, "api_error")
		return nil, model.Errorf(model.KindCRMValidation, method, "%s: %s", env.Error, env.ErrorDescription)
	}
	c.metrics.CRMCall(method, "ok")
	return env.Result, nil
}

// withRetry runs |fn| up to the configured attempt count, backing off between
// attempts on transient failures. Validation and auth errors return at once.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		var err = fn()
		if err == nil || model.KindOf(err) != model.KindCRMTransient {
			return err
		}
		if attempt >= c.maxAttempts {
			return err
		}
		var delay = c.delays[min(attempt-1, len(c.delays)-1)]
		log.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay,
			"err":     err,
		}).Warn("transient CRM failure, backing off")
		if serr := c.sleep(ctx, delay); serr != nil {
			return model.E(model.KindCRMTransient, op, serr)
		}
	}
}

func firstLine(b []byte) string {
	var s = strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// GetDeal reads one deal by id.
func (c *Client) GetDeal(ctx context.Context, id string) (*Deal, error) {
	var deal *Deal
	var err = c.withRetry(ctx, "crm.deal.get", func() error {
		raw, err := c.call(ctx, "crm.deal.get", map[string]any{"id": id})
		if err != nil {
			return err
		}
		var row dealRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return model.Errorf(model.KindCRMTransient, "crm.deal.get", "decode deal: %w", err)
		}
		deal = row.deal()
		return nil
	})
	return deal, err
}

// CreateContact creates a contact and returns its id.
func (c *Client) CreateContact(ctx context.Context, fields map[string]any) (string, error) {
	return c.createEntity(ctx, "crm.contact.add", fields)
}

// CreateDeal creates a deal and returns its id.
func (c *Client) CreateDeal(ctx context.Context, fields map[string]any) (string, error) {
	return c.createEntity(ctx, "crm.deal.add", fields)
}

func (c *Client) createEntity(ctx context.Context, method string, fields map[string]any) (string, error) {
	var id flexID
	var err = c.withRetry(ctx, method, func() error {
		raw, err := c.call(ctx, method, map[string]any{"fields": fields})
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &id); err != nil {
			return model.Errorf(model.KindCRMTransient, method, "decode id: %w", err)
		}
		return nil
	})
	return string(id), err
}

// UpdateDeal writes |fields| onto an existing deal.
func (c *Client) UpdateDeal(ctx context.Context, id string, fields map[string]any) error {
	return c.withRetry(ctx, "crm.deal.update", func() error {
		var _, err = c.call(ctx, "crm.deal.update", map[string]any{"id": id, "fields": fields})
		return err
	})
}

// ConvertLead converts a lead into a deal in one round trip, returning the
// new deal id and, when the CRM created or linked one, a contact id.
func (c *Client) ConvertLead(ctx context.Context, leadID string) (dealID, contactID string, err error) {
	err = c.withRetry(ctx, "crm.lead.convert", func() error {
		raw, err := c.call(ctx, "crm.lead.convert", map[string]any{"id": leadID})
		if err != nil {
			return err
		}
		var out struct {
			DealID    flexID `json:"DEAL_ID"`
			ContactID flexID `json:"CONTACT_ID"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return model.Errorf(model.KindCRMTransient, "crm.lead.convert", "decode result: %w", err)
		}
		dealID, contactID = string(out.DealID), string(out.ContactID)
		return nil
	})
	return dealID, contactID, err
}

// AppendNote records |text| on a deal. The CRM has no cheap timeline append,
// so this is a plain comment-field update in a single round trip.
func (c *Client) AppendNote(ctx context.Context, dealID, text string) error {
	return c.UpdateDeal(ctx, dealID, map[string]any{"COMMENTS": text})
}

// Ping verifies the webhook is reachable and the token accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.withRetry(ctx, "profile", func() error {
		var _, err = c.call(ctx, "profile", map[string]any{})
		return err
	})
}
