package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultMaxTries       = 3
)

// HTTPClient talks JSON over HTTP to a ledger gateway. Transient transport
// failures are retried with exponential backoff inside a single call;
// anything still failing surfaces as ErrUnavailable for the caller's
// next-tick retry.
type HTTPClient struct {
	baseURL  string
	client   *http.Client
	maxTries uint
}

// NewHTTPClient builds a ledger client for the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("ledger base url is required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("parse ledger base url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HTTPClient{
		baseURL:  trimmed,
		client:   &http.Client{Timeout: timeout},
		maxTries: defaultMaxTries,
	}, nil
}

type commitRequest struct {
	RootHash string `json:"root_hash"`
}

type commitmentPayload struct {
	BatchID        string    `json:"batch_id"`
	Ref            string    `json:"commitment_ref"`
	RootHash       string    `json:"root_hash"`
	SequenceNumber uint64    `json:"sequence_number"`
	Timestamp      time.Time `json:"timestamp"`
}

func (p commitmentPayload) commitment() Commitment {
	ref := p.Ref
	if ref == "" {
		ref = p.BatchID
	}
	return Commitment{
		BatchID:        p.BatchID,
		Ref:            ref,
		RootHash:       p.RootHash,
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
	}
}

// Commit appends a root to the ledger.
func (c *HTTPClient) Commit(ctx context.Context, rootHash string) (Commitment, error) {
	body, err := json.Marshal(commitRequest{RootHash: rootHash})
	if err != nil {
		return Commitment{}, fmt.Errorf("encode commit request: %w", err)
	}
	payload, err := c.do(ctx, http.MethodPost, c.baseURL+"/commitments", string(body))
	if err != nil {
		return Commitment{}, err
	}
	if payload == nil {
		return Commitment{}, fmt.Errorf("%w: empty commit response", ErrUnavailable)
	}
	return payload.commitment(), nil
}

// GetCommitment fetches one commitment by batch identifier.
func (c *HTTPClient) GetCommitment(ctx context.Context, batchID string) (Commitment, bool, error) {
	payload, err := c.do(ctx, http.MethodGet, c.baseURL+"/commitments/"+url.PathEscape(batchID), "")
	if err != nil {
		return Commitment{}, false, err
	}
	if payload == nil {
		return Commitment{}, false, nil
	}
	return payload.commitment(), true, nil
}

// RecentCommitments lists the newest commitments, newest first.
func (c *HTTPClient) RecentCommitments(ctx context.Context, limit int) ([]Commitment, error) {
	if limit <= 0 {
		limit = 20
	}
	endpoint := c.baseURL + "/commitments?limit=" + strconv.Itoa(limit)
	operation := func() ([]Commitment, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, statusError(resp.StatusCode)
		}
		var payloads []commitmentPayload
		if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decode commitments: %w", err))
		}
		out := make([]Commitment, 0, len(payloads))
		for _, p := range payloads {
			out = append(out, p.commitment())
		}
		return out, nil
	}
	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list commitments: %v", ErrUnavailable, err)
	}
	return out, nil
}

// do runs one request with retry; a nil payload with nil error means the
// ledger definitively holds nothing for the request (HTTP 404).
func (c *HTTPClient) do(ctx context.Context, method, endpoint, body string) (*commitmentPayload, error) {
	operation := func() (*commitmentPayload, error) {
		var reader *strings.Reader
		if body != "" {
			reader = strings.NewReader(body)
		} else {
			reader = strings.NewReader("")
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var payload commitmentPayload
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return nil, backoff.Permanent(fmt.Errorf("decode commitment: %w", err))
			}
			return &payload, nil
		default:
			return nil, statusError(resp.StatusCode)
		}
	}
	payload, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, endpoint, err)
	}
	return payload, nil
}

func statusError(code int) error {
	err := fmt.Errorf("ledger returned status %d", code)
	if code >= 400 && code < 500 {
		// Client errors will not improve with retry.
		return backoff.Permanent(err)
	}
	return err
}
