// Package fhir is a minimal client for the clinical-records server. The
// booking flow only needs generic search/read/create/update over the
// Practitioner, Patient, Schedule, Slot and Appointment resource types.
package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for reads of absent resources.
	ErrNotFound = errors.New("fhir: resource not found")
	// ErrConflict is returned when the server rejects a write because the
	// resource changed underneath us.
	ErrConflict = errors.New("fhir: resource version conflict")
)

// Client talks to a FHIR-style REST server.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// Config holds configuration for the FHIR client.
type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// New creates a FHIR client with a bounded request timeout.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("fhir: BaseURL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Search runs a typed search, e.g. Search(ctx, "Slot", params).
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error) {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, resourceType)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var bundle Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("fhir: failed to decode %s bundle: %w", resourceType, err)
	}
	return &bundle, nil
}

// Read fetches a single resource by id into out.
func (c *Client) Read(ctx context.Context, resourceType, id string, out any) error {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, resourceType, url.PathEscape(id))
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("fhir: failed to decode %s/%s: %w", resourceType, id, err)
	}
	return nil
}

// Create posts a new resource. When out is non-nil the server's echo of the
// created resource is decoded into it.
func (c *Client) Create(ctx context.Context, resourceType string, resource, out any) error {
	payload, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("fhir: failed to marshal %s: %w", resourceType, err)
	}
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, resourceType)
	body, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("fhir: failed to decode created %s: %w", resourceType, err)
		}
	}
	return nil
}

// Update replaces a resource by id.
func (c *Client) Update(ctx context.Context, resourceType, id string, resource, out any) error {
	payload, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("fhir: failed to marshal %s/%s: %w", resourceType, id, err)
	}
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, resourceType, url.PathEscape(id))
	body, err := c.do(ctx, http.MethodPut, endpoint, payload)
	if err != nil {
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("fhir: failed to decode updated %s: %w", resourceType, err)
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("fhir: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fhir: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fhir: failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return nil, ErrConflict
	default:
		return nil, fmt.Errorf("fhir: server error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
