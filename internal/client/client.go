// Package client talks to the tokenfarm API and drives a client session's local history.
package client

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
	"sync"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

const (
	calculationsPath = "/calculations"
	maxErrorBody     = 4 << 10
)

var (
	// ErrUnauthenticated indicates the server rejected the session token.
	ErrUnauthenticated = errors.New("client: unauthenticated")
	// ErrInvalidPayload indicates the server rejected the record as malformed. It is terminal.
	ErrInvalidPayload = errors.New("client: invalid payload")
	// ErrServerUnavailable indicates a transient failure. The outcome of the request is unknown.
	ErrServerUnavailable = errors.New("client: server unavailable")

	errMissingBaseURL = errors.New("client: base url required")
)

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return ErrUnauthenticated
	case e.StatusCode == http.StatusBadRequest:
		return ErrInvalidPayload
	case e.StatusCode >= http.StatusInternalServerError || e.Retryable:
		return ErrServerUnavailable
	default:
		return nil
	}
}

// SubmitResult mirrors the success bodies of POST /calculations.
type SubmitResult struct {
	CalculationID string `json:"calculationId,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	RetryIgnored  bool   `json:"retryIgnored,omitempty"`
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Client is a thin JSON client for the calculations API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: parsed, httpClient: httpClient, token: strings.TrimSpace(cfg.Token)}, nil
}

// SetToken swaps the bearer token, for example after the user signs in or out.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

type submitRequest struct {
	Type         string         `json:"type"`
	Data         map[string]any `json:"data"`
	Results      map[string]any `json:"results,omitempty"`
	RetryAttempt int            `json:"retryAttempt"`
}

type submitResponse struct {
	Success bool `json:"success"`
	SubmitResult
}

// Submit posts record. retryAttempt must be positive for every follow-up of an attempt whose outcome is unknown.
func (c *Client) Submit(ctx context.Context, record records.Record, retryAttempt int) (SubmitResult, error) {
	wireType := record.Variant.WireType()
	if wireType == "" {
		return SubmitResult{}, fmt.Errorf("%w: unknown variant %q", ErrInvalidPayload, record.Variant)
	}
	data := wirePayload(record)

	body, err := json.Marshal(submitRequest{
		Type:         wireType,
		Data:         data,
		Results:      record.Results,
		RetryAttempt: retryAttempt,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var response submitResponse
	if err := c.do(ctx, http.MethodPost, calculationsPath, nil, body, &response); err != nil {
		return SubmitResult{}, err
	}
	return response.SubmitResult, nil
}

type listResponse struct {
	Success      bool             `json:"success"`
	Calculations []records.Record `json:"calculations"`
}

// ListRecords fetches the caller's persisted records of variant.
func (c *Client) ListRecords(ctx context.Context, variant records.Variant) ([]records.Record, error) {
	wireType := variant.WireType()
	if wireType == "" {
		return nil, fmt.Errorf("%w: %q", records.ErrUnknownVariant, variant)
	}
	var response listResponse
	query := url.Values{"type": []string{wireType}}
	if err := c.do(ctx, http.MethodGet, calculationsPath, query, nil, &response); err != nil {
		return nil, err
	}
	listed := make([]records.Record, 0, len(response.Calculations))
	for _, record := range response.Calculations {
		if record.Variant == "" {
			record.Variant = variant
		}
		record.Origin = records.OriginServer
		listed = append(listed, record)
	}
	return listed, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, target any) error {
	endpoint := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return decodeAPIError(response)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrServerUnavailable, err)
	}
	return nil
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func decodeAPIError(response *http.Response) error {
	apiErr := &APIError{StatusCode: response.StatusCode, Message: http.StatusText(response.StatusCode)}
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return apiErr
	}
	var decoded errorResponse
	if json.Unmarshal(raw, &decoded) != nil {
		return apiErr
	}
	if decoded.Error != "" {
		apiErr.Message = decoded.Error
	}
	apiErr.Code = decoded.Code
	apiErr.Retryable = decoded.Retryable
	return apiErr
}

// wirePayload carries the natural key inside data so the server derives the same identity.
func wirePayload(record records.Record) map[string]any {
	data := make(map[string]any, len(record.Payload)+1)
	for key, value := range record.Payload {
		data[key] = value
	}
	if record.Variant == records.VariantEquipmentBuild {
		if _, ok := data[records.FieldID]; !ok && record.ID != "" {
			data[records.FieldID] = record.ID
		}
		return data
	}
	if _, ok := data[records.FieldTimestamp]; !ok && record.CreatedAt > 0 {
		data[records.FieldTimestamp] = record.CreatedAt
	}
	return data
}
