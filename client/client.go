package client

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/InsulaLabs/fact/models"
)

const (
	defaultTimeout = 30 * time.Second
)

var (
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
)

type Config struct {
	// BaseURL of factd, e.g. http://127.0.0.1:5000.
	BaseURL    string
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// APIError is a non 2xx answer from factd.
type APIError struct {
	StatusCode int
	Message    string
	Request    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d for %s", e.StatusCode, e.Request)
	}
	return fmt.Sprintf("server error (status %d): %s", e.StatusCode, e.Message)
}

// Is lets errors.Is match ErrNotFound and ErrRateLimited by status.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// Client is the API client for the fact REST surface.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("baseURL cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clientLogger := cfg.Logger.WithGroup("fact_client")

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL '%s': %w", cfg.BaseURL, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("base URL '%s' must be http or https", cfg.BaseURL)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
		},
		Timeout: cfg.Timeout,
	}

	clientLogger.Debug("fact client initialized", "base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     clientLogger,
	}, nil
}

// internal request helper
func (c *Client) doRequest(method, path string, queryParams map[string]string, body any, target any) error {
	reqURL := c.baseURL.JoinPath(path)
	if len(queryParams) > 0 {
		q := reqURL.Query()
		for k, v := range queryParams {
			if v != "" {
				q.Set(k, v)
			}
		}
		reqURL.RawQuery = q.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, reqURL.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request %s %s: %w", method, reqURL.String(), err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Sending request", "method", method, "url", reqURL.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request %s %s failed: %w", method, reqURL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Request: path}
		var errorResp models.ErrorResponse
		if bodyBytes, readErr := io.ReadAll(resp.Body); readErr == nil {
			if json.Unmarshal(bodyBytes, &errorResp) == nil {
				apiErr.Message = errorResp.Error
			}
		}
		c.logger.Debug("Received non-2xx status code", "method", method, "url", reqURL.String(), "status_code", resp.StatusCode)
		return apiErr
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response body for %s %s (status %d): %w", method, reqURL.String(), resp.StatusCode, err)
		}
	}
	return nil
}

func (c *Client) Status() (*models.StatusResponse, error) {
	var out models.StatusResponse
	if err := c.doRequest(http.MethodGet, "rest/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitFirmware uploads a manifest and returns the started run.
func (c *Client) SubmitFirmware(m *models.UploadManifest) (*models.UploadResponse, error) {
	if m == nil || m.FileName == "" {
		return nil, fmt.Errorf("manifest needs a file name")
	}
	var out models.UploadResponse
	if err := c.doRequest(http.MethodPost, "rest/firmware", nil, m, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tree fetches the JSON tree projection of uid as seen from root. Zero
// depth leaves the limit to the server; an empty root means uid.
func (c *Client) Tree(uid, root string, depth int, target any) error {
	if uid == "" {
		return fmt.Errorf("uid cannot be empty")
	}
	params := map[string]string{"root": root}
	if depth > 0 {
		params["depth"] = strconv.Itoa(depth)
	}
	return c.doRequest(http.MethodGet, "rest/firmware/"+uid+"/tree", params, nil, target)
}

func (c *Client) FileObject(uid, root string) (*models.ObjectResponse, error) {
	var out models.ObjectResponse
	err := c.doRequest(http.MethodGet, "rest/file_object/"+uid, map[string]string{"root": root}, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Parents(uid string) (*models.ParentsResponse, error) {
	var out models.ParentsResponse
	if err := c.doRequest(http.MethodGet, "rest/file_object/"+uid+"/parents", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Run fetches a run summary into target.
func (c *Client) Run(id string, target any) error {
	return c.doRequest(http.MethodGet, "rest/runs/"+id, nil, nil, target)
}

func (c *Client) MissingAnalyses() (*models.MissingAnalysesResponse, error) {
	var out models.MissingAnalysesResponse
	if err := c.doRequest(http.MethodGet, "rest/missing_analyses", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
