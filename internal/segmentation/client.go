// Package segmentation implements the HTTP boundary to the external
// segmentation service. The scheduler only depends on the error
// classification: domain.ErrRateLimited triggers retry with backoff,
// everything else drops the item.
package segmentation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pyckit/segmentation-service/internal/scheduler/domain"
)

// Options configures the segmentation client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

// Client performs segmentation calls against the external service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

type segmentRequest struct {
	Image string          `json:"image"`
	Crop  domain.CropRect `json:"crop"`
}

type segmentResponse struct {
	Mask string          `json:"mask"`
	Crop domain.CropRect `json:"crop"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewClient constructs a client with sane defaults.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Segment requests a mask for one crop of the image, authenticated with the
// given credential.
func (c *Client) Segment(ctx context.Context, image []byte, token string, crop domain.CropRect) (*domain.SegmentResult, error) {
	payload := segmentRequest{
		Image: base64.StdEncoding.EncodeToString(image),
		Crop:  crop,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("segmentation: encode request: %w", err)
	}

	endpoint := c.baseURL + "/v1/segment"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("segmentation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("segmentation: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("segmentation: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Warn("segmentation service rate limited",
			slog.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: status %d", domain.ErrRateLimited, resp.StatusCode)
	}

	if resp.StatusCode >= 300 {
		var detail errorResponse
		if jsonErr := json.Unmarshal(raw, &detail); jsonErr == nil && detail.Error != "" {
			return nil, fmt.Errorf("segmentation: status %d: %s", resp.StatusCode, detail.Error)
		}
		return nil, fmt.Errorf("segmentation: status %d", resp.StatusCode)
	}

	var decoded segmentResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("segmentation: decode response: %w", err)
	}
	if decoded.Mask == "" {
		return nil, domain.ErrNoMask
	}

	mask, err := base64.StdEncoding.DecodeString(decoded.Mask)
	if err != nil {
		return nil, fmt.Errorf("segmentation: decode mask: %w", err)
	}

	return &domain.SegmentResult{Mask: mask, Crop: decoded.Crop}, nil
}
