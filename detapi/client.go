package detapi

import (
	iface "SafetyDetConsole/interface"
	"SafetyDetConsole/logger"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second

	uploadField    = "file"
	uploadFileName = "webcam-capture.jpg"
	uploadMimeType = "image/jpeg"
)

var (
	// ErrTransport covers network failures, timeouts and non-2xx statuses.
	ErrTransport = errors.New("detection backend transport failure")
	// ErrMalformed means the body did not carry the expected fields.
	ErrMalformed = errors.New("malformed detection backend response")
	// ErrEmptyImage is returned before any request is made.
	ErrEmptyImage = errors.New("empty image")
)

// Client talks to the detection backend. Each call is a single attempt.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *resty.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Log()
	}
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		http:    resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		log:     log.Named("detapi"),
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Health returns the backend's liveness payload from GET /.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	body, err := c.get(ctx, "/")
	if err != nil {
		return nil, err
	}
	payload := map[string]any{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: health: %v", ErrMalformed, err)
	}
	return payload, nil
}

func (c *Client) DetectPPE(ctx context.Context, image []byte) (*iface.DetectionResult, error) {
	body, err := c.upload(ctx, "/detect/ppe", image)
	if err != nil {
		return nil, err
	}
	res, err := parsePPE(body)
	if err != nil {
		c.log.Warn("rejected ppe response", zap.Error(err))
		return nil, err
	}
	if !res.Compliance.HazardLevel.Known() {
		c.log.Warn("unrecognised hazard level, treating as violation",
			zap.String("hazardLevel", string(res.Compliance.HazardLevel)))
	}
	return res, nil
}

func (c *Client) DetectSTF(ctx context.Context, image []byte) (*iface.HazardResult, error) {
	body, err := c.upload(ctx, "/detect/stf", image)
	if err != nil {
		return nil, err
	}
	res, err := parseSTF(body)
	if err != nil {
		c.log.Warn("rejected stf response", zap.Error(err))
		return nil, err
	}
	return res, nil
}

func (c *Client) StatsSummary(ctx context.Context) (*iface.StatsSummary, error) {
	body, err := c.get(ctx, "/stats/summary")
	if err != nil {
		return nil, err
	}
	return parseStats(body)
}

func (c *Client) upload(ctx context.Context, path string, image []byte) ([]byte, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartField(uploadField, uploadFileName, uploadMimeType, bytes.NewReader(image)).
		Post(path)
	if err != nil {
		c.log.Error("request failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%w: POST %s: %v", ErrTransport, path, err)
	}
	if !resp.IsSuccess() {
		c.log.Error("backend returned error",
			zap.String("path", path),
			zap.String("status", resp.Status()),
			zap.String("body", truncate(resp.String(), 256)))
		return nil, fmt.Errorf("%w: POST %s: status %d", ErrTransport, path, resp.StatusCode())
	}
	c.log.Debug("request done",
		zap.String("path", path),
		zap.Int("imageBytes", len(image)),
		zap.Duration("latency", time.Since(start)))
	return resp.Body(), nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrTransport, path, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrTransport, path, resp.StatusCode())
	}
	return resp.Body(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
