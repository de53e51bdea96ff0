package api

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
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taurusmon/taurusmon/internal/wire"
	"github.com/taurusmon/taurusmon/pkg/models"
)

// ErrAnnotationsUnsupported is returned when an annotation operation is
// attempted against a server older than the annotations API.
var ErrAnnotationsUnsupported = errors.New("server version does not support annotations")

const binaryContentType = "application/octet-stream"

// Marker the server embeds in 5xx bodies when a requested object is gone.
const notFoundMarker = "ObjectNotFoundError"

// Client talks to the monitoring backend. It negotiates the metric-data
// encoding per request and tracks the server protocol version from the
// Server response header. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	deviceID   string
	limiter    *rate.Limiter
	logger     *zap.Logger

	mu      sync.RWMutex
	version wire.ServerVersion
}

// NewClient creates a backend client. deviceID identifies this installation
// for notification and annotation endpoints.
func NewClient(baseURL, apiKey, deviceID string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		deviceID:   deviceID,
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		logger:     logger,
	}
}

// ServerVersion returns the protocol version negotiated from the most
// recent response, or "" before the first successful request.
func (c *Client) ServerVersion() wire.ServerVersion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// DeviceID returns the device identity used for server-side bookkeeping.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// do issues a request and classifies any failure into the error taxonomy.
// On success the response body is open and owned by the caller.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, accept string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, newError(ErrCodeNetwork, "rate limiter", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, "")
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(ErrCodeNetwork, fmt.Sprintf("%s %s", method, path), err)
	}

	if header := resp.Header.Get("Server"); header != "" {
		if v := wire.ParseServerHeader(header); v != "" {
			c.mu.Lock()
			c.version = v
			c.mu.Unlock()
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return nil, newError(ErrCodeAuth,
			fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode), nil)
	case resp.StatusCode >= 500 && strings.Contains(string(respBody), notFoundMarker):
		return nil, newError(ErrCodeNotFound,
			fmt.Sprintf("%s %s: object not found", method, path), nil)
	default:
		return nil, newError(ErrCodeServer,
			fmt.Sprintf("%s %s returned %d: %s", method, path, resp.StatusCode, string(respBody)), nil)
	}
}

// Metrics fetches the full metric list.
func (c *Client) Metrics(ctx context.Context) ([]models.Metric, error) {
	resp, err := c.do(ctx, http.MethodGet, "/_metrics", nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	metrics, err := wire.ParseMetrics(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}
	return metrics, nil
}

// Instances fetches the instance list, with ids canonicalized per the
// negotiated server version.
func (c *Client) Instances(ctx context.Context) ([]models.Instance, error) {
	resp, err := c.do(ctx, http.MethodGet, "/_instances", nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	instances, err := wire.ParseInstances(resp.Body, c.ServerVersion())
	if err != nil {
		return nil, fmt.Errorf("parse instances: %w", err)
	}
	return instances, nil
}

// MetricData streams data points for the window [from, to). metricID scopes
// the fetch to one metric; empty fetches all metrics. The binary encoding is
// requested and used when the server offers it; otherwise the legacy JSON
// path decodes the response. fn returning false stops the stream early
// without error.
func (c *Client) MetricData(ctx context.Context, metricID string, from, to time.Time, fn func(*models.MetricData) bool) error {
	query := url.Values{}
	if metricID != "" {
		query.Set("uid", metricID)
	}
	if !from.IsZero() {
		query.Set("from", wire.FormatTimestamp(from.UnixMilli()))
	}
	if !to.IsZero() {
		query.Set("to", wire.FormatTimestamp(to.UnixMilli()))
	}

	// Prefer the binary encoding; servers without it answer in JSON.
	accept := binaryContentType + ", application/json"
	resp, err := c.do(ctx, http.MethodGet, "/_metrics/data", query, nil, accept)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if strings.Contains(resp.Header.Get("Content-Type"), binaryContentType) {
		return wire.StreamMetricDataPack(resp.Body, fn)
	}
	// Legacy JSON compatibility path.
	return wire.StreamMetricData(resp.Body, metricID, fn)
}

// Notifications fetches pending notifications for this device.
func (c *Client) Notifications(ctx context.Context) ([]models.Notification, error) {
	resp, err := c.do(ctx, http.MethodGet, "/_notifications/"+url.PathEscape(c.deviceID), nil, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	notifications, err := wire.ParseNotifications(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse notifications: %w", err)
	}
	return notifications, nil
}

// AckNotifications acknowledges delivery of the given notification ids.
func (c *Client) AckNotifications(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	path := "/_notifications/" + url.PathEscape(c.deviceID) + "/acknowledge"
	resp, err := c.do(ctx, http.MethodPost, path, nil, ids, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// SupportsAnnotations reports whether the negotiated server version has
// annotation endpoints.
func (c *Client) SupportsAnnotations() bool {
	return c.ServerVersion().AtLeast(wire.VersionAnnotations)
}

// Annotations fetches annotations, optionally scoped to one instance.
func (c *Client) Annotations(ctx context.Context, instanceID string) ([]models.Annotation, error) {
	if !c.SupportsAnnotations() {
		return nil, ErrAnnotationsUnsupported
	}
	query := url.Values{}
	if instanceID != "" {
		query.Set("server", instanceID)
	}
	resp, err := c.do(ctx, http.MethodGet, "/_annotations", query, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	annotations, err := wire.ParseAnnotations(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse annotations: %w", err)
	}
	return annotations, nil
}

// AddAnnotation creates an annotation authored by this device.
func (c *Client) AddAnnotation(ctx context.Context, a *models.Annotation) error {
	if !c.SupportsAnnotations() {
		return ErrAnnotationsUnsupported
	}
	body := map[string]any{
		"uid":       a.ID,
		"server":    a.InstanceID,
		"timestamp": wire.FormatTimestamp(a.Timestamp),
		"created":   wire.FormatTimestamp(a.Created),
		"device":    c.deviceID,
		"user":      a.User,
		"message":   a.Message,
		"data":      a.Data,
	}
	resp, err := c.do(ctx, http.MethodPost, "/_annotations", nil, body, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DeleteAnnotation deletes an annotation. Only the device that created the
// annotation may delete it; the check happens before any network call.
func (c *Client) DeleteAnnotation(ctx context.Context, a *models.Annotation) error {
	if !c.SupportsAnnotations() {
		return ErrAnnotationsUnsupported
	}
	if a.Device != c.deviceID {
		return newError(ErrCodeAuth,
			fmt.Sprintf("annotation %s belongs to device %s", a.ID, a.Device), nil)
	}
	query := url.Values{"uid": {a.ID}}
	resp, err := c.do(ctx, http.MethodDelete, "/_annotations", query, nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
