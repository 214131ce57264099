// Package inference talks to the external image-classification service.
//
// The service accepts a base64 image on POST /predict and answers with a
// ranked list of taxonomy labels such as "Apple___Apple_scab", each with a
// confidence score in [0,1]. GET /health is used as a readiness probe.
package inference

import (
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/httpclient"
	"github.com/leafwatch/leafwatch/internal/logger"
	"github.com/leafwatch/leafwatch/internal/observability/metrics"
)

const (
	predictPath = "/predict"
	healthPath  = "/health"

	statusSuccess = "success"

	defaultImageType = "jpg"

	// maxErrorBody caps how much of an error response is kept for logs
	maxErrorBody = 4 << 10

	// failure reasons recorded with the classifier latency metric
	reasonTransport = "transport"
	reasonStatus    = "http_status"
	reasonDecode    = "decode"
	reasonRejected  = "rejected"
	reasonScore     = "invalid_score"
)

// Request is the body sent to the classifier
type Request struct {
	ImageBase64 string `json:"image_base64"`
	ImageType   string `json:"image_type"`
	PlantID     *uint  `json:"plant_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// Candidate is one ranked label returned by the classifier
type Candidate struct {
	Label     string  `json:"disease"`
	Score     float64 `json:"confidence_score"`
	Symptoms  string  `json:"symptom_description,omitempty"`
	Treatment string  `json:"treatment,omitempty"`
}

// Response is the classifier answer. Predictions are sorted by descending
// score once Predict returns.
type Response struct {
	Status            string      `json:"status"`
	Message           string      `json:"message,omitempty"`
	TopPrediction     string      `json:"top_prediction"`
	TopConfidence     float64     `json:"top_confidence"`
	RecommendedAction string      `json:"recommended_action,omitempty"`
	Predictions       []Candidate `json:"predictions"`
}

// Top returns the highest-scoring candidate
func (r *Response) Top() (Candidate, bool) {
	if r == nil || len(r.Predictions) == 0 {
		return Candidate{}, false
	}
	return r.Predictions[0], true
}

// Config configures the classifier client
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// Transport overrides the HTTP transport, used by tests
	Transport http.RoundTripper
}

// Client calls the classifier. It never retries: a failed call surfaces to
// the caller as a network error.
type Client struct {
	http    *httpclient.Client
	baseURL string
	timeout time.Duration
	logger  logger.Logger
	metrics *metrics.PredictionMetrics
}

// NewClient creates a classifier client
func NewClient(cfg Config, log logger.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.Newf("classifier base URL is empty").
			Component("inference").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = httpclient.DefaultTimeout
	}
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}

	return &Client{
		http: httpclient.New(&httpclient.Config{
			DefaultTimeout: cfg.Timeout,
			UserAgent:      cfg.UserAgent,
			Transport:      cfg.Transport,
		}),
		baseURL: base,
		timeout: cfg.Timeout,
		logger:  log.Module("inference"),
	}, nil
}

// SetMetrics enables classifier call metrics
func (c *Client) SetMetrics(m *metrics.PredictionMetrics) {
	c.metrics = m
}

// Close releases pooled connections
func (c *Client) Close() {
	c.http.Close()
}

// Predict sends an image to the classifier. Every failure, including a
// well-formed answer whose status is not "success", is returned as a
// CategoryNetwork error.
func (c *Client) Predict(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.ImageBase64 == "" {
		return nil, errors.Newf("image is required").
			Component("inference").
			Category(errors.CategoryValidation).
			Build()
	}
	if req.ImageType == "" {
		req.ImageType = ImageType(req.ImageBase64)
	}

	url := c.baseURL + predictPath
	start := time.Now()

	resp, err := c.http.Post(ctx, url, "", req)
	if err != nil {
		c.record(predictPath, start, reasonTransport)
		return nil, c.networkError(err, url, reasonTransport).Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.record(predictPath, start, reasonStatus)
		return nil, c.networkError(statusError(resp), url, reasonStatus).
			Context("status_code", resp.StatusCode).
			Build()
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.record(predictPath, start, reasonDecode)
		return nil, c.networkError(fmt.Errorf("decode classifier response: %w", err), url, reasonDecode).Build()
	}

	if !strings.EqualFold(out.Status, statusSuccess) {
		c.record(predictPath, start, reasonRejected)
		msg := out.Message
		if msg == "" {
			msg = "no message"
		}
		return nil, c.networkError(fmt.Errorf("classifier returned status %q: %s", out.Status, msg), url, reasonRejected).Build()
	}

	if err := normalize(&out); err != nil {
		c.record(predictPath, start, reasonScore)
		return nil, c.networkError(err, url, reasonScore).Build()
	}

	c.record(predictPath, start, "")
	c.logger.Debug("classifier answered",
		logger.String("top_prediction", out.Predictions[0].Label),
		logger.Float64("top_confidence", out.Predictions[0].Score),
		logger.Int("candidates", len(out.Predictions)),
		logger.Duration("elapsed", time.Since(start)))

	return &out, nil
}

// Health checks the classifier's readiness endpoint
func (c *Client) Health(ctx context.Context) error {
	url := c.baseURL + healthPath
	start := time.Now()

	resp, err := c.http.Get(ctx, url)
	if err != nil {
		c.record(healthPath, start, reasonTransport)
		return c.networkError(err, url, reasonTransport).Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		c.record(healthPath, start, reasonStatus)
		return c.networkError(statusError(resp), url, reasonStatus).
			Context("status_code", resp.StatusCode).
			Build()
	}

	c.record(healthPath, start, "")
	return nil
}

// normalize validates scores, falls back to the top prediction when no
// list is given, and sorts candidates by descending score.
func normalize(r *Response) error {
	if len(r.Predictions) == 0 && r.TopPrediction != "" {
		r.Predictions = []Candidate{{Label: r.TopPrediction, Score: r.TopConfidence}}
	}
	if len(r.Predictions) == 0 {
		return fmt.Errorf("classifier returned no predictions")
	}

	for _, p := range r.Predictions {
		if math.IsNaN(p.Score) || p.Score < 0 || p.Score > 1 {
			return fmt.Errorf("classifier score %v for %q is outside [0,1]", p.Score, p.Label)
		}
	}

	slices.SortStableFunc(r.Predictions, func(a, b Candidate) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return nil
}

func (c *Client) networkError(err error, url, reason string) *errors.ErrorBuilder {
	return errors.New(err).
		Component("inference").
		Category(errors.CategoryNetwork).
		NetworkContext(url, c.timeout).
		Context("reason", reason)
}

func (c *Client) record(endpoint string, start time.Time, reason string) {
	if c.metrics != nil {
		c.metrics.RecordClassifierCall(endpoint, time.Since(start).Seconds(), reason)
	}
}

// statusError builds an error from a non-2xx response, keeping the
// service's own message when it sent one
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if msg := cmp.Or(payload.Message, payload.Detail); msg != "" {
			return fmt.Errorf("classifier returned HTTP %d: %s", resp.StatusCode, msg)
		}
	}
	return fmt.Errorf("classifier returned HTTP %d", resp.StatusCode)
}

// ImageType derives the image type from a "data:image/<type>;base64," prefix,
// defaulting to jpg.
func ImageType(image string) string {
	rest, ok := strings.CutPrefix(image, "data:image/")
	if !ok {
		return defaultImageType
	}
	kind, _, ok := strings.Cut(rest, ";")
	if !ok || kind == "" {
		return defaultImageType
	}
	return strings.ToLower(kind)
}

// EncodeImage returns raw image bytes as a data URI the classifier accepts
func EncodeImage(data []byte, contentType string) string {
	kind := "jpeg"
	if t, ok := strings.CutPrefix(contentType, "image/"); ok && t != "" {
		kind = t
	}
	return "data:image/" + kind + ";base64," + base64.StdEncoding.EncodeToString(data)
}
