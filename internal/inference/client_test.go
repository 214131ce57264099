package inference

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/logger"
	"github.com/leafwatch/leafwatch/internal/observability/metrics"
)

const testBaseURL = "http://classifier.test"

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	client, err := NewClient(Config{
		BaseURL:   testBaseURL + "/",
		Timeout:   2 * time.Second,
		UserAgent: "LeafWatch-test",
		Transport: transport,
	}, logger.NewSlogLogger(io.Discard, logger.LogLevelDebug, time.UTC))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, transport
}

func TestPredictSuccess(t *testing.T) {
	t.Parallel()
	client, transport := newTestClient(t)

	transport.RegisterResponder(http.MethodPost, testBaseURL+"/predict",
		func(req *http.Request) (*http.Response, error) {
			var body Request
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, "png", body.ImageType)
			assert.Equal(t, "LeafWatch-test", req.Header.Get("User-Agent"))
			require.NotNil(t, body.PlantID)
			assert.Equal(t, uint(4), *body.PlantID)

			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"status":             "success",
				"top_prediction":     "Apple___Apple_scab",
				"top_confidence":     0.82,
				"recommended_action": "Remove infected leaves",
				"predictions": []map[string]any{
					{"disease": "Apple___Black_rot", "confidence_score": 0.10},
					{"disease": "Apple___Apple_scab", "confidence_score": 0.82},
					{"disease": "Apple___healthy", "confidence_score": 0.05},
				},
			})
		})

	plantID := uint(4)
	resp, err := client.Predict(context.Background(), &Request{
		ImageBase64: "data:image/png;base64,iVBORw0KGgo=",
		PlantID:     &plantID,
	})
	require.NoError(t, err)

	top, ok := resp.Top()
	require.True(t, ok)
	assert.Equal(t, "Apple___Apple_scab", top.Label)
	assert.InDelta(t, 0.82, top.Score, 1e-9)
	require.Len(t, resp.Predictions, 3)
	assert.Equal(t, "Apple___Black_rot", resp.Predictions[1].Label)
	assert.Equal(t, "Remove infected leaves", resp.RecommendedAction)
}

func TestPredictFallsBackToTopPrediction(t *testing.T) {
	t.Parallel()
	client, transport := newTestClient(t)
	transport.RegisterResponder(http.MethodPost, testBaseURL+"/predict",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"success","top_prediction":"Tomato___healthy","top_confidence":0.91}`))

	resp, err := client.Predict(context.Background(), &Request{ImageBase64: "aGVsbG8="})
	require.NoError(t, err)
	require.Len(t, resp.Predictions, 1)
	assert.Equal(t, "Tomato___healthy", resp.Predictions[0].Label)
}

func TestPredictFailuresAreNetworkErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		responder httpmock.Responder
		contains  string
	}{
		{
			name:      "server error",
			responder: httpmock.NewStringResponder(http.StatusInternalServerError, `{"status":"error","message":"Model not loaded"}`),
			contains:  "Model not loaded",
		},
		{
			name:      "bad gateway without body",
			responder: httpmock.NewStringResponder(http.StatusBadGateway, ``),
			contains:  "HTTP 502",
		},
		{
			name:      "undecodable body",
			responder: httpmock.NewStringResponder(http.StatusOK, `{not json`),
			contains:  "decode",
		},
		{
			name:      "error status",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"status":"error","message":"Image could not be decoded"}`),
			contains:  "Image could not be decoded",
		},
		{
			name:      "score out of range",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"status":"success","predictions":[{"disease":"Apple___Apple_scab","confidence_score":1.7}]}`),
			contains:  "outside [0,1]",
		},
		{
			name:      "empty predictions",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"status":"success","predictions":[]}`),
			contains:  "no predictions",
		},
		{
			name:      "transport failure",
			responder: httpmock.NewErrorResponder(io.ErrUnexpectedEOF),
			contains:  "unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, transport := newTestClient(t)
			transport.RegisterResponder(http.MethodPost, testBaseURL+"/predict", tt.responder)

			resp, err := client.Predict(context.Background(), &Request{ImageBase64: "aGVsbG8="})
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.True(t, errors.IsCategory(err, errors.CategoryNetwork), "got %v", err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestPredictRequiresImage(t *testing.T) {
	t.Parallel()
	client, transport := newTestClient(t)

	_, err := client.Predict(context.Background(), &Request{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Zero(t, transport.GetTotalCallCount())
}

func TestHealth(t *testing.T) {
	t.Parallel()
	client, transport := newTestClient(t)
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/health",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"ok","model_loaded":true}`))
	require.NoError(t, client.Health(context.Background()))

	down, downTransport := newTestClient(t)
	downTransport.RegisterResponder(http.MethodGet, testBaseURL+"/health",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, ``))
	err := down.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
}

func TestPredictRecordsMetrics(t *testing.T) {
	t.Parallel()
	client, transport := newTestClient(t)
	registry := prometheus.NewRegistry()
	m, err := metrics.NewPredictionMetrics(registry)
	require.NoError(t, err)
	client.SetMetrics(m)

	transport.RegisterResponder(http.MethodPost, testBaseURL+"/predict",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"error","message":"busy"}`))
	_, err = client.Predict(context.Background(), &Request{ImageBase64: "aGVsbG8="})
	require.Error(t, err)

	count, err := testutil.GatherAndCount(registry, "leafwatch_classifier_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	t.Parallel()
	_, err := NewClient(Config{BaseURL: " "}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestImageType(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "png", ImageType("data:image/png;base64,AAAA"))
	assert.Equal(t, "jpeg", ImageType("data:image/JPEG;base64,AAAA"))
	assert.Equal(t, "jpg", ImageType("AAAA"))
	assert.Equal(t, "jpg", ImageType("data:image/;base64,AAAA"))
}

func TestEncodeImage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "data:image/png;base64,aGk=", EncodeImage([]byte("hi"), "image/png"))
	assert.Equal(t, "data:image/jpeg;base64,aGk=", EncodeImage([]byte("hi"), "application/octet-stream"))
}
