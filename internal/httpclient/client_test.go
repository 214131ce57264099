package httpclient

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	t.Run("nil config", func(t *testing.T) {
		t.Parallel()
		client := New(nil)
		assert.Equal(t, DefaultTimeout, client.defaultTimeout)
		assert.Equal(t, defaultUserAgent, client.userAgent)
	})

	t.Run("custom values kept", func(t *testing.T) {
		t.Parallel()
		cfg := Config{DefaultTimeout: 5 * time.Second, UserAgent: "LeafWatch-test/1.0"}
		client := New(&cfg)
		assert.Equal(t, 5*time.Second, client.defaultTimeout)
		assert.Equal(t, "LeafWatch-test/1.0", client.userAgent)
		assert.Nil(t, cfg.Transport, "caller config must not be modified")
	})

	t.Run("zero values", func(t *testing.T) {
		t.Parallel()
		client := New(&Config{})
		assert.Equal(t, DefaultTimeout, client.defaultTimeout)
		assert.NotEmpty(t, client.userAgent)
	})
}

func TestDoSetsUserAgent(t *testing.T) {
	t.Parallel()
	var received string
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClientWithConfig(t, &Config{UserAgent: "LeafWatch/2.0"})
	resp, err := client.Get(t.Context(), server.URL)
	require.NoError(t, err)
	closeResponseBody(t, resp)

	assert.Equal(t, "LeafWatch/2.0", received)
}

func TestDoBodyReadableAfterReturn(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("leaf", 4096))
	})

	// No deadline on the context, so the default timeout is attached and
	// must survive until the body is closed
	client := newTestClientWithConfig(t, &Config{DefaultTimeout: 5 * time.Second})
	resp, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer closeResponseBody(t, resp)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, body, 4*4096)
}

func TestDoCancelledContext(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	})

	client := newTestClient(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	resp, err := client.Get(ctx, server.URL)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoDefaultTimeout(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	})

	client := newTestClientWithConfig(t, &Config{DefaultTimeout: 50 * time.Millisecond})
	_, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoContextDeadlineWins(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})

	client := newTestClientWithConfig(t, &Config{DefaultTimeout: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	resp, err := client.Get(ctx, server.URL)
	require.NoError(t, err)
	defer closeResponseBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDoConcurrent(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	client := newTestClient(t)

	const n = 32
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			resp, err := client.Get(t.Context(), server.URL)
			if assert.NoError(t, err) {
				assert.Equal(t, http.StatusNoContent, resp.StatusCode)
				_ = resp.Body.Close()
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(n), hits.Load())
}

func TestHooks(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	client := newTestClient(t)

	var before, after atomic.Bool
	var status atomic.Int32
	client.SetBeforeRequestHook(func(r *http.Request) {
		before.Store(true)
		assert.Equal(t, server.URL, r.URL.String())
	})
	client.SetAfterResponseHook(func(_ *http.Request, resp *http.Response, err error) {
		after.Store(true)
		if assert.NoError(t, err) {
			status.Store(int32(resp.StatusCode))
		}
	})

	resp, err := client.Get(t.Context(), server.URL)
	require.NoError(t, err)
	closeResponseBody(t, resp)

	assert.True(t, before.Load())
	assert.True(t, after.Load())
	assert.Equal(t, int32(http.StatusAccepted), status.Load())
}

func TestPostEncodesJSON(t *testing.T) {
	t.Parallel()
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, "http://classifier.test/predict",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			assert.JSONEq(t, `{"label":"Tomato___healthy"}`, string(body))
			return httpmock.NewStringResponse(http.StatusCreated, `{}`), nil
		})

	client := newTestClientWithConfig(t, &Config{Transport: transport})
	resp, err := client.Post(t.Context(), "http://classifier.test/predict", "",
		map[string]string{"label": "Tomato___healthy"})
	require.NoError(t, err)
	defer closeResponseBody(t, resp)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestPostRawBodyKeepsContentType(t *testing.T) {
	t.Parallel()
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, "http://push.test/hook",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "text/plain", req.Header.Get("Content-Type"))
			return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
		})

	client := newTestClientWithConfig(t, &Config{Transport: transport})
	resp, err := client.Post(t.Context(), "http://push.test/hook", "text/plain", "hello")
	require.NoError(t, err)
	closeResponseBody(t, resp)
}

func TestCloseIsRepeatable(t *testing.T) {
	t.Parallel()
	client := New(nil)
	client.Close()
	client.Close()
}
