package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafwatch/leafwatch/internal/buildinfo"
	"github.com/leafwatch/leafwatch/internal/conf"
	"github.com/leafwatch/leafwatch/internal/datastore"
	"github.com/leafwatch/leafwatch/internal/logger"
)

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	settings := &conf.Settings{}
	settings.Logging = logger.LoggingConfig{
		DefaultLevel: "error",
		Timezone:     "UTC",
		Console:      &logger.ConsoleOutput{Enabled: true, Level: "error"},
	}
	settings.Prediction.Threshold = conf.DefaultThreshold
	settings.Prediction.TopK = conf.DefaultTopK
	settings.Inference.BaseURL = "http://classifier.invalid"
	settings.Inference.Timeout = time.Second
	settings.Datastore.SQLite.Enabled = true
	settings.Datastore.SQLite.Path = filepath.Join(t.TempDir(), "leafwatch.db")
	settings.Notification.Buffer = 8
	return settings
}

func TestNewWiresServices(t *testing.T) {
	ctx := context.Background()
	settings := testSettings(t)

	// a catalog written before startup is loaded into the resolver
	seed, err := New(ctx, settings, buildinfo.New("v0.0.1", ""))
	require.NoError(t, err)
	require.NoError(t, seed.Store.SavePlant(ctx, &datastore.Plant{Name: "Apple"}))
	seed.Close()

	a, err := New(ctx, settings, buildinfo.New("v0.0.1", ""))
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Orchestrator)
	assert.NotNil(t, a.Curator)
	assert.NotNil(t, a.Hub)
	assert.Equal(t, 1, a.Resolver.Stats().Plants)

	families, err := a.Metrics.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewFailsWithoutDatastore(t *testing.T) {
	settings := testSettings(t)
	settings.Datastore.SQLite.Enabled = false

	_, err := New(context.Background(), settings, nil)
	require.Error(t, err)
}

func TestNewRejectsEmptyClassifierURL(t *testing.T) {
	settings := testSettings(t)
	settings.Inference.BaseURL = ""

	_, err := New(context.Background(), settings, nil)
	require.Error(t, err)
}
