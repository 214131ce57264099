package datastore

import (
	"github.com/leafwatch/leafwatch/internal/observability/metrics"
)

// Metrics is a type alias for metrics.DatastoreMetrics
type Metrics = metrics.DatastoreMetrics
