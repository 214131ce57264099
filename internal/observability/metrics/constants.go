// Package metrics provides Prometheus collectors for the LeafWatch pipeline.
package metrics

// Operation and status label values shared across collectors.
const (
	OpSaveObservation   = "save_observation"
	OpUpdateObservation = "update_observation"
	OpGetObservation    = "get_observation"
	OpDeleteObservation = "delete_observation"
	OpCatalogLookup     = "catalog_lookup"
	OpCatalogList       = "catalog_list"
	OpSaveFeedback      = "save_feedback"
	OpPromoteFeedback   = "promote_feedback"
	OpListFeedback      = "list_feedback"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Histogram bucket layout constants.
const (
	// BucketStart1ms is the starting bucket for 1ms histograms.
	BucketStart1ms = 0.001
	// BucketStart10ms is the starting bucket for 10ms histograms (10ms to ~40s range).
	BucketStart10ms = 0.01

	BucketFactor2 = 2

	BucketCount12 = 12
	BucketCount15 = 15
)
