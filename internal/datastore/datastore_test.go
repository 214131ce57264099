package datastore

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/observability/metrics"
)

func seedCatalog(t *testing.T, store *SQLiteStore) (*Plant, *Disease) {
	t.Helper()
	ctx := context.Background()

	apple := &Plant{Name: "Apple", ScientificName: "Malus domestica"}
	require.NoError(t, store.SavePlant(ctx, apple))
	require.NoError(t, store.SavePlant(ctx, &Plant{Name: "Tomato"}))

	scab := &Disease{Name: "Apple___Apple_scab", PlantID: &apple.ID, Treatment: "Fungicide"}
	require.NoError(t, store.SaveDisease(ctx, scab))
	require.NoError(t, store.SaveDisease(ctx, &Disease{Name: "Tomato___Late_blight"}))

	return apple, scab
}

func seedObservation(t *testing.T, store *SQLiteStore) *Observation {
	t.Helper()
	user := &User{Username: "grower", Role: RoleUser, Active: true}
	require.NoError(t, store.CreateUser(context.Background(), user))

	obs := &Observation{UserID: user.ID, Kind: KindDisease, Label: "Tomato___healthy", Confidence: 0.9, Valid: true, ImageURL: "https://img/1.jpg"}
	require.NoError(t, store.SaveObservation(context.Background(), obs, nil, nil))
	return obs
}

func TestSavePlantUpserts(t *testing.T) {
	t.Parallel()
	store := OpenTestStore(t)
	ctx := context.Background()

	first := &Plant{Name: "Apple", Description: "old"}
	require.NoError(t, store.SavePlant(ctx, first))

	second := &Plant{Name: "Apple", Description: "new"}
	require.NoError(t, store.SavePlant(ctx, second))

	plants, err := store.ListPlants(ctx)
	require.NoError(t, err)
	require.Len(t, plants, 1)
	assert.Equal(t, "new", plants[0].Description)
	assert.Equal(t, first.ID, second.ID)
}

func TestCatalogLookups(t *testing.T) {
	t.Parallel()
	store := OpenTestStore(t)
	ctx := context.Background()
	apple, scab := seedCatalog(t, store)

	plant, err := store.FindPlantByName(ctx, "aPPle")
	require.NoError(t, err)
	assert.Equal(t, apple.ID, plant.ID)

	disease, err := store.FindDiseaseByName(ctx, "apple___apple_scab")
	require.NoError(t, err)
	assert.Equal(t, scab.ID, disease.ID)

	_, err = store.FindPlantByName(ctx, "Grape")
	assert.True(t, errors.IsNotFound(err))

	// Underscores must match literally, not as LIKE wildcards
	found, err := store.SearchDiseases(ctx, "e___a")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, scab.ID, found[0].ID)

	none, err := store.SearchDiseases(ctx, "apple_x")
	require.NoError(t, err)
	assert.Empty(t, none)

	plants, err := store.SearchPlants(ctx, "TOM")
	require.NoError(t, err)
	require.Len(t, plants, 1)
	assert.Equal(t, "Tomato", plants[0].Name)

	_, err = store.GetPlant(ctx, 999)
	assert.True(t, errors.IsNotFound(err))
}

func TestSaveObservationIsAtomic(t *testing.T) {
	t.Parallel()
	store := OpenTestStore(t)
	ctx := context.Background()
	apple, scab := seedCatalog(t, store)

	obs := &Observation{UserID: 1, Kind: KindDisease, Label: "Apple___Apple_scab", Confidence: 0.82, Valid: true}
	branches := []Branch{
		&DiseaseBranch{DiseaseID: scab.ID, Rank: 1, Confidence: 0.82},
		&PlantBranch{PlantID: apple.ID, Rank: 2, Confidence: 0.1},
	}
	audit := &AuditEntry{Action: AuditCreated, NewValue: "created"}
	require.NoError(t, store.SaveObservation(ctx, obs, branches, audit))
	require.NotZero(t, obs.ID)
	assert.Equal(t, obs.ID, audit.ObservationID)

	stored, err := store.GetBranches(ctx, obs.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, KindDisease, stored[0].Kind())

	// A duplicate branch violates the unique index and rolls everything back
	dup := &Observation{UserID: 1, Kind: KindDisease, Label: "x", Confidence: 0.9, Valid: true}
	err = store.SaveObservation(ctx, dup, []Branch{
		&DiseaseBranch{DiseaseID: scab.ID, Rank: 1},
		&DiseaseBranch{DiseaseID: scab.ID, Rank: 2},
	}, &AuditEntry{Action: AuditCreated})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))

	observations, err := store.ListObservations(ctx, 1, 10, 0)
	require.NoError(t, err)
	assert.Len(t, observations, 1, "failed save must not leave an observation behind")
}

func TestGetBranchesMergesKindsByRank(t *testing.T) {
	t.Parallel()
	store := OpenTestStore(t)
	ctx := context.Background()
	apple, scab := seedCatalog(t, store)
	blight, err := store.FindDiseaseByName(ctx, "Tomato___Late_blight")
	require.NoError(t, err)

	obs := &Observation{UserID: 1, Kind: KindDisease, Label: "Apple___Apple_scab", Confidence: 0.82, Valid: true}
	require.NoError(t, store.SaveObservation(ctx, obs, []Branch{
		&DiseaseBranch{DiseaseID: scab.ID, Rank: 1, Confidence: 0.82},
		&PlantBranch{PlantID: apple.ID, Rank: 2, Confidence: 0.10},
		&DiseaseBranch{DiseaseID: blight.ID, Rank: 3, Confidence: 0.05},
	}, &AuditEntry{Action: AuditCreated}))

	stored, err := store.GetBranches(ctx, obs.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	ranks := make([]int, 0, len(stored))
	kinds := make([]ObservationKind, 0, len(stored))
	for _, b := range stored {
		ranks = append(ranks, b.BranchRank())
		kinds = append(kinds, b.Kind())
	}
	assert.Equal(t, []int{1, 2, 3}, ranks)
	assert.Equal(t, []ObservationKind{KindDisease, KindPlant, KindDisease}, kinds)
}

func TestUpdateObservationAppendsAudit(t *testing.T) {
	t.Parallel()
	store := OpenTestStore(t)
	ctx := context.Background()
	obs := seedObservation(t, store)

	obs.Confidence = 0.4
	obs.Valid = false
	require.NoError(t, store.UpdateObservation(ctx, obs, &AuditEntry{Action: AuditUpdated, OldValue: "a", NewValue: "b"}))

	// Same values again still succeeds
	require.NoError(t, store.UpdateObservation(ctx, obs, &AuditEntry{Action: AuditUpdated}))

	got, err := store.GetObservation(ctx, obs.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.Confidence, 1e-9)
	assert.False(t, got.Valid)

	entries, err := store.ListAuditEntries(ctx, obs.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditUpdated, entries[0].Action)

	err = store.UpdateObservation(ctx, &Observation{ID: 4242}, &AuditEntry{Action: AuditUpdated})
	assert.True(t, errors.IsNotFound(err))
}

func TestPromoteFeedbackIsIdempotent(t *testing.T) {
	t.Parallel()
	store := OpenTestStore(t)
	ctx := context.Background()
	seedCatalog(t, store)
	obs := seedObservation(t, store)
	tomato, err := store.FindPlantByName(ctx, "Tomato")
	require.NoError(t, err)

	first := &Feedback{ObservationID: obs.ID, UserID: obs.UserID, Correct: true, Promoted: true}
	require.NoError(t, store.SaveFeedback(ctx, first))
	assert.False(t, first.Promoted, "new feedback always starts unpromoted")

	outcome, err := store.PromoteFeedback(ctx, first.ID, KindPlant, tomato.ID, obs.ImageURL)
	require.NoError(t, err)
	assert.Equal(t, PromotionInserted, outcome)

	outcome, err = store.PromoteFeedback(ctx, first.ID, KindPlant, tomato.ID, obs.ImageURL)
	require.NoError(t, err)
	assert.Equal(t, PromotionAlreadyPromoted, outcome)

	second := &Feedback{ObservationID: obs.ID, UserID: obs.UserID, Correct: true}
	require.NoError(t, store.SaveFeedback(ctx, second))
	outcome, err = store.PromoteFeedback(ctx, second.ID, KindPlant, tomato.ID, obs.ImageURL)
	require.NoError(t, err)
	assert.Equal(t, PromotionDuplicate, outcome)

	count, err := store.CountCuratedImages(ctx, KindPlant, tomato.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := store.GetFeedback(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, got.Promoted)

	_, err = store.PromoteFeedback(ctx, 999, KindPlant, tomato.ID, obs.ImageURL)
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteObservationRemovesChildren(t *testing.T) {
	t.Parallel()
	store := OpenTestStore(t)
	ctx := context.Background()
	apple, scab := seedCatalog(t, store)

	obs := &Observation{UserID: 1, Kind: KindDisease, Label: "Apple___Apple_scab", Confidence: 0.82, Valid: true, ImageURL: "https://img/scab.jpg"}
	require.NoError(t, store.SaveObservation(ctx, obs, []Branch{
		&DiseaseBranch{DiseaseID: scab.ID, Rank: 1, Confidence: 0.82},
		&PlantBranch{PlantID: apple.ID, Rank: 2, Confidence: 0.1},
	}, &AuditEntry{Action: AuditCreated}))
	require.NoError(t, store.UpdateObservation(ctx, obs, &AuditEntry{Action: AuditUpdated}))

	fb := &Feedback{ObservationID: obs.ID, UserID: 1, Correct: true}
	require.NoError(t, store.SaveFeedback(ctx, fb))
	outcome, err := store.PromoteFeedback(ctx, fb.ID, KindDisease, scab.ID, obs.ImageURL)
	require.NoError(t, err)
	require.Equal(t, PromotionInserted, outcome)

	require.NoError(t, store.DeleteObservation(ctx, obs.ID))

	_, err = store.GetObservation(ctx, obs.ID)
	assert.True(t, errors.IsNotFound(err))

	branches, err := store.GetBranches(ctx, obs.ID)
	require.NoError(t, err)
	assert.Empty(t, branches)

	audit, err := store.ListAuditEntries(ctx, obs.ID)
	require.NoError(t, err)
	assert.Empty(t, audit)

	feedback, err := store.ListFeedbackByObservation(ctx, obs.ID)
	require.NoError(t, err)
	assert.Empty(t, feedback)

	// The curated image outlives the observation it was promoted from
	count, err := store.CountCuratedImages(ctx, KindDisease, scab.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	var image DiseaseImage
	require.NoError(t, store.DB.Where("disease_id = ?", scab.ID).First(&image).Error)
	assert.Nil(t, image.FeedbackID)

	err = store.DeleteObservation(ctx, obs.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestPromoteFeedbackConcurrent(t *testing.T) {
	t.Parallel()
	store := OpenTestStore(t)
	ctx := context.Background()
	_, scab := seedCatalog(t, store)
	obs := seedObservation(t, store)

	const workers = 5
	ids := make([]uint, workers)
	for i := range ids {
		fb := &Feedback{ObservationID: obs.ID, UserID: obs.UserID, Correct: true}
		require.NoError(t, store.SaveFeedback(ctx, fb))
		ids[i] = fb.ID
	}

	var wg sync.WaitGroup
	outcomes := make([]PromotionOutcome, workers)
	for i := range ids {
		wg.Go(func() {
			outcome, err := store.PromoteFeedback(ctx, ids[i], KindDisease, scab.ID, "https://img/same.jpg")
			assert.NoError(t, err)
			outcomes[i] = outcome
		})
	}
	wg.Wait()

	inserted := 0
	for _, o := range outcomes {
		if o == PromotionInserted {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)

	count, err := store.CountCuratedImages(ctx, KindDisease, scab.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPendingApproveDeleteAndStats(t *testing.T) {
	t.Parallel()
	store := OpenTestStore(t)
	ctx := context.Background()
	obs := seedObservation(t, store)

	correct := &Feedback{ObservationID: obs.ID, UserID: 1, Correct: true}
	wrong := &Feedback{ObservationID: obs.ID, UserID: 1, Correct: false, Label: "Tomato___Late_blight"}
	require.NoError(t, store.SaveFeedback(ctx, correct))
	require.NoError(t, store.SaveFeedback(ctx, wrong))

	pending, err := store.ListPendingPromotions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, correct.ID, pending[0].ID)

	approved, err := store.ApproveFeedback(ctx, wrong.ID, "label confirmed by agronomist")
	require.NoError(t, err)
	assert.True(t, approved.Approved)
	assert.Equal(t, "label confirmed by agronomist", approved.AdminNotes)

	stats, err := store.FeedbackStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Correct)
	assert.Equal(t, int64(1), stats.Incorrect)
	assert.Equal(t, int64(1), stats.Approved)
	assert.Equal(t, int64(1), stats.Pending)
	assert.InDelta(t, 0.5, stats.Accuracy, 1e-9)

	require.NoError(t, store.DeleteFeedback(ctx, wrong.ID))
	assert.True(t, errors.IsNotFound(store.DeleteFeedback(ctx, wrong.ID)))

	_, err = store.ApproveFeedback(ctx, 999, "")
	assert.True(t, errors.IsNotFound(err))
}

func TestDatastoreRecordsMetrics(t *testing.T) {
	t.Parallel()
	store := OpenTestStore(t)

	registry := prometheus.NewRegistry()
	m, err := metrics.NewDatastoreMetrics(registry)
	require.NoError(t, err)
	store.SetMetrics(m)

	seedCatalog(t, store)
	_, _ = store.FindPlantByName(context.Background(), "Apple")

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "leafwatch_datastore_operations_total")
}

func TestLikePatternEscapes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "%apple!_!_!_scab%", likePattern("Apple___scab"))
	assert.Equal(t, "%50!%!!%", likePattern("50%!"))
}
