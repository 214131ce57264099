package feedback

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafwatch/leafwatch/internal/catalog"
	"github.com/leafwatch/leafwatch/internal/datastore"
	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/logger"
)

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

type fixture struct {
	store    *datastore.SQLiteStore
	resolver *catalog.Resolver
	curator  *Curator
	user     *datastore.User
	tomato   *datastore.Plant
	scab     *datastore.Disease
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := datastore.OpenTestStore(t)

	apple := &datastore.Plant{Name: "Apple"}
	require.NoError(t, store.SavePlant(ctx, apple))
	tomato := &datastore.Plant{Name: "Tomato"}
	require.NoError(t, store.SavePlant(ctx, tomato))
	scab := &datastore.Disease{Name: "Apple___Apple_scab", PlantID: &apple.ID}
	require.NoError(t, store.SaveDisease(ctx, scab))

	user := &datastore.User{Username: "grower", Role: datastore.RoleUser, Active: true}
	require.NoError(t, store.CreateUser(ctx, user))

	resolver := catalog.NewResolver(store, testLogger())
	return &fixture{
		store:    store,
		resolver: resolver,
		curator:  NewCurator(store, resolver, testLogger()),
		user:     user,
		tomato:   tomato,
		scab:     scab,
	}
}

func (f *fixture) observation(t *testing.T, label, imageURL string) *datastore.Observation {
	t.Helper()
	obs := &datastore.Observation{
		UserID:     f.user.ID,
		Kind:       datastore.KindDisease,
		Label:      label,
		Confidence: 0.9,
		ImageURL:   imageURL,
		Valid:      true,
	}
	require.NoError(t, f.store.SaveObservation(context.Background(), obs, nil, nil))
	return obs
}

func TestSubmitCorrectHealthyPromotesPlantImage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	obs := f.observation(t, "Tomato___healthy", "https://img.example/obs.jpg")

	sub := Submission{
		ObservationID: obs.ID,
		UserID:        f.user.ID,
		Correct:       true,
		Label:         "Tomato___healthy",
		ImageURL:      "https://img.example/fresh.jpg",
	}
	first, err := f.curator.Submit(ctx, sub)
	require.NoError(t, err)
	assert.True(t, first.Promoted)
	assert.Equal(t, ReasonPromoted, first.Reason)
	assert.True(t, first.Feedback.Promoted)

	stored, err := f.store.GetFeedback(ctx, first.Feedback.ID)
	require.NoError(t, err)
	assert.True(t, stored.Promoted)
	assert.False(t, stored.Approved)

	count, err := f.store.CountCuratedImages(ctx, datastore.KindPlant, f.tomato.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// the identical submission succeeds without a second image
	second, err := f.curator.Submit(ctx, sub)
	require.NoError(t, err)
	assert.False(t, second.Promoted)
	assert.Equal(t, ReasonDuplicate, second.Reason)

	count, err = f.store.CountCuratedImages(ctx, datastore.KindPlant, f.tomato.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSubmitCorrectDiseasePromotesDiseaseImage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	obs := f.observation(t, "Apple___Apple_scab", "https://img.example/scab.jpg")

	// label and image fall back to the observation
	res, err := f.curator.Submit(ctx, Submission{ObservationID: obs.ID, UserID: f.user.ID, Correct: true})
	require.NoError(t, err)
	assert.True(t, res.Promoted)
	assert.Equal(t, "Apple___Apple_scab", res.Feedback.Label)
	assert.Equal(t, "https://img.example/scab.jpg", res.Feedback.ImageURL)

	count, err := f.store.CountCuratedImages(ctx, datastore.KindDisease, f.scab.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSubmitIncorrectDoesNotPromote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	obs := f.observation(t, "Tomato___healthy", "https://img.example/obs.jpg")

	res, err := f.curator.Submit(ctx, Submission{ObservationID: obs.ID, UserID: f.user.ID, Correct: false, Comment: "it is blight"})
	require.NoError(t, err)
	assert.False(t, res.Promoted)
	assert.Equal(t, ReasonIncorrect, res.Reason)

	count, err := f.store.CountCuratedImages(ctx, datastore.KindPlant, f.tomato.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSubmitUnresolvedLabel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	obs := f.observation(t, "Grape___Esca", "https://img.example/grape.jpg")

	res, err := f.curator.Submit(ctx, Submission{ObservationID: obs.ID, UserID: f.user.ID, Correct: true})
	require.NoError(t, err, "a catalog miss does not fail the submission")
	assert.False(t, res.Promoted)
	assert.Equal(t, ReasonUnresolved, res.Reason)
	assert.NotZero(t, res.Feedback.ID)
}

func TestSubmitErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.curator.Submit(ctx, Submission{ObservationID: 999, UserID: f.user.ID, Correct: true})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = f.curator.Submit(ctx, Submission{UserID: f.user.ID})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = f.curator.Submit(ctx, Submission{ObservationID: 1})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestProcessPendingBackfillsAfterCatalogUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	obs := f.observation(t, "Grape___Esca", "https://img.example/grape.jpg")

	res, err := f.curator.Submit(ctx, Submission{ObservationID: obs.ID, UserID: f.user.ID, Correct: true})
	require.NoError(t, err)
	require.Equal(t, ReasonUnresolved, res.Reason)

	summary, err := f.curator.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Unresolved: 1}, summary)

	// misses are not cached, so a new catalog entry is picked up
	esca := &datastore.Disease{Name: "Grape___Esca"}
	require.NoError(t, f.store.SaveDisease(ctx, esca))

	summary, err = f.curator.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Promoted: 1}, summary)

	stored, err := f.store.GetFeedback(ctx, res.Feedback.ID)
	require.NoError(t, err)
	assert.True(t, stored.Promoted)

	// nothing is left to do
	summary, err = f.curator.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)

	count, err := f.store.CountCuratedImages(ctx, datastore.KindDisease, esca.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestProcessPendingIsRepeatable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	obs := f.observation(t, "Tomato___healthy", "https://img.example/same.jpg")

	_, err := f.curator.Submit(ctx, Submission{ObservationID: obs.ID, UserID: f.user.ID, Correct: true})
	require.NoError(t, err)
	dup, err := f.curator.Submit(ctx, Submission{ObservationID: obs.ID, UserID: f.user.ID, Correct: true})
	require.NoError(t, err)
	require.Equal(t, ReasonDuplicate, dup.Reason)

	for range 3 {
		summary, err := f.curator.ProcessPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, Summary{Processed: 1, Duplicates: 1}, summary)
	}

	count, err := f.store.CountCuratedImages(ctx, datastore.KindPlant, f.tomato.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	stats, err := f.curator.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Promoted)
}

func TestProcessPendingHonoursCancellation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	obs := f.observation(t, "Grape___Esca", "https://img.example/grape.jpg")
	_, err := f.curator.Submit(context.Background(), Submission{ObservationID: obs.ID, UserID: f.user.ID, Correct: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.curator.ProcessPending(ctx)
	require.Error(t, err)
}

func TestConcurrentDuplicateSubmissions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	obs := f.observation(t, "Tomato___healthy", "https://img.example/race.jpg")

	const n = 6
	results := make(chan *Result, n)
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			res, err := f.curator.Submit(ctx, Submission{ObservationID: obs.ID, UserID: f.user.ID, Correct: true})
			assert.NoError(t, err)
			results <- res
		})
	}
	wg.Wait()
	close(results)

	promoted := 0
	for res := range results {
		require.NotNil(t, res)
		if res.Promoted {
			promoted++
		} else {
			assert.Equal(t, ReasonDuplicate, res.Reason)
		}
	}
	assert.Equal(t, 1, promoted)

	count, err := f.store.CountCuratedImages(ctx, datastore.KindPlant, f.tomato.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestApproveDeleteAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	obs := f.observation(t, "Apple___Apple_scab", "https://img.example/scab.jpg")

	res, err := f.curator.Submit(ctx, Submission{ObservationID: obs.ID, UserID: f.user.ID, Correct: false})
	require.NoError(t, err)

	approved, err := f.curator.Approve(ctx, res.Feedback.ID, "checked")
	require.NoError(t, err)
	assert.True(t, approved.Approved)
	assert.Equal(t, "checked", approved.AdminNotes)

	_, err = f.curator.Approve(ctx, 999, "")
	assert.True(t, errors.IsNotFound(err))

	items, err := f.curator.ListByObservation(ctx, obs.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = f.curator.ListByObservation(ctx, 999)
	assert.True(t, errors.IsNotFound(err))

	stats, err := f.curator.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Incorrect)
	assert.Equal(t, int64(1), stats.Approved)

	got, err := f.curator.Get(ctx, res.Feedback.ID)
	require.NoError(t, err)
	assert.Equal(t, obs.ID, got.ObservationID)
	assert.Equal(t, "Apple___Apple_scab", got.Label)

	require.NoError(t, f.curator.Delete(ctx, res.Feedback.ID))
	_, err = f.curator.Get(ctx, res.Feedback.ID)
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(f.curator.Delete(ctx, res.Feedback.ID)))
}
