// Package feedback records user verdicts on observations and promotes
// images confirmed as correct into the curated training pool.
package feedback

import (
	"context"
	"fmt"
	"strings"

	"github.com/leafwatch/leafwatch/internal/catalog"
	"github.com/leafwatch/leafwatch/internal/classify"
	"github.com/leafwatch/leafwatch/internal/datastore"
	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/logger"
	"github.com/leafwatch/leafwatch/internal/observability/metrics"
)

// Reasons reported with a submission or sweep result
const (
	ReasonPromoted        = "promoted"
	ReasonDuplicate       = "duplicate"
	ReasonAlreadyPromoted = "already_promoted"
	ReasonUnresolved      = "unresolved"
	ReasonNoImage         = "no_image"
	ReasonIncorrect       = "incorrect"
	ReasonFailed          = "failed"
)

// Store is the part of the datastore the curator uses
type Store interface {
	GetObservation(ctx context.Context, id uint) (*datastore.Observation, error)
	SaveFeedback(ctx context.Context, feedback *datastore.Feedback) error
	GetFeedback(ctx context.Context, id uint) (*datastore.Feedback, error)
	ListFeedbackByObservation(ctx context.Context, observationID uint) ([]datastore.Feedback, error)
	ListPendingPromotions(ctx context.Context, limit int) ([]datastore.Feedback, error)
	PromoteFeedback(ctx context.Context, feedbackID uint, kind datastore.ObservationKind, entityID uint, imageURL string) (datastore.PromotionOutcome, error)
	ApproveFeedback(ctx context.Context, id uint, adminNotes string) (*datastore.Feedback, error)
	DeleteFeedback(ctx context.Context, id uint) error
	FeedbackStats(ctx context.Context) (*datastore.FeedbackStats, error)
}

// Resolver maps a label to a catalog entity. A miss is (nil, nil).
type Resolver interface {
	ResolveByName(ctx context.Context, kind datastore.ObservationKind, name string) (*catalog.Entity, error)
}

// Submission is one user verdict. Empty Label and ImageURL fall back to the
// observation's own values.
type Submission struct {
	ObservationID uint   `json:"observation_id"`
	UserID        uint   `json:"user_id"`
	Correct       bool   `json:"is_correct"`
	Label         string `json:"label,omitempty"`
	ImageURL      string `json:"image_url,omitempty"`
	Comment       string `json:"comment,omitempty"`
}

// Result reports what happened to a submission. Promoted is true only when
// this feedback added a curated image.
type Result struct {
	Feedback *datastore.Feedback `json:"feedback"`
	Promoted bool                `json:"promoted"`
	Reason   string              `json:"reason"`
}

// Summary counts the outcomes of a ProcessPending sweep
type Summary struct {
	Processed  int `json:"processed"`
	Promoted   int `json:"promoted"`
	Duplicates int `json:"duplicates"`
	Unresolved int `json:"unresolved"`
	Failed     int `json:"failed"`
}

// Curator handles feedback submission and promotion
type Curator struct {
	store    Store
	resolver Resolver
	logger   logger.Logger
	metrics  *metrics.PredictionMetrics
}

// NewCurator creates a curator
func NewCurator(store Store, resolver Resolver, log logger.Logger) *Curator {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	return &Curator{
		store:    store,
		resolver: resolver,
		logger:   log.Module("feedback"),
	}
}

// SetMetrics enables feedback and promotion metrics
func (c *Curator) SetMetrics(m *metrics.PredictionMetrics) {
	c.metrics = m
}

// Submit stores the feedback and, when it confirms the prediction, tries to
// promote the image. Promotion problems never fail the submission; they
// show up in Result.Reason and can be retried with ProcessPending.
func (c *Curator) Submit(ctx context.Context, sub Submission) (*Result, error) {
	if sub.ObservationID == 0 {
		return nil, validationError("observation id is required", "observation_id", sub.ObservationID)
	}
	if sub.UserID == 0 {
		return nil, validationError("user id is required", "user_id", sub.UserID)
	}

	obs, err := c.store.GetObservation(ctx, sub.ObservationID)
	if err != nil {
		return nil, err
	}

	fb := &datastore.Feedback{
		ObservationID: obs.ID,
		UserID:        sub.UserID,
		Correct:       sub.Correct,
		Label:         strings.TrimSpace(sub.Label),
		ImageURL:      strings.TrimSpace(sub.ImageURL),
		Comment:       sub.Comment,
	}
	if fb.Label == "" {
		fb.Label = obs.Label
	}
	if fb.ImageURL == "" {
		fb.ImageURL = obs.ImageURL
	}

	if err := c.store.SaveFeedback(ctx, fb); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordFeedback(fb.Correct)
	}

	c.logger.WithContext(ctx).Info("feedback received",
		logger.Uint64("feedback_id", uint64(fb.ID)),
		logger.Uint64("observation_id", uint64(obs.ID)),
		logger.Bool("correct", fb.Correct),
		logger.String("label", fb.Label))

	if !fb.Correct {
		return &Result{Feedback: fb, Reason: ReasonIncorrect}, nil
	}

	reason := c.promote(ctx, fb)
	return &Result{Feedback: fb, Promoted: reason == ReasonPromoted, Reason: reason}, nil
}

// ProcessPending retries promotion for every correct feedback that has not
// been promoted. Running it again only repeats the duplicate checks.
func (c *Curator) ProcessPending(ctx context.Context) (Summary, error) {
	var summary Summary

	pending, err := c.store.ListPendingPromotions(ctx, 0)
	if err != nil {
		return summary, err
	}

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return summary, errors.New(err).
				Component("feedback").
				Category(errors.CategoryCancellation).
				Context("operation", "process_pending").
				Context("processed", summary.Processed).
				Build()
		}

		fb := &pending[i]
		summary.Processed++
		switch c.promote(ctx, fb) {
		case ReasonPromoted:
			summary.Promoted++
		case ReasonDuplicate, ReasonAlreadyPromoted:
			summary.Duplicates++
		case ReasonUnresolved, ReasonNoImage:
			summary.Unresolved++
		default:
			summary.Failed++
		}
	}

	c.logger.Info("pending promotions processed",
		logger.Int("processed", summary.Processed),
		logger.Int("promoted", summary.Promoted),
		logger.Int("duplicates", summary.Duplicates),
		logger.Int("unresolved", summary.Unresolved),
		logger.Int("failed", summary.Failed))
	return summary, nil
}

// promote resolves the feedback label and inserts the curated image. It
// sets fb.Promoted when an image was inserted and returns the reason.
func (c *Curator) promote(ctx context.Context, fb *datastore.Feedback) string {
	log := c.logger.WithContext(ctx).With(
		logger.Uint64("feedback_id", uint64(fb.ID)),
		logger.String("label", fb.Label))

	if fb.ImageURL == "" {
		log.Warn("feedback has no image to promote")
		c.recordPromotion("", ReasonNoImage)
		return ReasonNoImage
	}

	entity, err := c.resolve(ctx, fb.Label)
	if err != nil {
		log.Error("label resolution failed", logger.Error(err))
		c.recordPromotion("", ReasonFailed)
		return ReasonFailed
	}
	if entity == nil {
		log.Warn("label not in catalog, image not promoted")
		c.recordPromotion("", ReasonUnresolved)
		return ReasonUnresolved
	}

	outcome, err := c.store.PromoteFeedback(ctx, fb.ID, entity.Kind, entity.ID, fb.ImageURL)
	if err != nil {
		log.Error("promotion failed", logger.Error(err))
		c.recordPromotion(entity.Kind, ReasonFailed)
		return ReasonFailed
	}

	reason := string(outcome)
	switch outcome {
	case datastore.PromotionInserted:
		fb.Promoted = true
		log.Info("image promoted to curated pool",
			logger.String("kind", string(entity.Kind)),
			logger.Uint64("entity_id", uint64(entity.ID)),
			logger.String("entity", entity.Name))
	case datastore.PromotionDuplicate:
		log.Debug("curated image already exists",
			logger.String("kind", string(entity.Kind)),
			logger.Uint64("entity_id", uint64(entity.ID)))
	case datastore.PromotionAlreadyPromoted:
		fb.Promoted = true
	}
	c.recordPromotion(entity.Kind, reason)
	return reason
}

// resolve picks the catalog kind from the label: healthy labels are plants,
// anything else is tried as a disease first and then as a plant.
func (c *Curator) resolve(ctx context.Context, label string) (*catalog.Entity, error) {
	kinds := []datastore.ObservationKind{datastore.KindDisease, datastore.KindPlant}
	if classify.Classify(label) == classify.Healthy {
		kinds = kinds[1:]
	}
	for _, kind := range kinds {
		entity, err := c.resolver.ResolveByName(ctx, kind, label)
		if err != nil || entity != nil {
			return entity, err
		}
	}
	return nil, nil
}

func (c *Curator) recordPromotion(kind datastore.ObservationKind, result string) {
	if c.metrics == nil {
		return
	}
	label := strings.ToLower(string(kind))
	if label == "" {
		label = "unknown"
	}
	c.metrics.RecordPromotion(label, result)
}

// Approve marks feedback as reviewed
func (c *Curator) Approve(ctx context.Context, id uint, notes string) (*datastore.Feedback, error) {
	fb, err := c.store.ApproveFeedback(ctx, id, notes)
	if err != nil {
		return nil, err
	}
	c.logger.Info("feedback approved", logger.Uint64("feedback_id", uint64(id)))
	return fb, nil
}

// Delete removes feedback. Curated images it produced are kept.
func (c *Curator) Delete(ctx context.Context, id uint) error {
	return c.store.DeleteFeedback(ctx, id)
}

// Get returns one feedback record
func (c *Curator) Get(ctx context.Context, id uint) (*datastore.Feedback, error) {
	return c.store.GetFeedback(ctx, id)
}

// Statistics summarises all feedback
func (c *Curator) Statistics(ctx context.Context) (*datastore.FeedbackStats, error) {
	return c.store.FeedbackStats(ctx)
}

// ListByObservation returns the feedback given on one observation
func (c *Curator) ListByObservation(ctx context.Context, observationID uint) ([]datastore.Feedback, error) {
	if _, err := c.store.GetObservation(ctx, observationID); err != nil {
		return nil, err
	}
	return c.store.ListFeedbackByObservation(ctx, observationID)
}

func validationError(message, field string, value any) error {
	return errors.Newf("%s", message).
		Component("feedback").
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", fmt.Sprintf("%v", value)).
		Build()
}
