// Package prediction runs one image through the classifier, decides whether
// the answer can be trusted and persists it as an observation with ranked
// branch links into the catalog.
package prediction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/leafwatch/leafwatch/internal/catalog"
	"github.com/leafwatch/leafwatch/internal/classify"
	"github.com/leafwatch/leafwatch/internal/datastore"
	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/inference"
	"github.com/leafwatch/leafwatch/internal/logger"
	"github.com/leafwatch/leafwatch/internal/notification"
	"github.com/leafwatch/leafwatch/internal/observability/metrics"
)

// DefaultTopK is the number of candidates turned into branches
const DefaultTopK = 3

// Progress reported to the user's notification channel
const (
	percentReceived    = 10
	percentClassifying = 40
	percentClassified  = 70
	percentPersisted   = 90
)

// Outcomes recorded with the predictions counter
const (
	outcomeAccepted    = "accepted"
	outcomeRejected    = "rejected"
	outcomeUnavailable = "unavailable"
	outcomeInvalid     = "invalid"
)

// ErrServiceUnavailable marks a prediction that failed because the
// classifier could not be reached or answered with something unusable.
// Nothing is persisted when it is returned.
var ErrServiceUnavailable = errors.NewStd("classification service unavailable")

// Classifier is the external image-classification service
type Classifier interface {
	Predict(ctx context.Context, req *inference.Request) (*inference.Response, error)
}

// Resolver maps candidate labels to catalog entities. A miss is (nil, nil).
type Resolver interface {
	ResolveByName(ctx context.Context, kind datastore.ObservationKind, name string) (*catalog.Entity, error)
}

// Store is the part of the datastore the orchestrator uses
type Store interface {
	GetUser(ctx context.Context, id uint) (*datastore.User, error)
	CreateUser(ctx context.Context, user *datastore.User) error
	SaveObservation(ctx context.Context, obs *datastore.Observation, branches []datastore.Branch, audit *datastore.AuditEntry) error
	GetObservation(ctx context.Context, id uint) (*datastore.Observation, error)
	ListObservations(ctx context.Context, userID uint, limit, offset int) ([]datastore.Observation, error)
	GetBranches(ctx context.Context, observationID uint) ([]datastore.Branch, error)
	UpdateObservation(ctx context.Context, obs *datastore.Observation, audit *datastore.AuditEntry) error
	DeleteObservation(ctx context.Context, id uint) error
	ListAuditEntries(ctx context.Context, observationID uint) ([]datastore.AuditEntry, error)
}

// Notifier receives progress for the requesting user. Implementations must
// not block and must swallow their own delivery failures.
type Notifier interface {
	Status(userID uint, stage notification.Stage, percent int, message string)
	Result(userID uint, stage notification.Stage, message string, payload any)
}

// Config controls the orchestrator
type Config struct {
	Threshold  float64
	TopK       int
	AllowGuest bool
}

// Status is the terminal state of a prediction that did not fail
type Status string

const (
	StatusComplete Status = "COMPLETE"
	StatusRejected Status = "REJECTED"
)

// Request is one image submitted for prediction. Image is base64, with or
// without a data URI prefix. ImageURL is where the caller stored the image;
// when empty the observation is keyed by a digest of the payload.
type Request struct {
	UserID      uint
	PlantID     *uint
	Image       string
	Description string
	ImageURL    string
}

// Result is a persisted prediction. Candidates holds every label the
// classifier returned, not only the ones turned into branches.
type Result struct {
	Observation *datastore.Observation `json:"observation"`
	Branches    []datastore.Branch     `json:"branches"`
	Candidates  []inference.Candidate  `json:"candidates"`
	Status      Status                 `json:"status"`
}

// Orchestrator drives a prediction from receipt to audit log
type Orchestrator struct {
	store      Store
	classifier Classifier
	resolver   Resolver
	notifier   Notifier
	gate       *classify.Gate
	topK       int
	allowGuest bool
	logger     logger.Logger
	metrics    *metrics.PredictionMetrics
}

// New creates an orchestrator. A nil notifier discards progress updates.
func New(store Store, classifier Classifier, resolver Resolver, notifier Notifier, cfg Config, log logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	if notifier == nil {
		notifier = discardNotifier{}
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Orchestrator{
		store:      store,
		classifier: classifier,
		resolver:   resolver,
		notifier:   notifier,
		gate:       classify.NewGate(cfg.Threshold),
		topK:       topK,
		allowGuest: cfg.AllowGuest,
		logger:     log.Module("prediction"),
	}
}

// SetMetrics enables prediction metrics
func (o *Orchestrator) SetMetrics(m *metrics.PredictionMetrics) {
	o.metrics = m
}

// Predict classifies the image and stores the outcome. A low-confidence
// answer is stored with Valid=false and returned with StatusRejected; that
// is not an error. Errors are validation, not-found (unknown user with
// guests disabled), ErrServiceUnavailable, or database failures.
func (o *Orchestrator) Predict(ctx context.Context, req *Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		o.recordOutcome(outcomeInvalid)
		return nil, err
	}

	log := o.logger.WithContext(ctx).With(logger.Uint64("user_id", uint64(req.UserID)))
	o.notifier.Status(req.UserID, notification.StageReceived, percentReceived, "image received")

	user, err := o.resolveUser(ctx, req.UserID)
	if err != nil {
		o.fail(req.UserID, "user lookup failed")
		if errors.IsNotFound(err) {
			o.recordOutcome(outcomeInvalid)
		}
		return nil, err
	}

	o.notifier.Status(req.UserID, notification.StageClassifying, percentClassifying, "classifying image")
	resp, err := o.classifier.Predict(ctx, &inference.Request{
		ImageBase64: req.Image,
		ImageType:   inference.ImageType(req.Image),
		PlantID:     req.PlantID,
		Description: req.Description,
	})
	if err != nil {
		o.recordOutcome(outcomeUnavailable)
		o.fail(req.UserID, "classification service unavailable")
		log.Warn("classifier call failed", logger.Error(err))
		return nil, serviceUnavailable(err)
	}

	top, ok := resp.Top()
	if !ok {
		o.recordOutcome(outcomeUnavailable)
		o.fail(req.UserID, "classifier returned no predictions")
		return nil, serviceUnavailable(fmt.Errorf("classifier returned no predictions"))
	}
	accepted, err := o.gate.Accept(top.Score)
	if err != nil {
		o.recordOutcome(outcomeUnavailable)
		o.fail(req.UserID, "classifier returned an invalid score")
		return nil, serviceUnavailable(err)
	}
	if o.metrics != nil {
		o.metrics.RecordTopConfidence(top.Score)
	}
	o.notifier.Status(req.UserID, notification.StageClassified, percentClassified,
		fmt.Sprintf("top prediction %s (%.2f)", top.Label, top.Score))

	kind := datastore.KindDisease
	if req.PlantID != nil {
		kind = datastore.KindPlant
	}
	verdict := classify.Classify(top.Label)

	obs := &datastore.Observation{
		UserID:         user.ID,
		Kind:           kind,
		Label:          top.Label,
		Confidence:     top.Score,
		ImageURL:       imageIdentity(req),
		Recommendation: resp.RecommendedAction,
		Valid:          accepted,
	}

	var branches []datastore.Branch
	if accepted {
		branches, err = o.buildBranches(ctx, log, kind, resp.Predictions)
		if err != nil {
			o.fail(req.UserID, "catalog lookup failed")
			return nil, err
		}
	}

	audit := &datastore.AuditEntry{
		Action:   datastore.AuditCreated,
		NewValue: creationSummary(obs, verdict, len(branches)),
	}
	if err := o.store.SaveObservation(ctx, obs, branches, audit); err != nil {
		o.fail(req.UserID, "failed to store prediction")
		return nil, err
	}

	result := &Result{
		Observation: obs,
		Branches:    branches,
		Candidates:  resp.Predictions,
	}

	if !accepted {
		result.Status = StatusRejected
		o.recordOutcome(outcomeRejected)
		log.Info("prediction rejected below confidence threshold",
			logger.Uint64("observation_id", uint64(obs.ID)),
			logger.String("label", top.Label),
			logger.Float64("confidence", top.Score),
			logger.Float64("threshold", o.gate.Threshold()))
		o.notifier.Result(req.UserID, notification.StageRejected,
			fmt.Sprintf("confidence %.2f is below %.2f", top.Score, o.gate.Threshold()), result)
		return result, nil
	}

	result.Status = StatusComplete
	o.recordOutcome(outcomeAccepted)
	if o.metrics != nil {
		for _, b := range branches {
			o.metrics.RecordBranch(strings.ToLower(string(b.Kind())))
		}
	}
	o.notifier.Status(req.UserID, notification.StagePersisted, percentPersisted, "prediction stored")

	log.Info("prediction stored",
		logger.Uint64("observation_id", uint64(obs.ID)),
		logger.String("kind", string(kind)),
		logger.String("label", top.Label),
		logger.String("verdict", verdict.String()),
		logger.Float64("confidence", top.Score),
		logger.Int("branches", len(branches)))
	o.notifier.Result(req.UserID, notification.StageComplete, verdict.String(), result)

	return result, nil
}

// buildBranches resolves the top candidates in score order. Candidates
// that do not resolve, or resolve to an entity already linked, are skipped.
func (o *Orchestrator) buildBranches(ctx context.Context, log logger.Logger, kind datastore.ObservationKind, candidates []inference.Candidate) ([]datastore.Branch, error) {
	n := min(o.topK, len(candidates))
	branches := make([]datastore.Branch, 0, n)
	seen := make(map[datastore.ObservationKind]map[uint]bool, 2)

	for i, c := range candidates[:n] {
		verdict := classify.Classify(c.Label)
		entityKind := datastore.KindDisease
		if kind == datastore.KindPlant || verdict == classify.Healthy {
			entityKind = datastore.KindPlant
		}

		entity, err := o.resolver.ResolveByName(ctx, entityKind, c.Label)
		if err != nil {
			return nil, err
		}
		if entity == nil {
			log.Warn("candidate label not in catalog, branch skipped",
				logger.String("label", c.Label),
				logger.String("kind", string(entityKind)),
				logger.Int("rank", i+1))
			continue
		}
		if seen[entityKind] == nil {
			seen[entityKind] = make(map[uint]bool)
		}
		if seen[entityKind][entity.ID] {
			log.Debug("candidate resolves to an entity already linked",
				logger.String("label", c.Label),
				logger.Uint64("entity_id", uint64(entity.ID)))
			continue
		}
		seen[entityKind][entity.ID] = true

		if entityKind == datastore.KindPlant {
			branches = append(branches, &datastore.PlantBranch{
				PlantID:    entity.ID,
				Rank:       i + 1,
				Label:      c.Label,
				Confidence: c.Score,
			})
			continue
		}
		branches = append(branches, &datastore.DiseaseBranch{
			DiseaseID:  entity.ID,
			Rank:       i + 1,
			Label:      c.Label,
			Confidence: c.Score,
			Healthy:    verdict == classify.Healthy,
		})
	}
	return branches, nil
}

// resolveUser returns the owner of the request, creating a guest account
// for an unknown id when guests are allowed
func (o *Orchestrator) resolveUser(ctx context.Context, id uint) (*datastore.User, error) {
	user, err := o.store.GetUser(ctx, id)
	if err == nil {
		return user, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}
	if !o.allowGuest {
		return nil, errors.Newf("user %d not found", id).
			Component("prediction").
			Category(errors.CategoryNotFound).
			Context("user_id", id).
			Build()
	}

	guest := &datastore.User{
		ID:       id,
		Username: "guest-" + uuid.NewString()[:8],
		Role:     datastore.RoleGuest,
		Active:   true,
	}
	if err := o.store.CreateUser(ctx, guest); err != nil {
		// A concurrent request may have created the same id first
		if existing, getErr := o.store.GetUser(ctx, id); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	o.logger.Info("created guest user",
		logger.Uint64("user_id", uint64(guest.ID)),
		logger.String("username", guest.Username))
	return guest, nil
}

func (o *Orchestrator) fail(userID uint, message string) {
	o.notifier.Status(userID, notification.StageError, 100, message)
}

func (o *Orchestrator) recordOutcome(outcome string) {
	if o.metrics != nil {
		o.metrics.RecordPrediction(outcome)
	}
}

func validateRequest(req *Request) error {
	switch {
	case req == nil:
		return validationError("request is required", "request", nil)
	case req.UserID == 0:
		return validationError("user id is required", "user_id", req.UserID)
	case strings.TrimSpace(req.Image) == "":
		return validationError("image is required", "image", "")
	}
	return nil
}

func validationError(message, field string, value any) error {
	return errors.Newf("%s", message).
		Component("prediction").
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", fmt.Sprintf("%v", value)).
		Build()
}

// serviceUnavailable wraps a classifier failure so callers can match both
// ErrServiceUnavailable and the network category
func serviceUnavailable(err error) error {
	return errors.New(fmt.Errorf("%w: %w", ErrServiceUnavailable, err)).
		Component("prediction").
		Category(errors.CategoryNetwork).
		Context("operation", "classify").
		Build()
}

// imageIdentity is the caller's image URL or, without one, a digest of the
// payload so the same upload always maps to the same curated image
func imageIdentity(req *Request) string {
	if req.ImageURL != "" {
		return req.ImageURL
	}
	sum := sha256.Sum256([]byte(req.Image))
	return "sha256:" + hex.EncodeToString(sum[:])
}

type discardNotifier struct{}

func (discardNotifier) Status(uint, notification.Stage, int, string)  {}
func (discardNotifier) Result(uint, notification.Stage, string, any) {}
