package prediction

import (
	"context"
	"encoding/json"

	"github.com/leafwatch/leafwatch/internal/classify"
	"github.com/leafwatch/leafwatch/internal/datastore"
	"github.com/leafwatch/leafwatch/internal/logger"
)

// Update carries the fields an administrator may overwrite. Nil fields are
// left alone. Description replaces the observation's recommendation text.
type Update struct {
	Confidence  *float64 `json:"confidence,omitempty"`
	Valid       *bool    `json:"valid,omitempty"`
	Description *string  `json:"description,omitempty"`
	AdminID     *uint    `json:"admin_id,omitempty"`
}

// snapshot is the audited view of an observation
type snapshot struct {
	Kind           datastore.ObservationKind `json:"kind"`
	Label          string                    `json:"label"`
	Verdict        string                    `json:"verdict"`
	Confidence     float64                   `json:"confidence"`
	Valid          bool                      `json:"valid"`
	Recommendation string                    `json:"recommendation,omitempty"`
	Branches       *int                      `json:"branches,omitempty"`
}

func snapshotOf(obs *datastore.Observation) snapshot {
	return snapshot{
		Kind:           obs.Kind,
		Label:          obs.Label,
		Verdict:        classify.Classify(obs.Label).String(),
		Confidence:     obs.Confidence,
		Valid:          obs.Valid,
		Recommendation: obs.Recommendation,
	}
}

func (s snapshot) String() string {
	data, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// creationSummary is the CREATED audit text: verdict, confidence and kind
func creationSummary(obs *datastore.Observation, verdict classify.Verdict, branches int) string {
	s := snapshotOf(obs)
	s.Verdict = verdict.String()
	s.Branches = &branches
	return s.String()
}

// UpdatePrediction overwrites the supplied fields of an observation and
// appends an UPDATED audit entry with before and after snapshots. It does
// not call the classifier again.
func (o *Orchestrator) UpdatePrediction(ctx context.Context, id uint, upd Update) (*datastore.Observation, error) {
	if upd.Confidence != nil {
		if err := classify.ValidateScore(*upd.Confidence); err != nil {
			return nil, err
		}
	}

	obs, err := o.store.GetObservation(ctx, id)
	if err != nil {
		return nil, err
	}
	before := snapshotOf(obs)

	if upd.Confidence != nil {
		obs.Confidence = *upd.Confidence
	}
	if upd.Valid != nil {
		obs.Valid = *upd.Valid
	}
	if upd.Description != nil {
		obs.Recommendation = *upd.Description
	}

	audit := &datastore.AuditEntry{
		AdminID:  upd.AdminID,
		Action:   datastore.AuditUpdated,
		OldValue: before.String(),
		NewValue: snapshotOf(obs).String(),
	}
	if err := o.store.UpdateObservation(ctx, obs, audit); err != nil {
		return nil, err
	}

	fields := []logger.Field{
		logger.Uint64("observation_id", uint64(obs.ID)),
		logger.Float64("confidence", obs.Confidence),
		logger.Bool("valid", obs.Valid),
	}
	if upd.AdminID != nil {
		fields = append(fields, logger.Uint64("admin_id", uint64(*upd.AdminID)))
	}
	o.logger.WithContext(ctx).Info("prediction updated", fields...)

	return obs, nil
}

// GetObservation returns an observation with its branches
func (o *Orchestrator) GetObservation(ctx context.Context, id uint) (*datastore.Observation, []datastore.Branch, error) {
	obs, err := o.store.GetObservation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	branches, err := o.store.GetBranches(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return obs, branches, nil
}

// ListObservations returns a user's observations, newest first
func (o *Orchestrator) ListObservations(ctx context.Context, userID uint, limit, offset int) ([]datastore.Observation, error) {
	return o.store.ListObservations(ctx, userID, limit, offset)
}

// AuditTrail returns an observation's audit entries, oldest first
func (o *Orchestrator) AuditTrail(ctx context.Context, id uint) ([]datastore.AuditEntry, error) {
	if _, err := o.store.GetObservation(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListAuditEntries(ctx, id)
}

// DeletePrediction removes an observation with its branches, audit trail
// and feedback
func (o *Orchestrator) DeletePrediction(ctx context.Context, id uint) error {
	if err := o.store.DeleteObservation(ctx, id); err != nil {
		return err
	}
	o.logger.WithContext(ctx).Info("prediction deleted", logger.Uint64("observation_id", uint64(id)))
	return nil
}
