package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/observability/metrics"
)

// SaveFeedback inserts a new feedback row. Approved and Promoted always
// start false, whatever the caller set.
func (ds *DataStore) SaveFeedback(ctx context.Context, feedback *Feedback) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	if feedback.ObservationID == 0 {
		return validationError("observation id is required", "observation_id", 0)
	}

	feedback.Approved = false
	feedback.Promoted = false

	start := time.Now()
	err = db.Create(feedback).Error
	ds.observe(metrics.OpSaveFeedback, "feedbacks", start, err)
	if err != nil {
		return dbError(err, metrics.OpSaveFeedback, errors.PriorityMedium, "observation_id", feedback.ObservationID)
	}
	return nil
}

func (ds *DataStore) GetFeedback(ctx context.Context, id uint) (*Feedback, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var feedback Feedback
	if err := db.First(&feedback, id).Error; err != nil {
		return nil, lookupError(err, "feedback", id)
	}
	return &feedback, nil
}

func (ds *DataStore) ListFeedbackByObservation(ctx context.Context, observationID uint) ([]Feedback, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var items []Feedback
	err = db.Where("observation_id = ?", observationID).Order("id").Find(&items).Error
	ds.observe(metrics.OpListFeedback, "feedbacks", start, err)
	if err != nil {
		return nil, dbError(err, metrics.OpListFeedback, errors.PriorityLow, "observation_id", observationID)
	}
	return items, nil
}

// ListPendingPromotions returns correct feedback that has not been promoted,
// oldest first. A limit of zero or less returns everything.
func (ds *DataStore) ListPendingPromotions(ctx context.Context, limit int) ([]Feedback, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	query := db.Where("correct = ? AND promoted = ?", true, false).Order("id")
	if limit > 0 {
		query = query.Limit(limit)
	}

	start := time.Now()
	var items []Feedback
	err = query.Find(&items).Error
	ds.observe(metrics.OpListFeedback, "feedbacks", start, err)
	if err != nil {
		return nil, dbError(err, "list_pending_promotions", errors.PriorityMedium)
	}
	return items, nil
}

// PromoteFeedback inserts a verified curated image for (kind, entityID,
// imageURL) and marks the feedback promoted, atomically. An image that
// already exists, including one inserted concurrently, yields
// PromotionDuplicate and leaves the feedback untouched.
func (ds *DataStore) PromoteFeedback(ctx context.Context, feedbackID uint, kind ObservationKind, entityID uint, imageURL string) (PromotionOutcome, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return "", err
	}
	if imageURL == "" {
		return "", validationError("image url is required for promotion", "image_url", imageURL)
	}
	if kind != KindPlant && kind != KindDisease {
		return "", validationError("unknown catalog kind", "kind", kind)
	}

	var outcome PromotionOutcome
	start := time.Now()
	err = db.Transaction(func(tx *gorm.DB) error {
		var feedback Feedback
		if err := tx.First(&feedback, feedbackID).Error; err != nil {
			return err
		}
		if feedback.Promoted {
			outcome = PromotionAlreadyPromoted
			return nil
		}

		exists, err := curatedImageExists(tx, kind, entityID, imageURL)
		if err != nil {
			return err
		}
		if exists {
			outcome = PromotionDuplicate
			return nil
		}

		if err := createCuratedImage(tx, kind, entityID, imageURL, &feedback); err != nil {
			if isDuplicateKey(err) {
				return errDuplicateImage
			}
			return err
		}

		if err := tx.Model(&feedback).Update("promoted", true).Error; err != nil {
			return err
		}
		outcome = PromotionInserted
		return nil
	})
	ds.observe(metrics.OpPromoteFeedback, "feedbacks", start, err)

	switch {
	case errors.Is(err, errDuplicateImage):
		ds.recordTransaction(metrics.OpPromoteFeedback, nil)
		return PromotionDuplicate, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return "", notFoundError("feedback", feedbackID)
	case err != nil:
		ds.recordTransaction(metrics.OpPromoteFeedback, err)
		return "", dbError(err, metrics.OpPromoteFeedback, errors.PriorityHigh,
			"feedback_id", feedbackID, "kind", string(kind))
	}

	ds.recordTransaction(metrics.OpPromoteFeedback, nil)
	return outcome, nil
}

func curatedImageExists(tx *gorm.DB, kind ObservationKind, entityID uint, imageURL string) (bool, error) {
	var count int64
	var err error
	if kind == KindPlant {
		err = tx.Model(&PlantImage{}).Where("plant_id = ? AND image_url = ?", entityID, imageURL).Count(&count).Error
	} else {
		err = tx.Model(&DiseaseImage{}).Where("disease_id = ? AND image_url = ?", entityID, imageURL).Count(&count).Error
	}
	return count > 0, err
}

func createCuratedImage(tx *gorm.DB, kind ObservationKind, entityID uint, imageURL string, feedback *Feedback) error {
	feedbackID := feedback.ID
	if kind == KindPlant {
		return tx.Create(&PlantImage{
			PlantID:    entityID,
			ImageURL:   imageURL,
			UserID:     feedback.UserID,
			FeedbackID: &feedbackID,
			Verified:   true,
		}).Error
	}
	return tx.Create(&DiseaseImage{
		DiseaseID:  entityID,
		ImageURL:   imageURL,
		UserID:     feedback.UserID,
		FeedbackID: &feedbackID,
		Verified:   true,
	}).Error
}

// ApproveFeedback marks feedback as reviewed by an administrator
func (ds *DataStore) ApproveFeedback(ctx context.Context, id uint, adminNotes string) (*Feedback, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}

	var feedback Feedback
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&feedback, id).Error; err != nil {
			return err
		}
		updates := map[string]any{"approved": true}
		if adminNotes != "" {
			updates["admin_notes"] = adminNotes
		}
		if err := tx.Model(&feedback).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&feedback, id).Error
	})
	if err != nil {
		return nil, lookupError(err, "feedback", id)
	}
	return &feedback, nil
}

func (ds *DataStore) DeleteFeedback(ctx context.Context, id uint) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	result := db.Delete(&Feedback{}, id)
	if result.Error != nil {
		return dbError(result.Error, "delete_feedback", errors.PriorityMedium, "id", id)
	}
	if result.RowsAffected == 0 {
		return notFoundError("feedback", id)
	}
	return nil
}

// FeedbackStats aggregates feedback counts in a single query
func (ds *DataStore) FeedbackStats(ctx context.Context) (*FeedbackStats, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}

	var row struct {
		Total    int64
		Correct  int64
		Approved int64
		Promoted int64
	}
	err = db.Model(&Feedback{}).Select(
		"COUNT(*) AS total, " +
			"COALESCE(SUM(CASE WHEN correct THEN 1 ELSE 0 END), 0) AS correct, " +
			"COALESCE(SUM(CASE WHEN approved THEN 1 ELSE 0 END), 0) AS approved, " +
			"COALESCE(SUM(CASE WHEN promoted THEN 1 ELSE 0 END), 0) AS promoted",
	).Scan(&row).Error
	if err != nil {
		return nil, dbError(err, "feedback_stats", errors.PriorityLow)
	}

	stats := &FeedbackStats{
		Total:     row.Total,
		Correct:   row.Correct,
		Incorrect: row.Total - row.Correct,
		Approved:  row.Approved,
		Pending:   row.Total - row.Approved,
		Promoted:  row.Promoted,
	}
	if row.Total > 0 {
		stats.Accuracy = float64(row.Correct) / float64(row.Total)
	}
	return stats, nil
}

// CountCuratedImages returns how many curated images an entity has
func (ds *DataStore) CountCuratedImages(ctx context.Context, kind ObservationKind, entityID uint) (int64, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if kind == KindPlant {
		err = db.Model(&PlantImage{}).Where("plant_id = ?", entityID).Count(&count).Error
	} else {
		err = db.Model(&DiseaseImage{}).Where("disease_id = ?", entityID).Count(&count).Error
	}
	if err != nil {
		return 0, dbError(err, "count_curated_images", errors.PriorityLow, "kind", string(kind))
	}
	return count, nil
}
