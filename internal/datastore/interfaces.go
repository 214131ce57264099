package datastore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/logger"
	"github.com/leafwatch/leafwatch/internal/observability/metrics"
)

// Interface is the persistence contract used by the prediction pipeline.
// Lookups of a missing row return an error for which errors.IsNotFound is true.
type Interface interface {
	Open() error
	Close() error
	SetMetrics(m *Metrics)

	GetUser(ctx context.Context, id uint) (*User, error)
	CreateUser(ctx context.Context, user *User) error

	SavePlant(ctx context.Context, plant *Plant) error
	SaveDisease(ctx context.Context, disease *Disease) error
	GetPlant(ctx context.Context, id uint) (*Plant, error)
	GetDisease(ctx context.Context, id uint) (*Disease, error)
	ListPlants(ctx context.Context) ([]Plant, error)
	ListDiseases(ctx context.Context) ([]Disease, error)
	FindPlantByName(ctx context.Context, name string) (*Plant, error)
	FindDiseaseByName(ctx context.Context, name string) (*Disease, error)
	SearchPlants(ctx context.Context, fragment string) ([]Plant, error)
	SearchDiseases(ctx context.Context, fragment string) ([]Disease, error)

	SaveObservation(ctx context.Context, obs *Observation, branches []Branch, audit *AuditEntry) error
	GetObservation(ctx context.Context, id uint) (*Observation, error)
	ListObservations(ctx context.Context, userID uint, limit, offset int) ([]Observation, error)
	GetBranches(ctx context.Context, observationID uint) ([]Branch, error)
	UpdateObservation(ctx context.Context, obs *Observation, audit *AuditEntry) error
	DeleteObservation(ctx context.Context, id uint) error
	ListAuditEntries(ctx context.Context, observationID uint) ([]AuditEntry, error)

	SaveFeedback(ctx context.Context, feedback *Feedback) error
	GetFeedback(ctx context.Context, id uint) (*Feedback, error)
	ListFeedbackByObservation(ctx context.Context, observationID uint) ([]Feedback, error)
	ListPendingPromotions(ctx context.Context, limit int) ([]Feedback, error)
	PromoteFeedback(ctx context.Context, feedbackID uint, kind ObservationKind, entityID uint, imageURL string) (PromotionOutcome, error)
	ApproveFeedback(ctx context.Context, id uint, adminNotes string) (*Feedback, error)
	DeleteFeedback(ctx context.Context, id uint) error
	FeedbackStats(ctx context.Context) (*FeedbackStats, error)
	CountCuratedImages(ctx context.Context, kind ObservationKind, entityID uint) (int64, error)
}

// DataStore implements Interface on top of a gorm connection. SQLiteStore
// and MySQLStore embed it and only differ in how they open the connection.
type DataStore struct {
	DB      *gorm.DB
	Logger  logger.Logger
	metrics *Metrics
}

// SetMetrics attaches datastore metrics; nil disables recording.
func (ds *DataStore) SetMetrics(m *Metrics) {
	ds.metrics = m
}

// observe records operation metrics when metrics are attached
func (ds *DataStore) observe(operation, table string, start time.Time, err error) {
	if ds.metrics == nil {
		return
	}
	ds.metrics.RecordDbOperationDuration(operation, table, time.Since(start).Seconds())
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		ds.metrics.RecordDbOperation(operation, table, metrics.StatusError)
		ds.metrics.RecordDbOperationError(operation, table, fmt.Sprintf("%T", err))
		return
	}
	ds.metrics.RecordDbOperation(operation, table, metrics.StatusSuccess)
}

func (ds *DataStore) recordTransaction(operation string, err error) {
	if ds.metrics == nil {
		return
	}
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	ds.metrics.RecordTransaction(operation, status)
}

func (ds *DataStore) db(ctx context.Context) (*gorm.DB, error) {
	if ds.DB == nil {
		return nil, dbError(errors.NewStd("database connection is not initialized"), "connection", errors.PriorityHigh)
	}
	return ds.DB.WithContext(ctx), nil
}

// performAutoMigration creates or updates every table
func performAutoMigration(db *gorm.DB, log logger.Logger, dbType string) error {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return dbError(err, "auto_migrate", errors.PriorityCritical, "db_type", dbType)
	}
	if log != nil {
		log.Info("database schema ready", logger.String("db_type", dbType))
	}
	return nil
}

// --- users ---

func (ds *DataStore) GetUser(ctx context.Context, id uint) (*User, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var user User
	if err := db.First(&user, id).Error; err != nil {
		return nil, lookupError(err, "user", id)
	}
	return &user, nil
}

func (ds *DataStore) CreateUser(ctx context.Context, user *User) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	if user.Username == "" {
		return validationError("username is required", "username", user.Username)
	}
	if err := db.Create(user).Error; err != nil {
		return dbError(err, "create_user", errors.PriorityMedium, "username", user.Username)
	}
	return nil
}

// --- catalog ---

// SavePlant inserts or updates a plant keyed by its name
func (ds *DataStore) SavePlant(ctx context.Context, plant *Plant) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(plant.Name) == "" {
		return validationError("plant name is required", "name", plant.Name)
	}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"scientific_name", "description", "image_url"}),
	}).Create(plant).Error
	if err != nil {
		return dbError(err, "save_plant", errors.PriorityMedium, "name", plant.Name)
	}
	if plant.ID == 0 {
		return db.Where("name = ?", plant.Name).First(plant).Error
	}
	return nil
}

// SaveDisease inserts or updates a disease keyed by its name
func (ds *DataStore) SaveDisease(ctx context.Context, disease *Disease) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(disease.Name) == "" {
		return validationError("disease name is required", "name", disease.Name)
	}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"plant_id", "symptoms", "cause", "treatment"}),
	}).Create(disease).Error
	if err != nil {
		return dbError(err, "save_disease", errors.PriorityMedium, "name", disease.Name)
	}
	if disease.ID == 0 {
		return db.Where("name = ?", disease.Name).First(disease).Error
	}
	return nil
}

func (ds *DataStore) GetPlant(ctx context.Context, id uint) (*Plant, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var plant Plant
	err = db.First(&plant, id).Error
	ds.observe(metrics.OpCatalogLookup, "plants", start, err)
	if err != nil {
		return nil, lookupError(err, "plant", id)
	}
	return &plant, nil
}

func (ds *DataStore) GetDisease(ctx context.Context, id uint) (*Disease, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var disease Disease
	err = db.First(&disease, id).Error
	ds.observe(metrics.OpCatalogLookup, "diseases", start, err)
	if err != nil {
		return nil, lookupError(err, "disease", id)
	}
	return &disease, nil
}

func (ds *DataStore) ListPlants(ctx context.Context) ([]Plant, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var plants []Plant
	err = db.Order("id").Find(&plants).Error
	ds.observe(metrics.OpCatalogList, "plants", start, err)
	if err != nil {
		return nil, dbError(err, "list_plants", errors.PriorityMedium)
	}
	return plants, nil
}

func (ds *DataStore) ListDiseases(ctx context.Context) ([]Disease, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var diseases []Disease
	err = db.Order("id").Find(&diseases).Error
	ds.observe(metrics.OpCatalogList, "diseases", start, err)
	if err != nil {
		return nil, dbError(err, "list_diseases", errors.PriorityMedium)
	}
	return diseases, nil
}

// FindPlantByName matches the name exactly, ignoring case
func (ds *DataStore) FindPlantByName(ctx context.Context, name string) (*Plant, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var plant Plant
	err = db.Where("LOWER(name) = ?", strings.ToLower(name)).First(&plant).Error
	ds.observe(metrics.OpCatalogLookup, "plants", start, err)
	if err != nil {
		return nil, lookupError(err, "plant", name)
	}
	return &plant, nil
}

// FindDiseaseByName matches the name exactly, ignoring case
func (ds *DataStore) FindDiseaseByName(ctx context.Context, name string) (*Disease, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var disease Disease
	err = db.Where("LOWER(name) = ?", strings.ToLower(name)).First(&disease).Error
	ds.observe(metrics.OpCatalogLookup, "diseases", start, err)
	if err != nil {
		return nil, lookupError(err, "disease", name)
	}
	return &disease, nil
}

// SearchPlants returns plants whose name contains fragment, ignoring case.
// Shorter names come first.
func (ds *DataStore) SearchPlants(ctx context.Context, fragment string) ([]Plant, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var plants []Plant
	err = db.Where("LOWER(name) LIKE ? ESCAPE '!'", likePattern(fragment)).
		Order("LENGTH(name)").Order("id").
		Find(&plants).Error
	ds.observe(metrics.OpCatalogLookup, "plants", start, err)
	if err != nil {
		return nil, dbError(err, "search_plants", errors.PriorityLow, "fragment", fragment)
	}
	return plants, nil
}

// SearchDiseases returns diseases whose name contains fragment, ignoring case.
// Shorter names come first.
func (ds *DataStore) SearchDiseases(ctx context.Context, fragment string) ([]Disease, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var diseases []Disease
	err = db.Where("LOWER(name) LIKE ? ESCAPE '!'", likePattern(fragment)).
		Order("LENGTH(name)").Order("id").
		Find(&diseases).Error
	ds.observe(metrics.OpCatalogLookup, "diseases", start, err)
	if err != nil {
		return nil, dbError(err, "search_diseases", errors.PriorityLow, "fragment", fragment)
	}
	return diseases, nil
}

// likePattern builds a contains pattern with '!' as the escape character.
// Catalog names are full of underscores, which LIKE would treat as wildcards.
func likePattern(fragment string) string {
	escaped := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(strings.ToLower(fragment))
	return "%" + escaped + "%"
}

// --- observations ---

// SaveObservation stores the observation, its branches and its creation audit
// entry in one transaction. Branch and audit ids are filled in on success.
func (ds *DataStore) SaveObservation(ctx context.Context, obs *Observation, branches []Branch, audit *AuditEntry) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	if obs == nil {
		return validationError("observation is required", "observation", nil)
	}

	start := time.Now()
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(obs).Error; err != nil {
			return fmt.Errorf("creating observation: %w", err)
		}

		for _, b := range branches {
			switch branch := b.(type) {
			case *PlantBranch:
				branch.ObservationID = obs.ID
				if err := tx.Create(branch).Error; err != nil {
					return fmt.Errorf("creating plant branch for plant %d: %w", branch.PlantID, err)
				}
			case *DiseaseBranch:
				branch.ObservationID = obs.ID
				if err := tx.Create(branch).Error; err != nil {
					return fmt.Errorf("creating disease branch for disease %d: %w", branch.DiseaseID, err)
				}
			}
		}

		if audit != nil {
			audit.ObservationID = obs.ID
			if err := tx.Create(audit).Error; err != nil {
				return fmt.Errorf("creating audit entry: %w", err)
			}
		}
		return nil
	})
	ds.observe(metrics.OpSaveObservation, "observations", start, err)
	ds.recordTransaction(metrics.OpSaveObservation, err)

	if err != nil {
		return dbError(err, metrics.OpSaveObservation, errors.PriorityHigh,
			"branches", len(branches))
	}
	return nil
}

func (ds *DataStore) GetObservation(ctx context.Context, id uint) (*Observation, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var obs Observation
	err = db.First(&obs, id).Error
	ds.observe(metrics.OpGetObservation, "observations", start, err)
	if err != nil {
		return nil, lookupError(err, "observation", id)
	}
	return &obs, nil
}

// ListObservations returns a user's observations, newest first
func (ds *DataStore) ListObservations(ctx context.Context, userID uint, limit, offset int) ([]Observation, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var observations []Observation
	err = db.Where("user_id = ?", userID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&observations).Error
	if err != nil {
		return nil, dbError(err, "list_observations", errors.PriorityMedium, "user_id", userID)
	}
	return observations, nil
}

// GetBranches returns an observation's branches ordered by rank
func (ds *DataStore) GetBranches(ctx context.Context, observationID uint) ([]Branch, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}

	var plantBranches []PlantBranch
	if err := db.Where("observation_id = ?", observationID).Order("`rank`").Find(&plantBranches).Error; err != nil {
		return nil, dbError(err, "get_branches", errors.PriorityMedium, "observation_id", observationID)
	}
	var diseaseBranches []DiseaseBranch
	if err := db.Where("observation_id = ?", observationID).Order("`rank`").Find(&diseaseBranches).Error; err != nil {
		return nil, dbError(err, "get_branches", errors.PriorityMedium, "observation_id", observationID)
	}

	branches := make([]Branch, 0, len(plantBranches)+len(diseaseBranches))
	for i := range plantBranches {
		branches = append(branches, &plantBranches[i])
	}
	for i := range diseaseBranches {
		branches = append(branches, &diseaseBranches[i])
	}
	// ranks are shared across both tables
	slices.SortStableFunc(branches, func(a, b Branch) int {
		return cmp.Compare(a.BranchRank(), b.BranchRank())
	})
	return branches, nil
}

// UpdateObservation overwrites the mutable observation fields and appends
// the audit entry in one transaction.
func (ds *DataStore) UpdateObservation(ctx context.Context, obs *Observation, audit *AuditEntry) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	if obs == nil || obs.ID == 0 {
		return validationError("observation id is required", "id", 0)
	}

	start := time.Now()
	err = db.Transaction(func(tx *gorm.DB) error {
		// RowsAffected is not a reliable existence check on MySQL, which
		// reports zero for an update that changes nothing.
		if err := tx.Select("id").First(&Observation{}, obs.ID).Error; err != nil {
			return err
		}
		if err := tx.Model(&Observation{ID: obs.ID}).
			Select("confidence", "valid", "recommendation").
			Updates(obs).Error; err != nil {
			return err
		}

		if audit != nil {
			audit.ObservationID = obs.ID
			if err := tx.Create(audit).Error; err != nil {
				return fmt.Errorf("creating audit entry: %w", err)
			}
		}
		return nil
	})
	ds.observe(metrics.OpUpdateObservation, "observations", start, err)
	ds.recordTransaction(metrics.OpUpdateObservation, err)

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundError("observation", obs.ID)
		}
		return dbError(err, metrics.OpUpdateObservation, errors.PriorityHigh, "observation_id", obs.ID)
	}
	return nil
}

// DeleteObservation removes an observation together with its branches,
// audit trail and feedback in one transaction. Curated images promoted from
// that feedback stay in the pool with their feedback reference cleared.
func (ds *DataStore) DeleteObservation(ctx context.Context, id uint) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id").First(&Observation{}, id).Error; err != nil {
			return err
		}

		// Children are removed explicitly so the result does not depend on
		// the driver enforcing ON DELETE CASCADE
		feedbackIDs := tx.Model(&Feedback{}).Select("id").Where("observation_id = ?", id)
		for _, image := range []any{&PlantImage{}, &DiseaseImage{}} {
			if err := tx.Model(image).Where("feedback_id IN (?)", feedbackIDs).
				Update("feedback_id", nil).Error; err != nil {
				return err
			}
		}
		for _, child := range []any{&PlantBranch{}, &DiseaseBranch{}, &AuditEntry{}, &Feedback{}} {
			if err := tx.Where("observation_id = ?", id).Delete(child).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&Observation{}, id).Error
	})
	ds.observe(metrics.OpDeleteObservation, "observations", start, err)
	ds.recordTransaction(metrics.OpDeleteObservation, err)

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundError("observation", id)
		}
		return dbError(err, metrics.OpDeleteObservation, errors.PriorityHigh, "observation_id", id)
	}
	return nil
}

// ListAuditEntries returns an observation's audit trail, oldest first
func (ds *DataStore) ListAuditEntries(ctx context.Context, observationID uint) ([]AuditEntry, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var entries []AuditEntry
	if err := db.Where("observation_id = ?", observationID).Order("id").Find(&entries).Error; err != nil {
		return nil, dbError(err, "list_audit_entries", errors.PriorityLow, "observation_id", observationID)
	}
	return entries, nil
}
