// model.go defines the persisted data model
package datastore

import "time"

// Role is a user's role
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
	RoleGuest Role = "guest"
)

// User is the owner of observations and feedback
type User struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;size:100;not null"`
	Email     string `gorm:"size:255"`
	Role      Role   `gorm:"type:varchar(20);not null"`
	Active    bool   `gorm:"not null"`
	CreatedAt time.Time
}

// Plant is a catalog plant species
type Plant struct {
	ID             uint   `gorm:"primaryKey"`
	Name           string `gorm:"uniqueIndex;size:200;not null"`
	ScientificName string `gorm:"size:200"`
	Description    string `gorm:"type:text"`
	ImageURL       string `gorm:"size:512"`
}

// Disease is a catalog disease, optionally tied to the plant it affects
type Disease struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:200;not null"`
	PlantID   *uint  `gorm:"index"`
	Symptoms  string `gorm:"type:text"`
	Cause     string `gorm:"type:text"`
	Treatment string `gorm:"type:text"`
}

// ObservationKind says whether an observation's branches point at plants or diseases
type ObservationKind string

const (
	KindPlant   ObservationKind = "PLANT"
	KindDisease ObservationKind = "DISEASE"
)

// Observation is one prediction event. Valid is fixed at creation from the
// confidence gate and only changes through an audited update.
type Observation struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	UserID         uint            `gorm:"index;not null" json:"user_id"`
	Kind           ObservationKind `gorm:"type:varchar(10);not null" json:"kind"`
	Label          string          `gorm:"size:200" json:"label"`
	Confidence     float64         `gorm:"not null" json:"confidence"`
	ImageURL       string          `gorm:"size:512" json:"image_url"`
	Recommendation string          `gorm:"type:text" json:"recommendation,omitempty"`
	Valid          bool            `gorm:"index;not null" json:"valid"`
	CreatedAt      time.Time       `gorm:"index" json:"created_at"`

	PlantBranches   []PlantBranch   `gorm:"foreignKey:ObservationID;constraint:OnDelete:CASCADE" json:"-"`
	DiseaseBranches []DiseaseBranch `gorm:"foreignKey:ObservationID;constraint:OnDelete:CASCADE" json:"-"`
	AuditEntries    []AuditEntry    `gorm:"foreignKey:ObservationID;constraint:OnDelete:CASCADE" json:"-"`
	Feedback        []Feedback      `gorm:"foreignKey:ObservationID;constraint:OnDelete:CASCADE" json:"-"`
}

// Branch is a ranked link from an observation to a catalog entity. It is
// implemented only by *PlantBranch and *DiseaseBranch.
type Branch interface {
	Kind() ObservationKind
	EntityID() uint
	BranchRank() int
	branch()
}

// PlantBranch links an observation to a plant
type PlantBranch struct {
	ID            uint    `gorm:"primaryKey" json:"id"`
	ObservationID uint    `gorm:"uniqueIndex:idx_plant_branch;not null" json:"observation_id"`
	PlantID       uint    `gorm:"uniqueIndex:idx_plant_branch;not null" json:"plant_id"`
	Rank          int     `gorm:"not null" json:"rank"`
	Label         string  `gorm:"size:200" json:"label"`
	Confidence    float64 `json:"confidence"`
}

func (b *PlantBranch) Kind() ObservationKind { return KindPlant }
func (b *PlantBranch) EntityID() uint        { return b.PlantID }
func (b *PlantBranch) BranchRank() int       { return b.Rank }
func (b *PlantBranch) branch()               {}

// DiseaseBranch links an observation to a disease. Healthy records the
// verdict for the candidate label.
type DiseaseBranch struct {
	ID            uint    `gorm:"primaryKey" json:"id"`
	ObservationID uint    `gorm:"uniqueIndex:idx_disease_branch;not null" json:"observation_id"`
	DiseaseID     uint    `gorm:"uniqueIndex:idx_disease_branch;not null" json:"disease_id"`
	Rank          int     `gorm:"not null" json:"rank"`
	Label         string  `gorm:"size:200" json:"label"`
	Confidence    float64 `json:"confidence"`
	Healthy       bool    `gorm:"not null" json:"healthy"`
}

func (b *DiseaseBranch) Kind() ObservationKind { return KindDisease }
func (b *DiseaseBranch) EntityID() uint        { return b.DiseaseID }
func (b *DiseaseBranch) BranchRank() int       { return b.Rank }
func (b *DiseaseBranch) branch()               {}

// AuditAction is the kind of change an audit entry records
type AuditAction string

const (
	AuditCreated AuditAction = "CREATED"
	AuditUpdated AuditAction = "UPDATED"
)

// AuditEntry is an append-only record of a change to an observation
type AuditEntry struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	ObservationID uint        `gorm:"index;not null" json:"observation_id"`
	AdminID       *uint       `gorm:"index" json:"admin_id,omitempty"`
	Action        AuditAction `gorm:"type:varchar(10);not null" json:"action"`
	OldValue      string      `gorm:"type:text" json:"old_value,omitempty"`
	NewValue      string      `gorm:"type:text" json:"new_value"`
	CreatedAt     time.Time   `gorm:"index" json:"created_at"`
}

// Feedback is a user's verdict on an observation. Promoted becomes true only
// when this feedback inserted a curated image.
type Feedback struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	ObservationID uint   `gorm:"index;not null" json:"observation_id"`
	UserID        uint   `gorm:"index;not null" json:"user_id"`
	Correct       bool   `gorm:"not null" json:"is_correct"`
	Label         string `gorm:"size:200" json:"label"`
	ImageURL      string `gorm:"size:512" json:"image_url"`
	Comment       string `gorm:"type:text" json:"comment,omitempty"`
	AdminNotes    string `gorm:"type:text" json:"admin_notes,omitempty"`
	Approved      bool   `gorm:"not null" json:"approved"`
	Promoted      bool   `gorm:"index;not null" json:"promoted"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PlantImage is a verified training image for a plant
type PlantImage struct {
	ID         uint   `gorm:"primaryKey"`
	PlantID    uint   `gorm:"uniqueIndex:idx_plant_image;not null"`
	ImageURL   string `gorm:"uniqueIndex:idx_plant_image;size:512;not null"`
	UserID     uint   `gorm:"index"`
	FeedbackID *uint  `gorm:"index"`
	Verified   bool   `gorm:"not null"`
	CreatedAt  time.Time
}

// DiseaseImage is a verified training image for a disease
type DiseaseImage struct {
	ID         uint   `gorm:"primaryKey"`
	DiseaseID  uint   `gorm:"uniqueIndex:idx_disease_image;not null"`
	ImageURL   string `gorm:"uniqueIndex:idx_disease_image;size:512;not null"`
	UserID     uint   `gorm:"index"`
	FeedbackID *uint  `gorm:"index"`
	Verified   bool   `gorm:"not null"`
	CreatedAt  time.Time
}

// FeedbackStats summarises all stored feedback
type FeedbackStats struct {
	Total     int64   `json:"total"`
	Correct   int64   `json:"correct"`
	Incorrect int64   `json:"incorrect"`
	Approved  int64   `json:"approved"`
	Pending   int64   `json:"pending"`
	Promoted  int64   `json:"promoted"`
	Accuracy  float64 `json:"accuracy"` // share of correct feedback, 0..1
}

// PromotionOutcome is the result of an attempt to promote feedback
type PromotionOutcome string

const (
	PromotionInserted        PromotionOutcome = "promoted"
	PromotionDuplicate       PromotionOutcome = "duplicate"
	PromotionAlreadyPromoted PromotionOutcome = "already_promoted"
)

// allModels lists every table managed by AutoMigrate, parents first
func allModels() []any {
	return []any{
		&User{},
		&Plant{},
		&Disease{},
		&Observation{},
		&PlantBranch{},
		&DiseaseBranch{},
		&AuditEntry{},
		&Feedback{},
		&PlantImage{},
		&DiseaseImage{},
	}
}
