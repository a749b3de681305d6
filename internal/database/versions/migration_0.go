package versions

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TrainSample struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	HospitalId string        `gorm:"size:64;not null;index"`
	DoctorId   uuid.NullUUID `gorm:"type:uuid"`

	Filename    string `gorm:"not null"`
	ClassLabel  string `gorm:"size:64;not null"`
	Confidence  float64
	StoragePath string `gorm:"not null"`
	MimeType    string
	SizeBytes   int64
	Meta        datatypes.JSON `gorm:"type:jsonb"`

	Status   string `gorm:"size:20;not null;index"`
	Attempts int    `gorm:"default:0"`

	CreationTime time.Time
	UpdateTime   time.Time
}

type Prediction struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	HospitalId string        `gorm:"size:64;not null;index"`
	DoctorId   uuid.NullUUID `gorm:"type:uuid"`

	Filename    string `gorm:"not null"`
	DoctorClass string
	ModelClass  string `gorm:"not null"`
	Confidence  float64
	MimeType    string
	SizeBytes   int64
	Meta        datatypes.JSON `gorm:"type:jsonb"`

	CreationTime time.Time
}

func Migration0(db *gorm.DB) error {
	if err := db.AutoMigrate(&TrainSample{}, &Prediction{}); err != nil {
		return fmt.Errorf("initial migration failed: %w", err)
	}
	return nil
}
