package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/utils"
)

// DocumentType is the per-business catalog of shipping papers a shipment may
// be required to hold ("Bill of Lading", "Form M", "FIRS attachment", ...).
type DocumentType struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"index;not null" json:"business_id"`
	Name       string `gorm:"size:255;not null" json:"name"`
	// earliest stage at which this paper becomes relevant; informational
	RequiredFromStageId int       `gorm:"default:0" json:"required_from_stage_id"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewDocumentType struct {
	Name                string `json:"name" binding:"required"`
	RequiredFromStageId int    `json:"required_from_stage_id"`
}

func (input *NewDocumentType) validate(ctx context.Context, businessId string) error {
	if input.RequiredFromStageId != 0 && !IsValidShipmentStage(input.RequiredFromStageId) {
		return fmt.Errorf("unknown shipment stage %d", input.RequiredFromStageId)
	}
	return utils.ValidateUnique[DocumentType](ctx, businessId, "name", input.Name, 0)
}

func CreateDocumentType(ctx context.Context, input *NewDocumentType) (*DocumentType, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	docType := DocumentType{
		BusinessId:          businessId,
		Name:                input.Name,
		RequiredFromStageId: input.RequiredFromStageId,
	}
	if err := db.WithContext(ctx).Create(&docType).Error; err != nil {
		return nil, translateDBError(err)
	}

	// invalidate the catalog cache
	utils.RemoveRedisList[DocumentType](businessId)

	return &docType, nil
}

// GetDocumentTypes returns the business's catalog, redis-cached.
func GetDocumentTypes(ctx context.Context) ([]*DocumentType, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return getDocumentTypes(ctx, businessId)
}

func getDocumentTypes(ctx context.Context, businessId string) ([]*DocumentType, error) {
	db := config.GetDB()

	cached, err := utils.RetrieveRedisList[DocumentType](businessId)
	if err == nil && cached != nil {
		return cached, nil
	}

	var docTypes []*DocumentType
	if err := db.WithContext(ctx).Where("business_id = ?", businessId).
		Order("name ASC").Find(&docTypes).Error; err != nil {
		return nil, err
	}
	utils.StoreRedisList[DocumentType](docTypes, businessId)

	return docTypes, nil
}

// documentTypeNamesByIds resolves ids to names via the cached catalog.
func documentTypeNamesByIds(ctx context.Context, businessId string) (map[int]string, error) {
	docTypes, err := getDocumentTypes(ctx, businessId)
	if err != nil {
		return nil, err
	}
	names := make(map[int]string, len(docTypes))
	for _, dt := range docTypes {
		names[dt.ID] = dt.Name
	}
	return names, nil
}
