package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/utils"
)

// ShipmentDocumentRequirement pins one document type a shipment must
// eventually hold. The set is configured during planning and copied to
// children on split; the stage machine only reads it.
type ShipmentDocumentRequirement struct {
	ID             int       `gorm:"primary_key" json:"id"`
	BusinessId     string    `gorm:"index;not null" json:"business_id"`
	ShipmentId     int       `gorm:"uniqueIndex:idx_shipment_doc_req;not null" json:"shipment_id"`
	DocumentTypeId int       `gorm:"uniqueIndex:idx_shipment_doc_req;not null" json:"document_type_id"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ShipmentDocument is one attached paper. IsOriginal distinguishes a final
// document from a draft placeholder; reference number and date arrive later,
// when the paper is processed for closing.
type ShipmentDocument struct {
	ID              int           `gorm:"primary_key" json:"id"`
	BusinessId      string        `gorm:"index;not null" json:"business_id"`
	ShipmentId      int           `gorm:"index;not null" json:"shipment_id"`
	DocumentTypeId  int           `gorm:"index;not null" json:"document_type_id"`
	DocumentUrl     string        `gorm:"size:500" json:"document_url"`
	IsOriginal      bool          `gorm:"default:false" json:"is_original"`
	ReferenceNumber string        `gorm:"size:100" json:"reference_number"`
	ReferenceDate   *MyDateString `gorm:"default:null" json:"reference_date"`
	CreatedBy       int           `gorm:"default:null" json:"created_by"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// SetShipmentDocumentRequirements replaces the shipment's required document
// set. The config freezes once loading has started.
func SetShipmentDocumentRequirements(ctx context.Context, shipmentId int, docTypeIds []int) error {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}

	shipment, err := utils.FetchModel[Shipment](ctx, businessId, shipmentId)
	if err != nil {
		return err
	}
	if shipment.ShipmentStageId > ShipmentStageUnderloading {
		return fmt.Errorf("document requirements are frozen once shipment %s passes %s",
			shipment.ShipmentNumber, ShipmentStageName(ShipmentStageUnderloading))
	}
	if len(docTypeIds) > 0 {
		if err := utils.ValidateResourcesId[DocumentType](ctx, businessId, docTypeIds); err != nil {
			return errors.New("document type not found")
		}
	}

	tx := db.Begin()
	if err := tx.WithContext(ctx).Where("business_id = ? AND shipment_id = ?", businessId, shipmentId).
		Delete(&ShipmentDocumentRequirement{}).Error; err != nil {
		tx.Rollback()
		return translateDBError(err)
	}
	for _, docTypeId := range utils.UniqueSlice(docTypeIds) {
		requirement := ShipmentDocumentRequirement{
			BusinessId:     businessId,
			ShipmentId:     shipmentId,
			DocumentTypeId: docTypeId,
		}
		if err := tx.WithContext(ctx).Create(&requirement).Error; err != nil {
			tx.Rollback()
			return translateDBError(err)
		}
	}

	if err := createHistory(tx.WithContext(ctx), "Update", shipmentId, "shipments", nil, docTypeIds,
		fmt.Sprintf("Shipment %s required documents reconfigured", shipment.ShipmentNumber)); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return translateDBError(err)
	}
	return nil
}

// copyDocumentRequirements clones the parent's required document set onto a
// child inside the caller's transaction.
func copyDocumentRequirements(tx *gorm.DB, businessId string, fromShipmentId int, toShipmentId int) error {
	var requirements []*ShipmentDocumentRequirement
	if err := tx.Where("business_id = ? AND shipment_id = ?", businessId, fromShipmentId).
		Find(&requirements).Error; err != nil {
		return err
	}
	for _, req := range requirements {
		child := ShipmentDocumentRequirement{
			BusinessId:     businessId,
			ShipmentId:     toShipmentId,
			DocumentTypeId: req.DocumentTypeId,
		}
		if err := tx.Create(&child).Error; err != nil {
			return err
		}
	}
	return nil
}

type NewShipmentDocument struct {
	ShipmentId      int           `json:"shipment_id" binding:"required"`
	DocumentTypeId  int           `json:"document_type_id" binding:"required"`
	DocumentUrl     string        `json:"document_url" binding:"required"`
	IsOriginal      bool          `json:"is_original"`
	ReferenceNumber string        `json:"reference_number"`
	ReferenceDate   *MyDateString `json:"reference_date"`
}

// AttachShipmentDocumentFromURL records an already-uploaded paper against a
// shipment. With strict verification on, the object must exist in storage.
func AttachShipmentDocumentFromURL(ctx context.Context, input *NewShipmentDocument) (*ShipmentDocument, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if err := utils.ValidateResourceId[Shipment](ctx, businessId, input.ShipmentId); err != nil {
		return nil, errors.New("shipment not found")
	}
	if err := utils.ValidateResourceId[DocumentType](ctx, businessId, input.DocumentTypeId); err != nil {
		return nil, errors.New("document type not found")
	}
	if config.StrictDocVerification() {
		if err := utils.CheckDocumentExistInGCS(input.DocumentUrl); err != nil {
			return nil, fmt.Errorf("document is not available in storage: %w", err)
		}
	}

	doc := ShipmentDocument{
		BusinessId:      businessId,
		ShipmentId:      input.ShipmentId,
		DocumentTypeId:  input.DocumentTypeId,
		DocumentUrl:     input.DocumentUrl,
		IsOriginal:      input.IsOriginal,
		ReferenceNumber: input.ReferenceNumber,
		ReferenceDate:   input.ReferenceDate,
		CreatedBy:       userId,
	}
	if err := db.WithContext(ctx).Create(&doc).Error; err != nil {
		return nil, translateDBError(err)
	}
	return &doc, nil
}

type UpdateShipmentDocument struct {
	IsOriginal      *bool         `json:"is_original"`
	ReferenceNumber *string       `json:"reference_number"`
	ReferenceDate   *MyDateString `json:"reference_date"`
}

// UpdateShipmentDocumentMeta promotes drafts to originals and records the
// reference metadata closing requires. Only provided fields change.
func UpdateShipmentDocumentMeta(ctx context.Context, id int, input *UpdateShipmentDocument) (*ShipmentDocument, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	doc, err := utils.FetchModel[ShipmentDocument](ctx, businessId, id)
	if err != nil {
		return nil, errors.New("shipment document not found")
	}

	updates := map[string]interface{}{}
	if input.IsOriginal != nil {
		updates["is_original"] = *input.IsOriginal
	}
	if input.ReferenceNumber != nil {
		updates["reference_number"] = strings.TrimSpace(*input.ReferenceNumber)
	}
	if input.ReferenceDate != nil {
		updates["reference_date"] = input.ReferenceDate
	}
	if len(updates) == 0 {
		return doc, nil
	}

	if err := db.WithContext(ctx).Model(doc).Updates(updates).Error; err != nil {
		return nil, translateDBError(err)
	}
	return doc, nil
}

type ShipmentDocumentDownload struct {
	Document    *ShipmentDocument `json:"document"`
	DownloadUrl string            `json:"download_url"`
	ExpiresAt   *time.Time        `json:"expires_at"`
}

// GetShipmentDocument returns the document with a time-limited signed read
// URL when a signer is configured, falling back to the stored URL otherwise.
func GetShipmentDocument(ctx context.Context, id int) (*ShipmentDocumentDownload, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	doc, err := utils.FetchModel[ShipmentDocument](ctx, businessId, id)
	if err != nil {
		return nil, errors.New("shipment document not found")
	}

	download := &ShipmentDocumentDownload{Document: doc, DownloadUrl: doc.DocumentUrl}
	if signed, err := utils.SignDocumentReadURL(doc.DocumentUrl, 15*time.Minute); err == nil {
		download.DownloadUrl = signed.DownloadURL
		download.ExpiresAt = &signed.ExpiresAt
	} else if key := utils.ExtractObjectKeyFromURL(doc.DocumentUrl); key != "" {
		// Public-bucket deployments read through the canonical URL without signing.
		download.DownloadUrl = utils.BuildObjectAccessURL(key)
	}
	return download, nil
}

func GetShipmentDocuments(ctx context.Context, shipmentId int) ([]*ShipmentDocument, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var docs []*ShipmentDocument
	err := db.WithContext(ctx).Where("business_id = ? AND shipment_id = ?", businessId, shipmentId).
		Order("id ASC").Find(&docs).Error
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// documentSatisfiesStage applies the per-stage acceptance rule: before
// clearing any attachment counts, clearing needs originals, and closing
// additionally needs reference number and date on the original.
func documentSatisfiesStage(doc *ShipmentDocument, stage int, requireMeta bool) bool {
	if stage >= ShipmentStageCleared && !doc.IsOriginal {
		return false
	}
	if requireMeta {
		if strings.TrimSpace(doc.ReferenceNumber) == "" || !dateSet(doc.ReferenceDate) {
			return false
		}
	}
	return true
}

// GetMissingRequiredDocs lists the configured document type names the
// shipment does not yet satisfy for the given stage, sorted for stable
// output. Runs entirely on reads; callers consult it before opening a
// transaction.
func GetMissingRequiredDocs(ctx context.Context, shipmentId int, stage int, requireMeta bool) ([]string, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var requirements []*ShipmentDocumentRequirement
	if err := db.WithContext(ctx).Where("business_id = ? AND shipment_id = ?", businessId, shipmentId).
		Find(&requirements).Error; err != nil {
		return nil, err
	}
	if len(requirements) == 0 {
		return nil, nil
	}

	var docs []*ShipmentDocument
	if err := db.WithContext(ctx).Where("business_id = ? AND shipment_id = ?", businessId, shipmentId).
		Find(&docs).Error; err != nil {
		return nil, err
	}

	strict := config.StrictDocVerification()
	satisfied := make(map[int]bool, len(requirements))
	for _, doc := range docs {
		if !documentSatisfiesStage(doc, stage, requireMeta) {
			continue
		}
		if strict && doc.DocumentUrl != "" {
			if err := utils.CheckDocumentExistInGCS(doc.DocumentUrl); err != nil {
				continue
			}
		}
		satisfied[doc.DocumentTypeId] = true
	}

	names, err := documentTypeNamesByIds(ctx, businessId)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, req := range requirements {
		if satisfied[req.DocumentTypeId] {
			continue
		}
		if name, ok := names[req.DocumentTypeId]; ok {
			missing = append(missing, name)
		} else {
			missing = append(missing, fmt.Sprintf("document type %d", req.DocumentTypeId))
		}
	}
	sort.Strings(missing)
	return missing, nil
}
