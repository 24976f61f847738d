package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/utils"
)

// ShipmentStageHistory is the append-only record of stage transitions.
// Rows are write-once; update and delete are blocked by model hooks.
type ShipmentStageHistory struct {
	ID          int       `gorm:"primary_key" json:"id"`
	BusinessId  string    `gorm:"index;not null" json:"business_id"`
	PoId        int       `gorm:"index;not null" json:"po_id"`
	ShipmentId  int       `gorm:"index;not null" json:"shipment_id"`
	FromStageId int       `gorm:"not null" json:"from_stage_id"`
	ToStageId   int       `gorm:"not null" json:"to_stage_id"`
	ChangedAt   time.Time `gorm:"not null" json:"changed_at"`
	Payload     string    `gorm:"type:json" json:"payload"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// createShipmentStageHistory appends one transition row inside the caller's
// transaction so stage state and its audit can never diverge.
func createShipmentStageHistory(tx *gorm.DB, businessId string, poId int, shipmentId int, fromStage int, toStage int, payload map[string]interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	entry := ShipmentStageHistory{
		BusinessId:  businessId,
		PoId:        poId,
		ShipmentId:  shipmentId,
		FromStageId: fromStage,
		ToStageId:   toStage,
		ChangedAt:   time.Now(),
		Payload:     string(payloadJSON),
	}
	return tx.Create(&entry).Error
}

func GetShipmentStageHistories(ctx context.Context, shipmentId int) ([]*ShipmentStageHistory, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*ShipmentStageHistory
	err := db.WithContext(ctx).Where("business_id = ? AND shipment_id = ?", businessId, shipmentId).
		Order("changed_at ASC, id ASC").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
