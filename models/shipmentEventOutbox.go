package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/utils"
)

type ShipmentEventAction string

const (
	ShipmentEventActionCreated             ShipmentEventAction = "created"
	ShipmentEventActionStageChanged        ShipmentEventAction = "stage_changed"
	ShipmentEventActionSplit               ShipmentEventAction = "split"
	ShipmentEventActionLotsRenumbered      ShipmentEventAction = "lots_renumbered"
	ShipmentEventActionAllocationsUpserted ShipmentEventAction = "allocations_upserted"
)

type ShipmentEventReferenceType string

const (
	ShipmentEventReferenceTypeShipment           ShipmentEventReferenceType = "shipment"
	ShipmentEventReferenceTypeShipmentAllocation ShipmentEventReferenceType = "shipment_allocation"
)

// ShipmentEventRecord is the transactional outbox row. Mutating operations
// enqueue one inside their transaction; the workflow dispatcher publishes
// after commit and tracks delivery state here.
type ShipmentEventRecord struct {
	ID            int                        `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId    string                     `gorm:"size:64;not null;index" json:"business_id"`
	EventTime     time.Time                  `gorm:"index;not null" json:"event_time"`
	ReferenceId   int                        `json:"reference_id"`
	ReferenceType ShipmentEventReferenceType `gorm:"type:enum('shipment','shipment_allocation')" json:"reference_type"`
	Action        ShipmentEventAction        `gorm:"type:enum('created','stage_changed','split','lots_renumbered','allocations_upserted')" json:"action"`
	OldObj        []byte                     `gorm:"type:blob" json:"old_obj"`
	NewObj        []byte                     `gorm:"type:blob" json:"new_obj"`
	// publish metadata (delivery happens after commit via dispatcher)
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToShipmentEventMessage(record ShipmentEventRecord) config.PubSubMessage {
	return config.PubSubMessage{
		ID:                  record.ID,
		BusinessId:          record.BusinessId,
		TransactionDateTime: record.EventTime,
		ReferenceId:         record.ReferenceId,
		ReferenceType:       string(record.ReferenceType),
		Action:              string(record.Action),
		OldObj:              record.OldObj,
		NewObj:              record.NewObj,
		CorrelationId:       record.CorrelationId,
	}
}

// GetShipmentEventRecords lists outbox rows for inspection, newest first,
// optionally filtered by publish status.
func GetShipmentEventRecords(ctx context.Context, publishStatus *string, limit int) ([]*ShipmentEventRecord, error) {
	db := config.GetDB()

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	// Admin and internal callers may list across businesses.
	crossTenant := false
	if skip, ok := utils.GetSkipTenantScopeFromContext(ctx); ok && skip {
		crossTenant = true
	}
	if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
		crossTenant = true
	}

	dbCtx := db.WithContext(ctx)
	if !crossTenant {
		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok || businessId == "" {
			return nil, errors.New("business id is required")
		}
		dbCtx = dbCtx.Where("business_id = ?", businessId)
	}
	if publishStatus != nil && *publishStatus != "" {
		dbCtx = dbCtx.Where("publish_status = ?", *publishStatus)
	}

	var records []*ShipmentEventRecord
	if err := dbCtx.Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
