package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/utils"
)

// ContainerTrackingUpdate is one status report from the external tracking
// feed. The feed is informational only; it never gates or drives a stage
// transition.
type ContainerTrackingUpdate struct {
	ID              int       `gorm:"primary_key" json:"id"`
	BusinessId      string    `gorm:"index;not null" json:"business_id"`
	ShipmentId      int       `gorm:"index;not null" json:"shipment_id"`
	ContainerNumber string    `gorm:"size:50" json:"container_number"`
	Status          string    `gorm:"size:255;not null" json:"status"`
	Location        string    `gorm:"size:255" json:"location"`
	ReportedAt      time.Time `json:"reported_at"`
	// SourceMsgId is the feed's message id; NULL when the feed did not send
	// one. The unique index is what makes redelivered pushes idempotent.
	SourceMsgId *string   `gorm:"size:255;uniqueIndex:idx_tracking_source_msg" json:"source_msg_id"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type ContainerTrackingInput struct {
	ShipmentId      int        `json:"shipment_id" binding:"required"`
	ContainerNumber string     `json:"container_number"`
	Status          string     `json:"status" binding:"required"`
	Location        string     `json:"location"`
	ReportedAt      *time.Time `json:"reported_at"`
	SourceMsgId     string     `json:"source_msg_id"`
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// RecordContainerTrackingUpdate stores one feed message and refreshes the
// shipment's tracking columns. Returns false when the message was already
// recorded (redelivery).
func RecordContainerTrackingUpdate(ctx context.Context, input *ContainerTrackingInput) (bool, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return false, errors.New("business id is required")
	}
	if input == nil || input.ShipmentId <= 0 {
		return false, errors.New("shipment id is required")
	}
	if strings.TrimSpace(input.Status) == "" {
		return false, errors.New("tracking status is required")
	}

	if err := utils.ValidateResourceId[Shipment](ctx, businessId, input.ShipmentId); err != nil {
		return false, err
	}

	reportedAt := utils.DereferencePtr(input.ReportedAt, time.Now())

	record := ContainerTrackingUpdate{
		BusinessId:      businessId,
		ShipmentId:      input.ShipmentId,
		ContainerNumber: input.ContainerNumber,
		Status:          input.Status,
		Location:        input.Location,
		ReportedAt:      reportedAt,
		SourceMsgId:     utils.NilIfEmpty(strings.TrimSpace(input.SourceMsgId)),
	}

	tx := db.WithContext(ctx).Begin()
	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		if isDuplicateEntry(err) {
			return false, nil
		}
		config.LogError(logger, "containerTracking.go", "RecordContainerTrackingUpdate", "storing tracking update", input, err)
		return false, translateDBError(err)
	}

	// Feed messages can arrive out of order; an older report must not
	// overwrite a newer status on the shipment.
	err := tx.Model(&Shipment{}).
		Where("id = ? AND business_id = ?", input.ShipmentId, businessId).
		Where("last_tracked_at IS NULL OR last_tracked_at <= ?", reportedAt).
		Updates(map[string]interface{}{
			"tracking_status":   input.Status,
			"tracking_location": input.Location,
			"last_tracked_at":   reportedAt,
		}).Error
	if err != nil {
		tx.Rollback()
		config.LogError(logger, "containerTracking.go", "RecordContainerTrackingUpdate", "refreshing shipment tracking columns", input, err)
		return false, translateDBError(err)
	}

	if err := tx.Commit().Error; err != nil {
		if isDuplicateEntry(err) {
			return false, nil
		}
		return false, translateDBError(err)
	}
	return true, nil
}

// GetContainerTrackingUpdates returns a shipment's feed entries, latest first.
func GetContainerTrackingUpdates(ctx context.Context, shipmentId int) ([]*ContainerTrackingUpdate, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateResourceId[Shipment](ctx, businessId, shipmentId); err != nil {
		return nil, err
	}

	var results []*ContainerTrackingUpdate
	err := db.WithContext(ctx).
		Where("business_id = ? AND shipment_id = ?", businessId, shipmentId).
		Order("reported_at DESC, id DESC").
		Find(&results).Error
	if err != nil {
		return nil, translateDBError(err)
	}
	return results, nil
}
