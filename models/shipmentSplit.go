package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/utils"
)

type SplitShipmentInput struct {
	B2bCount    int                      `json:"b2b_count"`
	SsCount     int                      `json:"ss_count"`
	Allocations []*NewShipmentAllocation `json:"allocations"`
}

type SplitShipmentResult struct {
	NewShipmentId int `json:"new_shipment_id"`
}

func (input *SplitShipmentInput) validate() error {
	if input.B2bCount < 0 || input.SsCount < 0 {
		return errors.New("container counts cannot be negative")
	}
	if input.B2bCount+input.SsCount == 0 {
		return errors.New("at least one container must move to the new lot")
	}
	return nil
}

func checkContainerAvailability(parent *Shipment, input *SplitShipmentInput) error {
	if input.B2bCount > parent.ContainersBackToBack {
		return &InsufficientContainersError{Kind: "back to back", Requested: input.B2bCount, Available: parent.ContainersBackToBack}
	}
	if input.SsCount > parent.ContainersStockSales {
		return &InsufficientContainersError{Kind: "stock sales", Requested: input.SsCount, Available: parent.ContainersStockSales}
	}
	return nil
}

// SplitShipment carves a partial shipment (a new lot) out of a parent. The
// child is born at underloading with the parent's planning metadata and
// required-document set; moved containers leave the parent, the supplied
// allocations seed the child's ledger, and the whole family is renumbered in
// the same transaction.
func SplitShipment(ctx context.Context, parentShipmentId int, input *SplitShipmentInput) (*SplitShipmentResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if err := input.validate(); err != nil {
		return nil, err
	}

	allocInput := &AllocationUpsertInput{
		Allocations:     input.Allocations,
		Mode:            AllocationModePartial,
		UpdatePlanned:   true,
		UpdateAllocated: true,
	}
	if len(input.Allocations) > 0 {
		if err := allocInput.validate(); err != nil {
			return nil, err
		}
	}

	parent, err := utils.FetchModel[Shipment](ctx, businessId, parentShipmentId)
	if err != nil {
		return nil, err
	}
	if parent.ShipmentStageId >= ShipmentStageArchive {
		return nil, errors.New("cannot split an archived shipment")
	}
	if err := checkContainerAvailability(parent, input); err != nil {
		return nil, err
	}

	seqNo, err := utils.GetSequence[Shipment](ctx, businessId)
	if err != nil {
		return nil, err
	}

	tx := db.Begin()

	locked, err := lockShipmentRow(tx.WithContext(ctx), businessId, parentShipmentId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	// re-check under the lock; a concurrent split may have taken containers
	if err := checkContainerAvailability(locked, input); err != nil {
		tx.Rollback()
		return nil, err
	}

	child := Shipment{
		BusinessId:           businessId,
		PoId:                 locked.PoId,
		ParentShipmentId:     &locked.ID,
		ShipmentNumber:       fmt.Sprintf("SHP-%06d", seqNo),
		SequenceNo:           decimal.NewFromInt(seqNo),
		ShipmentStageId:      ShipmentStageUnderloading,
		Mode:                 locked.Mode,
		ContainersBackToBack: input.B2bCount,
		ContainersStockSales: input.SsCount,
		NoContainers:         input.B2bCount + input.SsCount,
		PlannedLoadingDate:   locked.PlannedLoadingDate,
		PortOfLoading:        locked.PortOfLoading,
		PortOfDischarge:      locked.PortOfDischarge,
		FreightForwarder:     locked.FreightForwarder,
		NotifyParty:          locked.NotifyParty,
		NotifyPartyPhone:     locked.NotifyPartyPhone,
		NotifyPartyEmail:     locked.NotifyPartyEmail,
		VesselName:           locked.VesselName,
		Eta:                  locked.Eta,
		ShippingAgent:        locked.ShippingAgent,
		Airline:              locked.Airline,
		CreatedBy:            userId,
		UpdatedBy:            userId,
	}
	if err := tx.WithContext(ctx).Create(&child).Error; err != nil {
		tx.Rollback()
		return nil, translateDBError(err)
	}

	moved := input.B2bCount + input.SsCount
	err = tx.WithContext(ctx).Model(&Shipment{}).
		Where("id = ? AND business_id = ?", locked.ID, businessId).
		Updates(map[string]interface{}{
			"containers_back_to_back": gorm.Expr("containers_back_to_back - ?", input.B2bCount),
			"containers_stock_sales":  gorm.Expr("containers_stock_sales - ?", input.SsCount),
			"no_containers":           gorm.Expr("no_containers - ?", moved),
			"updated_by":              userId,
		}).Error
	if err != nil {
		tx.Rollback()
		return nil, translateDBError(err)
	}

	if err := copyDocumentRequirements(tx.WithContext(ctx), businessId, locked.ID, child.ID); err != nil {
		tx.Rollback()
		return nil, translateDBError(err)
	}

	if len(input.Allocations) > 0 {
		items, err := lockPurchaseOrderItems(tx.WithContext(ctx), businessId, locked.PoId, allocInput.poItemIds())
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if _, err := applyAllocationsLocked(tx.WithContext(ctx), businessId, userId, &child, items, allocInput); err != nil {
			tx.Rollback()
			if !errors.Is(err, ErrOverAllocation) {
				config.LogError(logger, "shipmentSplit.go", "SplitShipment", "seeding child allocations", parentShipmentId, err)
			}
			return nil, err
		}
	}

	// the child is born past planning, which the stage history must reflect
	if err := createShipmentStageHistory(tx.WithContext(ctx), businessId, locked.PoId, child.ID,
		ShipmentStagePlanned, ShipmentStageUnderloading, map[string]interface{}{
			"parent_shipment_id":      locked.ID,
			"containers_back_to_back": input.B2bCount,
			"containers_stock_sales":  input.SsCount,
		}); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := recalculateShipmentLotsTx(tx.WithContext(ctx), businessId, child.ID, userId); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := createHistory(tx.WithContext(ctx), "Update", locked.ID, "shipments", locked, nil,
		fmt.Sprintf("Shipment %s split %d containers into %s", locked.ShipmentNumber, moved, child.ShipmentNumber)); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := createHistory(tx.WithContext(ctx), "Create", child.ID, "shipments", nil, &child,
		fmt.Sprintf("Shipment %s created from %s", child.ShipmentNumber, locked.ShipmentNumber)); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := EnqueueShipmentEvent(ctx, tx.WithContext(ctx), businessId, time.Now(), child.ID,
		ShipmentEventReferenceTypeShipment, &child, locked, ShipmentEventActionSplit); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, translateDBError(err)
	}

	return &SplitShipmentResult{NewShipmentId: child.ID}, nil
}
