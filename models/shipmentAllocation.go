package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/utils"
)

// quantities arrive via spreadsheets and carry float noise
var allocationTolerance = decimal.NewFromFloat(0.0001)

// ShipmentPoItemAllocation partitions one purchase order item's ordered
// quantity across the shipments referencing it. One row per
// (shipment, po item); rows are never deleted.
type ShipmentPoItemAllocation struct {
	ID                int             `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"index;not null" json:"business_id"`
	ShipmentId        int             `gorm:"uniqueIndex:idx_shipment_po_item;not null" json:"shipment_id"`
	PoId              int             `gorm:"index;not null" json:"po_id"`
	PoItemId          int             `gorm:"uniqueIndex:idx_shipment_po_item;not null" json:"po_item_id"`
	ProductId         int             `gorm:"index" json:"product_id"`
	PlannedQuantity   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"planned_quantity"`
	AllocatedQuantity decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"allocated_quantity"`
	LoadedQuantity    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"loaded_quantity"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"remaining_quantity"`
	AllocationMode    AllocationMode  `gorm:"type:enum('partial','full');default:'partial'" json:"allocation_mode"`
	CreatedBy         int             `gorm:"default:null" json:"created_by"`
	UpdatedBy         int             `gorm:"default:null" json:"updated_by"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewShipmentAllocation struct {
	PoItemId int             `json:"po_item_id" binding:"required"`
	Quantity decimal.Decimal `json:"quantity"`
}

// AllocationUpsertInput updates planned, allocated and loaded quantities
// independently: an initial split sets planned+allocated while a later
// loading confirmation sets loaded without disturbing allocated.
type AllocationUpsertInput struct {
	Allocations           []*NewShipmentAllocation `json:"allocations" binding:"required"`
	Mode                  AllocationMode           `json:"mode"`
	UpdatePlanned         bool                     `json:"update_planned"`
	UpdateAllocated       bool                     `json:"update_allocated"`
	UpdateLoaded          bool                     `json:"update_loaded"`
	SkipAvailabilityCheck bool                     `json:"skip_availability_check"`
}

type AllocationUpsertResult struct {
	UpdatedCount int `json:"updated_count"`
}

func (input *AllocationUpsertInput) validate() error {
	if len(input.Allocations) == 0 {
		return errors.New("at least one allocation is required")
	}
	if input.Mode == "" {
		input.Mode = AllocationModePartial
	}
	if !input.Mode.IsValid() {
		return errors.New("invalid allocation mode")
	}
	if !input.UpdatePlanned && !input.UpdateAllocated && !input.UpdateLoaded {
		return errors.New("no quantity field selected for update")
	}
	seen := map[int]bool{}
	for _, alloc := range input.Allocations {
		if alloc == nil || alloc.PoItemId <= 0 {
			return errors.New("po item id is required")
		}
		if seen[alloc.PoItemId] {
			return fmt.Errorf("duplicate allocation for po item %d", alloc.PoItemId)
		}
		seen[alloc.PoItemId] = true
		if alloc.Quantity.IsNegative() {
			return fmt.Errorf("quantity cannot be negative (po item %d)", alloc.PoItemId)
		}
	}
	return nil
}

func (input *AllocationUpsertInput) poItemIds() []int {
	ids := make([]int, 0, len(input.Allocations))
	for _, alloc := range input.Allocations {
		ids = append(ids, alloc.PoItemId)
	}
	return ids
}

// lockShipmentRow re-reads the shipment under FOR UPDATE so concurrent
// transitions and allocation calls against it serialize.
func lockShipmentRow(tx *gorm.DB, businessId string, shipmentId int) (*Shipment, error) {
	var shipment Shipment
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).First(&shipment, shipmentId).Error
	if err != nil {
		return nil, translateDBError(err)
	}
	return &shipment, nil
}

// lockPurchaseOrderItems bulk-locks the affected PO item rows ordered by id,
// so two upserts touching the same items cannot deadlock each other.
func lockPurchaseOrderItems(tx *gorm.DB, businessId string, poId int, itemIds []int) (map[int]*PurchaseOrderItem, error) {
	unqIds := utils.UniqueSlice(itemIds)
	var items []*PurchaseOrderItem
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND purchase_order_id = ? AND id IN ?", businessId, poId, unqIds).
		Order("id ASC").Find(&items).Error
	if err != nil {
		return nil, translateDBError(err)
	}
	if len(items) != len(unqIds) {
		return nil, fmt.Errorf("purchase order item not found: %w", utils.ErrorRecordNotFound)
	}
	byId := make(map[int]*PurchaseOrderItem, len(items))
	for _, item := range items {
		byId[item.ID] = item
	}
	return byId, nil
}

func allocatedByOtherShipments(tx *gorm.DB, businessId string, poItemId int, shipmentId int) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.Raw(
		"SELECT COALESCE(SUM(allocated_quantity), 0) FROM shipment_po_item_allocations WHERE business_id = ? AND po_item_id = ? AND shipment_id <> ?",
		businessId, poItemId, shipmentId).Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// exceedsAvailability reports whether requested, on top of what other
// shipments already hold, overruns the ordered quantity by more than the
// rounding tolerance.
func exceedsAvailability(ordered, others, requested decimal.Decimal) bool {
	return others.Add(requested).GreaterThan(ordered.Add(allocationTolerance))
}

// applyAllocationsLocked performs the per-item availability check and the
// idempotent upsert. The caller must already hold FOR UPDATE locks on the
// shipment row and on every affected PO item row.
func applyAllocationsLocked(tx *gorm.DB, businessId string, userId int, shipment *Shipment,
	items map[int]*PurchaseOrderItem, input *AllocationUpsertInput) ([]*ShipmentPoItemAllocation, error) {

	var rows []*ShipmentPoItemAllocation
	for _, alloc := range input.Allocations {
		item := items[alloc.PoItemId]
		ordered := item.Quantity

		others, err := allocatedByOtherShipments(tx, businessId, alloc.PoItemId, shipment.ID)
		if err != nil {
			return nil, err
		}

		var existing ShipmentPoItemAllocation
		found := true
		err = tx.Where("business_id = ? AND shipment_id = ? AND po_item_id = ?",
			businessId, shipment.ID, alloc.PoItemId).First(&existing).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, translateDBError(err)
			}
			found = false
		}

		newAllocated := existing.AllocatedQuantity
		if input.UpdateAllocated {
			newAllocated = alloc.Quantity
		}

		if input.UpdateAllocated && !input.SkipAvailabilityCheck {
			if exceedsAvailability(ordered, others, alloc.Quantity) {
				available := ordered.Sub(others)
				if available.IsNegative() {
					available = decimal.Zero
				}
				return nil, &OverAllocationError{
					PoItemId:          alloc.PoItemId,
					Ordered:           ordered,
					AllocatedByOthers: others,
					Requested:         alloc.Quantity,
					Available:         available,
				}
			}
		}

		remaining := ordered.Sub(others).Sub(newAllocated)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}

		if found {
			updates := map[string]interface{}{
				"remaining_quantity": remaining,
				"allocation_mode":    input.Mode,
				"updated_by":         userId,
			}
			if input.UpdatePlanned {
				updates["planned_quantity"] = alloc.Quantity
			}
			if input.UpdateAllocated {
				updates["allocated_quantity"] = alloc.Quantity
			}
			if input.UpdateLoaded {
				updates["loaded_quantity"] = alloc.Quantity
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return nil, translateDBError(err)
			}
			rows = append(rows, &existing)
			continue
		}

		row := ShipmentPoItemAllocation{
			BusinessId:        businessId,
			ShipmentId:        shipment.ID,
			PoId:              shipment.PoId,
			PoItemId:          alloc.PoItemId,
			ProductId:         item.ProductId,
			RemainingQuantity: remaining,
			AllocationMode:    input.Mode,
			CreatedBy:         userId,
			UpdatedBy:         userId,
		}
		if input.UpdatePlanned {
			row.PlannedQuantity = alloc.Quantity
		}
		if input.UpdateAllocated {
			row.AllocatedQuantity = alloc.Quantity
		}
		if input.UpdateLoaded {
			row.LoadedQuantity = alloc.Quantity
		}
		if err := tx.Create(&row).Error; err != nil {
			return nil, translateDBError(err)
		}
		rows = append(rows, &row)
	}
	return rows, nil
}

// UpsertShipmentAllocations records how much of each PO item this shipment
// carries. Re-submitting an identical payload produces identical rows.
func UpsertShipmentAllocations(ctx context.Context, shipmentId int, input *AllocationUpsertInput) (*AllocationUpsertResult, error) {
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

	shipment, err := utils.FetchModel[Shipment](ctx, businessId, shipmentId)
	if err != nil {
		return nil, err
	}

	if err := utils.MassValidateResourceIds(ctx, []utils.ValidationRule[int]{
		{Model: PurchaseOrderItem{}, Ids: input.poItemIds(),
			Message: "po item not found on the shipment's purchase order",
			Filter:  utils.Filter{Cond: "business_id = ? AND purchase_order_id = ?", Values: []interface{}{businessId, shipment.PoId}}},
	}); err != nil {
		return nil, err
	}

	// lock business
	if err := utils.BusinessLock(ctx, businessId, "allocationLock", "shipmentAllocation.go", "UpsertShipmentAllocations"); err != nil {
		return nil, err
	}

	tx := db.Begin()

	locked, err := lockShipmentRow(tx.WithContext(ctx), businessId, shipmentId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	items, err := lockPurchaseOrderItems(tx.WithContext(ctx), businessId, locked.PoId, input.poItemIds())
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	rows, err := applyAllocationsLocked(tx.WithContext(ctx), businessId, userId, locked, items, input)
	if err != nil {
		tx.Rollback()
		if !errors.Is(err, ErrOverAllocation) {
			config.LogError(logger, "shipmentAllocation.go", "UpsertShipmentAllocations", "upserting allocations", shipmentId, err)
		}
		return nil, err
	}

	if err := createHistory(tx.WithContext(ctx), "Update", shipment.ID, "shipments", nil, rows,
		fmt.Sprintf("Shipment %s allocations updated (%d items)", shipment.ShipmentNumber, len(rows))); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := EnqueueShipmentEvent(ctx, tx.WithContext(ctx), businessId, time.Now(), shipment.ID,
		ShipmentEventReferenceTypeShipmentAllocation, rows, nil, ShipmentEventActionAllocationsUpserted); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, translateDBError(err)
	}

	return &AllocationUpsertResult{UpdatedCount: len(rows)}, nil
}

// GetShipmentAllocations lists the ledger rows of one shipment.
func GetShipmentAllocations(ctx context.Context, shipmentId int) ([]*ShipmentPoItemAllocation, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var rows []*ShipmentPoItemAllocation
	err := db.WithContext(ctx).Where("business_id = ? AND shipment_id = ?", businessId, shipmentId).
		Order("po_item_id ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
