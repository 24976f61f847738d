package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/utils"
)

type PurchaseOrder struct {
	ID            int                 `gorm:"primary_key" json:"id"`
	BusinessId    string              `gorm:"index;not null" json:"business_id" binding:"required"`
	OrderNumber   string              `gorm:"size:255;not null" json:"order_number" binding:"required"`
	SequenceNo    decimal.Decimal     `gorm:"type:decimal(15);not null" json:"sequence_no"`
	SupplierName  string              `gorm:"size:255;not null" json:"supplier_name" binding:"required"`
	OrderDate     time.Time           `gorm:"not null" json:"order_date" binding:"required"`
	CurrentStatus PurchaseOrderStatus `gorm:"type:enum('draft','issued','closed');not null" json:"current_status" binding:"required"`
	Notes         string              `gorm:"type:text;default:null" json:"notes"`
	Details       []PurchaseOrderItem `json:"purchase_order_items" validate:"required,dive,required"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type PurchaseOrderItem struct {
	ID              int             `gorm:"primary_key" json:"id"`
	PurchaseOrderId int             `gorm:"index;not null" json:"purchase_order_id"`
	BusinessId      string          `gorm:"index;not null" json:"business_id"`
	ProductId       int             `gorm:"index" json:"product_id"`
	ProductName     string          `gorm:"size:255;not null" json:"product_name" binding:"required"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity" binding:"required"`
	UnitName        string          `gorm:"size:50" json:"unit_name"`
}

type NewPurchaseOrder struct {
	SupplierName  string                 `json:"supplier_name" binding:"required"`
	OrderDate     time.Time              `json:"order_date" binding:"required"`
	CurrentStatus PurchaseOrderStatus    `json:"current_status"`
	Notes         string                 `json:"notes"`
	Details       []NewPurchaseOrderItem `json:"details" binding:"required"`
}

type NewPurchaseOrderItem struct {
	DetailId    int             `json:"detail_id"`
	ProductId   int             `json:"product_id"`
	ProductName string          `json:"product_name" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
	UnitName    string          `json:"unit_name"`
}

func (input NewPurchaseOrder) validate(ctx context.Context, businessId string, _ int) error {
	if len(input.Details) == 0 {
		return errors.New("purchase order must have at least one item")
	}
	for _, detail := range input.Details {
		if !detail.Quantity.IsPositive() {
			return errors.New("item qty must be greater than zero")
		}
	}
	if input.CurrentStatus != "" && input.CurrentStatus != PurchaseOrderStatusDraft && input.CurrentStatus != PurchaseOrderStatusIssued {
		return errors.New("purchase order can only be created as draft or issued")
	}
	return nil
}

func CreatePurchaseOrder(ctx context.Context, input *NewPurchaseOrder) (*PurchaseOrder, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	seqNo, err := utils.GetSequence[PurchaseOrder](ctx, businessId)
	if err != nil {
		return nil, err
	}

	status := input.CurrentStatus
	if status == "" {
		status = PurchaseOrderStatusDraft
	}

	purchaseOrder := PurchaseOrder{
		BusinessId:    businessId,
		OrderNumber:   fmt.Sprintf("PO-%06d", seqNo),
		SequenceNo:    decimal.NewFromInt(seqNo),
		SupplierName:  input.SupplierName,
		OrderDate:     input.OrderDate,
		CurrentStatus: status,
		Notes:         input.Notes,
	}
	for _, item := range input.Details {
		purchaseOrder.Details = append(purchaseOrder.Details, PurchaseOrderItem{
			BusinessId:  businessId,
			ProductId:   item.ProductId,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitName:    item.UnitName,
		})
	}

	tx := db.Begin()
	if err := tx.WithContext(ctx).Create(&purchaseOrder).Error; err != nil {
		tx.Rollback()
		return nil, translateDBError(err)
	}

	if err := createHistory(tx.WithContext(ctx), "Create", purchaseOrder.ID, "purchase_orders", nil, &purchaseOrder,
		"Purchase order "+purchaseOrder.OrderNumber+" created"); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, translateDBError(err)
	}

	return &purchaseOrder, nil
}

// UpdatePurchaseOrder edits header fields and, while the order is still draft, its items.
// Item quantities are immutable once the order is issued.
func UpdatePurchaseOrder(ctx context.Context, id int, input *NewPurchaseOrder) (*PurchaseOrder, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	po, err := utils.FetchModel[PurchaseOrder](ctx, businessId, id, "Details")
	if err != nil {
		return nil, err
	}

	if po.CurrentStatus != PurchaseOrderStatusDraft && len(input.Details) > 0 {
		return nil, errors.New("cannot change item quantities of an issued purchase order")
	}

	old := *po

	tx := db.Begin()

	po.SupplierName = input.SupplierName
	po.OrderDate = input.OrderDate
	po.Notes = input.Notes
	if err := tx.WithContext(ctx).Model(po).Updates(map[string]interface{}{
		"supplier_name": input.SupplierName,
		"order_date":    input.OrderDate,
		"notes":         input.Notes,
	}).Error; err != nil {
		tx.Rollback()
		return nil, translateDBError(err)
	}

	if po.CurrentStatus == PurchaseOrderStatusDraft && len(input.Details) > 0 {
		if err := tx.WithContext(ctx).Where("purchase_order_id = ?", po.ID).Delete(&PurchaseOrderItem{}).Error; err != nil {
			tx.Rollback()
			return nil, translateDBError(err)
		}
		po.Details = nil
		for _, item := range input.Details {
			po.Details = append(po.Details, PurchaseOrderItem{
				PurchaseOrderId: po.ID,
				BusinessId:      businessId,
				ProductId:       item.ProductId,
				ProductName:     item.ProductName,
				Quantity:        item.Quantity,
				UnitName:        item.UnitName,
			})
		}
		if err := tx.WithContext(ctx).Create(&po.Details).Error; err != nil {
			tx.Rollback()
			return nil, translateDBError(err)
		}
	}

	if err := createHistory(tx.WithContext(ctx), "Update", po.ID, "purchase_orders", &old, po,
		"Purchase order "+po.OrderNumber+" updated"); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, translateDBError(err)
	}
	return po, nil
}

func UpdatePurchaseOrderStatus(ctx context.Context, id int, status PurchaseOrderStatus) (*PurchaseOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	po, err := utils.FetchModel[PurchaseOrder](ctx, businessId, id, "Details")
	if err != nil {
		return nil, err
	}

	if po.CurrentStatus == PurchaseOrderStatusClosed {
		return nil, errors.New("cannot update purchase order that is already closed")
	}
	if po.CurrentStatus == PurchaseOrderStatusIssued && status == PurchaseOrderStatusDraft {
		return nil, errors.New("issued purchase orders cannot go back to draft")
	}

	oldStatus := po.CurrentStatus

	db := config.GetDB()
	tx := db.Begin()
	if err := tx.WithContext(ctx).Model(po).UpdateColumn("CurrentStatus", status).Error; err != nil {
		tx.Rollback()
		return nil, translateDBError(err)
	}

	if err := createHistory(tx.WithContext(ctx), "Update", id, "purchase_orders", nil, nil,
		"Updated current status from "+string(oldStatus)+" to "+string(status)); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, translateDBError(err)
	}

	po.CurrentStatus = status
	return po, nil
}

func GetPurchaseOrder(ctx context.Context, id int) (*PurchaseOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[PurchaseOrder](ctx, businessId, id, "Details")
}

func GetPurchaseOrders(ctx context.Context, orderNumber *string) ([]*PurchaseOrder, error) {
	db := config.GetDB()
	var results []*PurchaseOrder

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	dbCtx := db.WithContext(ctx).Preload("Details").Where("business_id = ?", businessId)
	if orderNumber != nil && *orderNumber != "" {
		dbCtx = dbCtx.Where("order_number LIKE ?", "%"+*orderNumber+"%")
	}
	if err := dbCtx.Order("created_at DESC").Limit(config.SearchLimit).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
