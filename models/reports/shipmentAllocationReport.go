package reports

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/models"
	"github.com/mmdatafocus/shipments_backend/utils"
)

type PoAllocationRow struct {
	ShipmentId        int             `json:"ShipmentId"`
	ShipmentNumber    string          `json:"ShipmentNumber"`
	ShipmentStageId   int             `json:"ShipmentStageId"`
	LotNumber         int             `json:"LotNumber"`
	TotalLots         int             `json:"TotalLots"`
	PoItemId          int             `json:"PoItemId"`
	ProductName       string          `json:"ProductName"`
	UnitName          string          `json:"UnitName"`
	OrderedQuantity   decimal.Decimal `json:"OrderedQuantity"`
	PlannedQuantity   decimal.Decimal `json:"PlannedQuantity"`
	AllocatedQuantity decimal.Decimal `json:"AllocatedQuantity"`
	LoadedQuantity    decimal.Decimal `json:"LoadedQuantity"`
	RemainingQuantity decimal.Decimal `json:"RemainingQuantity"`
}

type PoAllocationItemSummary struct {
	PoItemId          int             `json:"PoItemId"`
	ProductName       string          `json:"ProductName"`
	UnitName          string          `json:"UnitName"`
	OrderedQuantity   decimal.Decimal `json:"OrderedQuantity"`
	PlannedQuantity   decimal.Decimal `json:"PlannedQuantity"`
	AllocatedQuantity decimal.Decimal `json:"AllocatedQuantity"`
	LoadedQuantity    decimal.Decimal `json:"LoadedQuantity"`
}

// GetPoAllocationReport returns one row per (shipment, po item) allocation of
// the purchase order, ordered so each item's lots read top to bottom.
func GetPoAllocationReport(ctx context.Context, poId int) ([]*PoAllocationRow, error) {

	sql := `
SELECT
    s.id AS shipment_id,
    s.shipment_number,
    s.shipment_stage_id,
    s.lot_number,
    s.total_lots,
    alloc.po_item_id,
    items.product_name,
    items.unit_name,
    items.quantity AS ordered_quantity,
    alloc.planned_quantity,
    alloc.allocated_quantity,
    alloc.loaded_quantity,
    alloc.remaining_quantity
FROM
    shipment_po_item_allocations alloc
        JOIN
    shipments s ON s.id = alloc.shipment_id
        JOIN
    purchase_order_items items ON items.id = alloc.po_item_id
WHERE
    alloc.business_id = @businessId
        AND alloc.po_id = @poId
ORDER BY alloc.po_item_id , s.lot_number , s.id;
`

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateResourceId[models.PurchaseOrder](ctx, businessId, poId); err != nil {
		return nil, err
	}

	var records []*PoAllocationRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"businessId": businessId,
		"poId":       poId,
	}).Scan(&records).Error; err != nil {
		return nil, err
	}

	return records, nil
}

// GetPoAllocationItemSummaries sums allocations per purchase order item so
// the ordered quantity can be compared against what every shipment together
// has claimed. Items nothing has been allocated against still appear.
func GetPoAllocationItemSummaries(ctx context.Context, poId int) ([]*PoAllocationItemSummary, error) {

	sql := `
SELECT
    items.id AS po_item_id,
    items.product_name,
    items.unit_name,
    items.quantity AS ordered_quantity,
    COALESCE(SUM(alloc.planned_quantity), 0) AS planned_quantity,
    COALESCE(SUM(alloc.allocated_quantity), 0) AS allocated_quantity,
    COALESCE(SUM(alloc.loaded_quantity), 0) AS loaded_quantity
FROM
    purchase_order_items items
        LEFT JOIN
    shipment_po_item_allocations alloc ON alloc.po_item_id = items.id
        AND alloc.business_id = items.business_id
WHERE
    items.business_id = @businessId
        AND items.purchase_order_id = @poId
GROUP BY items.id , items.product_name , items.unit_name , items.quantity
ORDER BY items.id;
`

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateResourceId[models.PurchaseOrder](ctx, businessId, poId); err != nil {
		return nil, err
	}

	var records []*PoAllocationItemSummary
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"businessId": businessId,
		"poId":       poId,
	}).Scan(&records).Error; err != nil {
		return nil, err
	}

	return records, nil
}

// ExportPoAllocationXlsx builds the allocation matrix workbook: the detail
// rows first, then one totals row per item comparing the allocated sum with
// the ordered quantity.
func ExportPoAllocationXlsx(ctx context.Context, poId int) (*excelize.File, error) {

	po, err := models.GetPurchaseOrder(ctx, poId)
	if err != nil {
		return nil, err
	}
	rows, err := GetPoAllocationReport(ctx, poId)
	if err != nil {
		return nil, err
	}
	summaries, err := GetPoAllocationItemSummaries(ctx, poId)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	sheetName := "Sheet1"
	_, err = f.NewSheet(sheetName)
	if err != nil {
		return nil, err
	}

	f.SetCellValue(sheetName, "A1", "Purchase Order")
	f.SetCellValue(sheetName, "B1", po.OrderNumber)
	f.SetCellValue(sheetName, "C1", po.SupplierName)

	// Add headers
	f.SetCellValue(sheetName, "A3", "Shipment")
	f.SetCellValue(sheetName, "B3", "Stage")
	f.SetCellValue(sheetName, "C3", "Lot")
	f.SetCellValue(sheetName, "D3", "PO Item")
	f.SetCellValue(sheetName, "E3", "Product")
	f.SetCellValue(sheetName, "F3", "Unit")
	f.SetCellValue(sheetName, "G3", "Ordered")
	f.SetCellValue(sheetName, "H3", "Planned")
	f.SetCellValue(sheetName, "I3", "Allocated")
	f.SetCellValue(sheetName, "J3", "Loaded")
	f.SetCellValue(sheetName, "K3", "Remaining")

	// Add data
	for i, d := range rows {
		rowNo := fmt.Sprint(i + 4)
		f.SetCellValue(sheetName, "A"+rowNo, d.ShipmentNumber)
		f.SetCellValue(sheetName, "B"+rowNo, models.ShipmentStageName(d.ShipmentStageId))
		f.SetCellValue(sheetName, "C"+rowNo, fmt.Sprintf("%d/%d", d.LotNumber, d.TotalLots))
		f.SetCellValue(sheetName, "D"+rowNo, d.PoItemId)
		f.SetCellValue(sheetName, "E"+rowNo, d.ProductName)
		f.SetCellValue(sheetName, "F"+rowNo, d.UnitName)
		f.SetCellValue(sheetName, "G"+rowNo, d.OrderedQuantity)
		f.SetCellValue(sheetName, "H"+rowNo, d.PlannedQuantity)
		f.SetCellValue(sheetName, "I"+rowNo, d.AllocatedQuantity)
		f.SetCellValue(sheetName, "J"+rowNo, d.LoadedQuantity)
		f.SetCellValue(sheetName, "K"+rowNo, d.RemainingQuantity)
	}

	// Totals per item; Remaining here is what no shipment has claimed yet.
	base := len(rows) + 5
	for i, s := range summaries {
		rowNo := fmt.Sprint(base + i)
		f.SetCellValue(sheetName, "A"+rowNo, "TOTAL")
		f.SetCellValue(sheetName, "D"+rowNo, s.PoItemId)
		f.SetCellValue(sheetName, "E"+rowNo, s.ProductName)
		f.SetCellValue(sheetName, "F"+rowNo, s.UnitName)
		f.SetCellValue(sheetName, "G"+rowNo, s.OrderedQuantity)
		f.SetCellValue(sheetName, "H"+rowNo, s.PlannedQuantity)
		f.SetCellValue(sheetName, "I"+rowNo, s.AllocatedQuantity)
		f.SetCellValue(sheetName, "J"+rowNo, s.LoadedQuantity)
		f.SetCellValue(sheetName, "K"+rowNo, s.OrderedQuantity.Sub(s.AllocatedQuantity))
	}

	return f, nil
}
