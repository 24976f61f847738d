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

type Shipment struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"index;not null" json:"business_id"`
	PoId             int             `gorm:"index;not null" json:"po_id"`
	ParentShipmentId *int            `gorm:"index;default:null" json:"parent_shipment_id"`
	ShipmentNumber   string          `gorm:"size:255;not null" json:"shipment_number"`
	SequenceNo       decimal.Decimal `gorm:"type:decimal(15);not null" json:"sequence_no"`
	ShipmentStageId  int             `gorm:"not null;default:1" json:"shipment_stage_id"`
	Mode             ShipmentMode    `gorm:"type:enum('sea','air');not null" json:"mode"`
	LotNumber        int             `gorm:"default:0" json:"lot_number"`
	TotalLots        int             `gorm:"default:0" json:"total_lots"`

	// container counts; no_containers always holds the row's current total
	ContainersBackToBack int `gorm:"default:0" json:"containers_back_to_back"`
	ContainersStockSales int `gorm:"default:0" json:"containers_stock_sales"`
	NoContainers         int `gorm:"default:0" json:"no_containers"`

	// Planned
	PlannedLoadingDate *MyDateString `gorm:"default:null" json:"planned_loading_date"`
	PortOfLoading      string        `gorm:"size:255" json:"port_of_loading"`
	PortOfDischarge    string        `gorm:"size:255" json:"port_of_discharge"`
	FreightForwarder   string        `gorm:"size:255" json:"freight_forwarder"`
	NotifyParty        string        `gorm:"size:255" json:"notify_party"`
	NotifyPartyPhone   string        `gorm:"size:20" json:"notify_party_phone"`
	NotifyPartyEmail   string        `gorm:"size:255" json:"notify_party_email"`

	// Underloading
	LoadingStartedDate *MyDateString `gorm:"default:null" json:"loading_started_date"`

	// Sailed (sea)
	VesselName    string        `gorm:"size:255" json:"vessel_name"`
	Eta           *MyDateString `gorm:"default:null" json:"eta"`
	BlNumber      string        `gorm:"size:100" json:"bl_number"`
	ShippingAgent string        `gorm:"size:255" json:"shipping_agent"`

	// Sailed (air)
	AwbNumber          string        `gorm:"size:100" json:"awb_number"`
	FlightNumber       string        `gorm:"size:50" json:"flight_number"`
	Airline            string        `gorm:"size:255" json:"airline"`
	ArrivalWindowStart *MyDateString `gorm:"default:null" json:"arrival_window_start"`
	ArrivalWindowEnd   *MyDateString `gorm:"default:null" json:"arrival_window_end"`

	SailedDate *MyDateString `gorm:"default:null" json:"sailed_date"`

	// Cleared
	ClearedDate            *MyDateString `gorm:"default:null" json:"cleared_date"`
	DutyPaymentDueDate     *MyDateString `gorm:"default:null" json:"duty_payment_due_date"`
	StatutoryFilingDueDate *MyDateString `gorm:"default:null" json:"statutory_filing_due_date"`

	// Closed
	ClosedDate           *MyDateString   `gorm:"default:null" json:"closed_date"`
	TransportationCharge decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"transportation_charge"`
	ShippingLineCharge   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"shipping_line_charge"`
	EirNumber            string          `gorm:"size:100" json:"eir_number"`
	TokenNumber          string          `gorm:"size:100" json:"token_number"`

	// Archive
	ArchivedDate   *MyDateString `gorm:"default:null" json:"archived_date"`
	ArchiveComment string        `gorm:"type:text" json:"archive_comment"`

	// informational only, fed by the container tracking feed
	TrackingStatus   string     `gorm:"size:255" json:"tracking_status"`
	TrackingLocation string     `gorm:"size:255" json:"tracking_location"`
	LastTrackedAt    *time.Time `gorm:"default:null" json:"last_tracked_at"`

	CreatedBy int `gorm:"default:null" json:"created_by"`
	UpdatedBy int `gorm:"default:null" json:"updated_by"`

	Documents            []*ShipmentDocument            `gorm:"foreignKey:ShipmentId" json:"documents"`
	DocumentRequirements []*ShipmentDocumentRequirement `gorm:"foreignKey:ShipmentId" json:"document_requirements"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewShipment struct {
	PoId                 int          `json:"po_id" binding:"required"`
	Mode                 ShipmentMode `json:"mode" binding:"required"`
	ContainersBackToBack int          `json:"containers_back_to_back"`
	ContainersStockSales int          `json:"containers_stock_sales"`
	NotifyParty          string       `json:"notify_party"`
	NotifyPartyPhone     string       `json:"notify_party_phone"`
	NotifyPartyEmail     string       `json:"notify_party_email"`
}

func (input *NewShipment) validate(ctx context.Context, businessId string) error {
	if !input.Mode.IsValid() {
		return errors.New("invalid shipment mode")
	}
	if input.ContainersBackToBack < 0 || input.ContainersStockSales < 0 {
		return errors.New("container counts cannot be negative")
	}
	po, err := utils.FetchModel[PurchaseOrder](ctx, businessId, input.PoId)
	if err != nil {
		return errors.New("purchase order not found")
	}
	if po.CurrentStatus == PurchaseOrderStatusDraft {
		return errors.New("cannot create a shipment against a draft purchase order")
	}
	if input.NotifyPartyPhone != "" {
		if err := utils.ValidatePhoneNumber(input.NotifyPartyPhone, utils.CountryCode); err != nil {
			return err
		}
	}
	if input.NotifyPartyEmail != "" && !utils.IsValidEmail(input.NotifyPartyEmail) {
		return errors.New("invalid notify party email")
	}
	return nil
}

// CreateShipment opens a new shipment at stage 1 (to do) against a purchase order.
// A standalone shipment is its own family: lot 1 of 1 until a split changes that.
func CreateShipment(ctx context.Context, input *NewShipment) (*Shipment, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	seqNo, err := utils.GetSequence[Shipment](ctx, businessId)
	if err != nil {
		return nil, err
	}

	shipment := Shipment{
		BusinessId:           businessId,
		PoId:                 input.PoId,
		ShipmentNumber:       fmt.Sprintf("SHP-%06d", seqNo),
		SequenceNo:           decimal.NewFromInt(seqNo),
		ShipmentStageId:      ShipmentStageToDo,
		Mode:                 input.Mode,
		LotNumber:            1,
		TotalLots:            1,
		ContainersBackToBack: input.ContainersBackToBack,
		ContainersStockSales: input.ContainersStockSales,
		NoContainers:         input.ContainersBackToBack + input.ContainersStockSales,
		NotifyParty:          input.NotifyParty,
		NotifyPartyPhone:     input.NotifyPartyPhone,
		NotifyPartyEmail:     input.NotifyPartyEmail,
		CreatedBy:            userId,
		UpdatedBy:            userId,
	}

	tx := db.Begin()
	if err := tx.WithContext(ctx).Create(&shipment).Error; err != nil {
		tx.Rollback()
		return nil, translateDBError(err)
	}

	if err := createHistory(tx.WithContext(ctx), "Create", shipment.ID, "shipments", nil, &shipment,
		"Shipment "+shipment.ShipmentNumber+" created"); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := EnqueueShipmentEvent(ctx, tx.WithContext(ctx), businessId, time.Now(), shipment.ID,
		ShipmentEventReferenceTypeShipment, &shipment, nil, ShipmentEventActionCreated); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, translateDBError(err)
	}

	return &shipment, nil
}

func GetShipment(ctx context.Context, id int) (*Shipment, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Shipment](ctx, businessId, id, "Documents", "DocumentRequirements")
}

func GetShipments(ctx context.Context, poId *int) ([]*Shipment, error) {
	db := config.GetDB()
	var results []*Shipment

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if poId != nil && *poId > 0 {
		dbCtx = dbCtx.Where("po_id = ?", *poId)
	}
	if err := dbCtx.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
