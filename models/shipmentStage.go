package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/utils"
)

// Shipment stages, ordered and forward-only. The set is fixed; there is no
// workflow table behind it.
const (
	ShipmentStageToDo         = 1
	ShipmentStagePlanned      = 2
	ShipmentStageUnderloading = 3
	ShipmentStageSailed       = 4
	ShipmentStageCleared      = 5
	ShipmentStageClosed       = 6
	ShipmentStageArchive      = 7
)

var shipmentStageNames = map[int]string{
	ShipmentStageToDo:         "to do",
	ShipmentStagePlanned:      "planned",
	ShipmentStageUnderloading: "underloading",
	ShipmentStageSailed:       "sailed",
	ShipmentStageCleared:      "cleared",
	ShipmentStageClosed:       "closed",
	ShipmentStageArchive:      "archive",
}

func ShipmentStageName(id int) string {
	if name, ok := shipmentStageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("stage %d", id)
}

func IsValidShipmentStage(id int) bool {
	return id >= ShipmentStageToDo && id <= ShipmentStageArchive
}

/* per-stage field payloads */

type PlannedStageFields struct {
	PlannedLoadingDate *MyDateString `json:"planned_loading_date"`
	PortOfLoading      string        `json:"port_of_loading"`
	PortOfDischarge    string        `json:"port_of_discharge"`
	FreightForwarder   string        `json:"freight_forwarder"`
	NotifyParty        string        `json:"notify_party"`
	NotifyPartyPhone   string        `json:"notify_party_phone"`
	NotifyPartyEmail   string        `json:"notify_party_email"`
}

type UnderloadingStageFields struct {
	LoadingStartedDate *MyDateString `json:"loading_started_date"`
}

type SailedStageFields struct {
	VesselName         string        `json:"vessel_name"`
	Eta                *MyDateString `json:"eta"`
	BlNumber           string        `json:"bl_number"`
	ShippingAgent      string        `json:"shipping_agent"`
	AwbNumber          string        `json:"awb_number"`
	FlightNumber       string        `json:"flight_number"`
	Airline            string        `json:"airline"`
	ArrivalWindowStart *MyDateString `json:"arrival_window_start"`
	ArrivalWindowEnd   *MyDateString `json:"arrival_window_end"`
	SailedDate         *MyDateString `json:"sailed_date"`
}

type ClearedStageFields struct {
	ClearedDate            *MyDateString `json:"cleared_date"`
	DutyPaymentDueDate     *MyDateString `json:"duty_payment_due_date"`
	StatutoryFilingDueDate *MyDateString `json:"statutory_filing_due_date"`
}

type ClosedStageFields struct {
	ClosedDate           *MyDateString   `json:"closed_date"`
	TransportationCharge decimal.Decimal `json:"transportation_charge"`
	ShippingLineCharge   decimal.Decimal `json:"shipping_line_charge"`
	EirNumber            string          `json:"eir_number"`
	TokenNumber          string          `json:"token_number"`
}

type ArchiveStageFields struct {
	ArchivedDate   *MyDateString `json:"archived_date"`
	ArchiveComment string        `json:"archive_comment"`
}

// StageTransitionInput carries at most one sub-struct per stage; only the
// target stage's sub-struct is applied, the rest are ignored.
type StageTransitionInput struct {
	Planned      *PlannedStageFields      `json:"planned"`
	Underloading *UnderloadingStageFields `json:"underloading"`
	Sailed       *SailedStageFields       `json:"sailed"`
	Cleared      *ClearedStageFields      `json:"cleared"`
	Closed       *ClosedStageFields       `json:"closed"`
	Archive      *ArchiveStageFields      `json:"archive"`
}

type StageTransitionResult struct {
	Ok                  bool     `json:"ok"`
	FromStage           int      `json:"from_stage"`
	ToStage             int      `json:"to_stage"`
	MissingRequirements []string `json:"missing_requirements"`
}

func dateSet(d *MyDateString) bool {
	return d != nil && !time.Time(*d).IsZero()
}

// applyStageFields writes the target stage's payload onto the candidate row.
// A missing sub-struct means no field changes for that stage.
func applyStageFields(s *Shipment, toStage int, input *StageTransitionInput, timezone string) {
	switch toStage {
	case ShipmentStagePlanned:
		if in := input.Planned; in != nil {
			s.PlannedLoadingDate = in.PlannedLoadingDate
			s.PortOfLoading = in.PortOfLoading
			s.PortOfDischarge = in.PortOfDischarge
			s.FreightForwarder = in.FreightForwarder
			s.NotifyParty = in.NotifyParty
			s.NotifyPartyPhone = in.NotifyPartyPhone
			s.NotifyPartyEmail = in.NotifyPartyEmail
		}
	case ShipmentStageUnderloading:
		if in := input.Underloading; in != nil {
			s.LoadingStartedDate = in.LoadingStartedDate
		}
	case ShipmentStageSailed:
		if in := input.Sailed; in != nil {
			s.VesselName = in.VesselName
			s.Eta = in.Eta
			s.BlNumber = in.BlNumber
			s.ShippingAgent = in.ShippingAgent
			s.AwbNumber = in.AwbNumber
			s.FlightNumber = in.FlightNumber
			s.Airline = in.Airline
			s.ArrivalWindowStart = in.ArrivalWindowStart
			s.ArrivalWindowEnd = in.ArrivalWindowEnd
			s.SailedDate = in.SailedDate
		}
	case ShipmentStageCleared:
		if in := input.Cleared; in != nil {
			s.ClearedDate = in.ClearedDate
			// statutory deadlines are day-granular in the business's timezone
			if in.DutyPaymentDueDate != nil {
				due := *in.DutyPaymentDueDate
				due.StartOfDayUTCTime(timezone)
				s.DutyPaymentDueDate = &due
			} else {
				s.DutyPaymentDueDate = nil
			}
			if in.StatutoryFilingDueDate != nil {
				due := *in.StatutoryFilingDueDate
				due.StartOfDayUTCTime(timezone)
				s.StatutoryFilingDueDate = &due
			} else {
				s.StatutoryFilingDueDate = nil
			}
		}
	case ShipmentStageClosed:
		if in := input.Closed; in != nil {
			s.ClosedDate = in.ClosedDate
			s.TransportationCharge = in.TransportationCharge
			s.ShippingLineCharge = in.ShippingLineCharge
			s.EirNumber = in.EirNumber
			s.TokenNumber = in.TokenNumber
		}
	case ShipmentStageArchive:
		if in := input.Archive; in != nil {
			s.ArchivedDate = in.ArchivedDate
			s.ArchiveComment = in.ArchiveComment
		}
		s.ArchivedDate = s.ArchivedDate.SetDefaultNowIfNil()
	}
}

/* per-stage validators, indexed by the target stage */

var stageValidators = map[int]func(*Shipment) []*StageValidationError{
	ShipmentStagePlanned:      validatePlannedStage,
	ShipmentStageUnderloading: validateUnderloadingStage,
	ShipmentStageSailed:       validateSailedStage,
	ShipmentStageCleared:      validateClearedStage,
	ShipmentStageClosed:       validateClosedStage,
	ShipmentStageArchive:      validateArchiveStage,
}

func validatePlannedStage(s *Shipment) []*StageValidationError {
	var errs []*StageValidationError
	if !dateSet(s.PlannedLoadingDate) {
		errs = append(errs, &StageValidationError{Stage: ShipmentStagePlanned, Field: "planned_loading_date", Reason: "is required"})
	}
	if strings.TrimSpace(s.PortOfLoading) == "" {
		errs = append(errs, &StageValidationError{Stage: ShipmentStagePlanned, Field: "port_of_loading", Reason: "is required"})
	}
	if strings.TrimSpace(s.PortOfDischarge) == "" {
		errs = append(errs, &StageValidationError{Stage: ShipmentStagePlanned, Field: "port_of_discharge", Reason: "is required"})
	}
	if s.NotifyPartyPhone != "" {
		if err := utils.ValidatePhoneNumber(s.NotifyPartyPhone, utils.CountryCode); err != nil {
			errs = append(errs, &StageValidationError{Stage: ShipmentStagePlanned, Field: "notify_party_phone", Reason: "is not a valid phone number"})
		}
	}
	if s.NotifyPartyEmail != "" && !utils.IsValidEmail(s.NotifyPartyEmail) {
		errs = append(errs, &StageValidationError{Stage: ShipmentStagePlanned, Field: "notify_party_email", Reason: "is not a valid email"})
	}
	return errs
}

func validateUnderloadingStage(s *Shipment) []*StageValidationError {
	var errs []*StageValidationError
	if !dateSet(s.LoadingStartedDate) {
		errs = append(errs, &StageValidationError{Stage: ShipmentStageUnderloading, Field: "loading_started_date", Reason: "is required"})
	}
	return errs
}

func validateSailedStage(s *Shipment) []*StageValidationError {
	var errs []*StageValidationError
	switch s.Mode {
	case ShipmentModeSea:
		if strings.TrimSpace(s.VesselName) == "" {
			errs = append(errs, &StageValidationError{Stage: ShipmentStageSailed, Field: "vessel_name", Reason: "is required"})
		}
		if !dateSet(s.Eta) {
			errs = append(errs, &StageValidationError{Stage: ShipmentStageSailed, Field: "eta", Reason: "is required"})
		}
		if strings.TrimSpace(s.BlNumber) == "" {
			errs = append(errs, &StageValidationError{Stage: ShipmentStageSailed, Field: "bl_number", Reason: "is required"})
		}
		if strings.TrimSpace(s.ShippingAgent) == "" {
			errs = append(errs, &StageValidationError{Stage: ShipmentStageSailed, Field: "shipping_agent", Reason: "is required"})
		}
	case ShipmentModeAir:
		if strings.TrimSpace(s.AwbNumber) == "" {
			errs = append(errs, &StageValidationError{Stage: ShipmentStageSailed, Field: "awb_number", Reason: "is required"})
		}
		if strings.TrimSpace(s.FlightNumber) == "" {
			errs = append(errs, &StageValidationError{Stage: ShipmentStageSailed, Field: "flight_number", Reason: "is required"})
		}
		if strings.TrimSpace(s.Airline) == "" {
			errs = append(errs, &StageValidationError{Stage: ShipmentStageSailed, Field: "airline", Reason: "is required"})
		}
		if !dateSet(s.ArrivalWindowStart) {
			errs = append(errs, &StageValidationError{Stage: ShipmentStageSailed, Field: "arrival_window_start", Reason: "is required"})
		}
		if !dateSet(s.ArrivalWindowEnd) {
			errs = append(errs, &StageValidationError{Stage: ShipmentStageSailed, Field: "arrival_window_end", Reason: "is required"})
		} else if dateSet(s.ArrivalWindowStart) && time.Time(*s.ArrivalWindowEnd).Before(time.Time(*s.ArrivalWindowStart)) {
			errs = append(errs, &StageValidationError{Stage: ShipmentStageSailed, Field: "arrival_window_end", Reason: "must not be before arrival window start"})
		}
	}
	if !dateSet(s.SailedDate) {
		errs = append(errs, &StageValidationError{Stage: ShipmentStageSailed, Field: "sailed_date", Reason: "is required"})
	}
	return errs
}

func validateClearedStage(s *Shipment) []*StageValidationError {
	var errs []*StageValidationError
	if !dateSet(s.SailedDate) {
		errs = append(errs, &StageValidationError{Stage: ShipmentStageCleared, Field: "sailed_date", Reason: "must be set before clearing"})
	}
	if !dateSet(s.ClearedDate) {
		errs = append(errs, &StageValidationError{Stage: ShipmentStageCleared, Field: "cleared_date", Reason: "is required"})
	}
	if !dateSet(s.DutyPaymentDueDate) {
		errs = append(errs, &StageValidationError{Stage: ShipmentStageCleared, Field: "duty_payment_due_date", Reason: "is required"})
	}
	if !dateSet(s.StatutoryFilingDueDate) {
		errs = append(errs, &StageValidationError{Stage: ShipmentStageCleared, Field: "statutory_filing_due_date", Reason: "is required"})
	}
	return errs
}

func validateClosedStage(s *Shipment) []*StageValidationError {
	var errs []*StageValidationError
	if !dateSet(s.ClosedDate) {
		errs = append(errs, &StageValidationError{Stage: ShipmentStageClosed, Field: "closed_date", Reason: "is required"})
	}
	if s.TransportationCharge.IsNegative() {
		errs = append(errs, &StageValidationError{Stage: ShipmentStageClosed, Field: "transportation_charge", Reason: "cannot be negative"})
	}
	if s.ShippingLineCharge.IsNegative() {
		errs = append(errs, &StageValidationError{Stage: ShipmentStageClosed, Field: "shipping_line_charge", Reason: "cannot be negative"})
	}
	if strings.TrimSpace(s.EirNumber) == "" {
		errs = append(errs, &StageValidationError{Stage: ShipmentStageClosed, Field: "eir_number", Reason: "is required"})
	}
	if strings.TrimSpace(s.TokenNumber) == "" {
		errs = append(errs, &StageValidationError{Stage: ShipmentStageClosed, Field: "token_number", Reason: "is required"})
	}
	return errs
}

func validateArchiveStage(s *Shipment) []*StageValidationError {
	var errs []*StageValidationError
	if strings.TrimSpace(s.ArchiveComment) == "" {
		errs = append(errs, &StageValidationError{Stage: ShipmentStageArchive, Field: "archive_comment", Reason: "is required"})
	}
	return errs
}

// stageColumnFields lists the shipment fields a stage owns, for the
// column-limited update on transition.
func stageColumnFields(stage int) []string {
	switch stage {
	case ShipmentStagePlanned:
		return []string{"PlannedLoadingDate", "PortOfLoading", "PortOfDischarge", "FreightForwarder", "NotifyParty", "NotifyPartyPhone", "NotifyPartyEmail"}
	case ShipmentStageUnderloading:
		return []string{"LoadingStartedDate"}
	case ShipmentStageSailed:
		return []string{"VesselName", "Eta", "BlNumber", "ShippingAgent", "AwbNumber", "FlightNumber", "Airline", "ArrivalWindowStart", "ArrivalWindowEnd", "SailedDate"}
	case ShipmentStageCleared:
		return []string{"ClearedDate", "DutyPaymentDueDate", "StatutoryFilingDueDate"}
	case ShipmentStageClosed:
		return []string{"ClosedDate", "TransportationCharge", "ShippingLineCharge", "EirNumber", "TokenNumber"}
	case ShipmentStageArchive:
		return []string{"ArchivedDate", "ArchiveComment"}
	}
	return nil
}

// stagePayload snapshots the stage's effective field values for the
// append-only stage history row.
func stagePayload(s *Shipment, stage int) map[string]interface{} {
	switch stage {
	case ShipmentStagePlanned:
		return map[string]interface{}{
			"planned_loading_date": s.PlannedLoadingDate,
			"port_of_loading":      s.PortOfLoading,
			"port_of_discharge":    s.PortOfDischarge,
			"freight_forwarder":    s.FreightForwarder,
			"notify_party":         s.NotifyParty,
			"notify_party_phone":   s.NotifyPartyPhone,
			"notify_party_email":   s.NotifyPartyEmail,
		}
	case ShipmentStageUnderloading:
		return map[string]interface{}{
			"loading_started_date": s.LoadingStartedDate,
		}
	case ShipmentStageSailed:
		payload := map[string]interface{}{
			"sailed_date": s.SailedDate,
			"mode":        s.Mode,
		}
		if s.Mode == ShipmentModeAir {
			payload["awb_number"] = s.AwbNumber
			payload["flight_number"] = s.FlightNumber
			payload["airline"] = s.Airline
			payload["arrival_window_start"] = s.ArrivalWindowStart
			payload["arrival_window_end"] = s.ArrivalWindowEnd
		} else {
			payload["vessel_name"] = s.VesselName
			payload["eta"] = s.Eta
			payload["bl_number"] = s.BlNumber
			payload["shipping_agent"] = s.ShippingAgent
		}
		return payload
	case ShipmentStageCleared:
		return map[string]interface{}{
			"cleared_date":              s.ClearedDate,
			"duty_payment_due_date":     s.DutyPaymentDueDate,
			"statutory_filing_due_date": s.StatutoryFilingDueDate,
		}
	case ShipmentStageClosed:
		return map[string]interface{}{
			"closed_date":           s.ClosedDate,
			"transportation_charge": s.TransportationCharge,
			"shipping_line_charge":  s.ShippingLineCharge,
			"eir_number":            s.EirNumber,
			"token_number":          s.TokenNumber,
		}
	case ShipmentStageArchive:
		return map[string]interface{}{
			"archived_date":   s.ArchivedDate,
			"archive_comment": s.ArchiveComment,
		}
	}
	return map[string]interface{}{}
}

// TransitionShipmentStage validates and executes a one-step forward stage
// move, or an in-place edit when toStage equals the current stage. Every
// check runs before the transaction opens; dryRun returns the full unmet
// requirement list without writing anything.
func TransitionShipmentStage(ctx context.Context, shipmentId int, toStage int, input *StageTransitionInput, dryRun bool) (*StageTransitionResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if !IsValidShipmentStage(toStage) {
		return nil, fmt.Errorf("unknown shipment stage %d", toStage)
	}
	if input == nil {
		input = &StageTransitionInput{}
	}

	shipment, err := utils.FetchModel[Shipment](ctx, businessId, shipmentId)
	if err != nil {
		return nil, err
	}
	fromStage := shipment.ShipmentStageId

	if toStage < fromStage {
		return nil, &IllegalTransitionError{FromStage: fromStage, ToStage: toStage}
	}
	if toStage > fromStage+1 {
		return nil, &SkipNotAllowedError{FromStage: fromStage, ToStage: toStage}
	}

	candidate := *shipment
	applyStageFields(&candidate, toStage, input, BusinessTimezone(ctx, businessId))

	var fieldErrs []*StageValidationError
	if validate, ok := stageValidators[toStage]; ok {
		fieldErrs = validate(&candidate)
	}

	var missingDocs []string
	switch toStage {
	case ShipmentStageSailed:
		missingDocs, err = GetMissingRequiredDocs(ctx, shipmentId, ShipmentStageSailed, false)
	case ShipmentStageCleared:
		missingDocs, err = GetMissingRequiredDocs(ctx, shipmentId, ShipmentStageCleared, false)
	case ShipmentStageClosed:
		missingDocs, err = GetMissingRequiredDocs(ctx, shipmentId, ShipmentStageClosed, true)
	}
	if err != nil {
		return nil, err
	}

	result := &StageTransitionResult{FromStage: fromStage, ToStage: toStage}
	if len(fieldErrs) > 0 || len(missingDocs) > 0 {
		reqErr := &StageRequirementsError{
			FromStage:        fromStage,
			ToStage:          toStage,
			Fields:           fieldErrs,
			MissingDocuments: missingDocs,
		}
		result.MissingRequirements = reqErr.MissingRequirements()
		if dryRun {
			return result, nil
		}
		return result, reqErr
	}
	result.Ok = true
	if dryRun {
		return result, nil
	}

	tx := db.Begin()

	var locked Shipment
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ?", businessId).First(&locked, shipmentId).Error; err != nil {
		tx.Rollback()
		return nil, translateDBError(err)
	}
	// the gather phase read without a lock; a concurrent transition
	// invalidates every check made against the old stage
	if locked.ShipmentStageId != fromStage {
		tx.Rollback()
		return nil, fmt.Errorf("%w: shipment %s is now at stage %s",
			ErrConcurrencyConflict, shipment.ShipmentNumber, ShipmentStageName(locked.ShipmentStageId))
	}

	candidate.ShipmentStageId = toStage
	candidate.UpdatedBy = userId
	cols := append(stageColumnFields(toStage), "ShipmentStageId", "UpdatedBy")
	if err := tx.WithContext(ctx).Model(&locked).Select(cols).Updates(&candidate).Error; err != nil {
		tx.Rollback()
		config.LogError(logger, "shipmentStage.go", "TransitionShipmentStage", "updating shipment stage", shipmentId, err)
		return nil, translateDBError(err)
	}

	// stage-1 churn is not audited in stage history
	if fromStage >= ShipmentStagePlanned || toStage >= ShipmentStagePlanned {
		if err := createShipmentStageHistory(tx.WithContext(ctx), businessId, shipment.PoId, shipment.ID,
			fromStage, toStage, stagePayload(&candidate, toStage)); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	description := fmt.Sprintf("Shipment %s moved from %s to %s",
		shipment.ShipmentNumber, ShipmentStageName(fromStage), ShipmentStageName(toStage))
	if fromStage == toStage {
		description = fmt.Sprintf("Shipment %s stage %s details updated",
			shipment.ShipmentNumber, ShipmentStageName(toStage))
	}
	if err := createHistory(tx.WithContext(ctx), "Update", shipment.ID, "shipments", shipment, &candidate, description); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := EnqueueShipmentEvent(ctx, tx.WithContext(ctx), businessId, time.Now(), shipment.ID,
		ShipmentEventReferenceTypeShipment, &candidate, shipment, ShipmentEventActionStageChanged); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, translateDBError(err)
	}

	return result, nil
}
