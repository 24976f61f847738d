package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDate(year int, month time.Month, day int) *MyDateString {
	d := MyDateString(time.Date(year, month, day, 15, 4, 5, 0, time.UTC))
	return &d
}

func fieldNames(errs []*StageValidationError) []string {
	names := make([]string, 0, len(errs))
	for _, e := range errs {
		names = append(names, e.Field)
	}
	return names
}

func TestShipmentStageName(t *testing.T) {
	assert.Equal(t, "to do", ShipmentStageName(ShipmentStageToDo))
	assert.Equal(t, "underloading", ShipmentStageName(ShipmentStageUnderloading))
	assert.Equal(t, "archive", ShipmentStageName(ShipmentStageArchive))
	assert.Equal(t, "stage 42", ShipmentStageName(42))
}

func TestIsValidShipmentStage(t *testing.T) {
	assert.False(t, IsValidShipmentStage(0))
	assert.True(t, IsValidShipmentStage(ShipmentStageToDo))
	assert.True(t, IsValidShipmentStage(ShipmentStageArchive))
	assert.False(t, IsValidShipmentStage(ShipmentStageArchive+1))
}

func TestDateSet(t *testing.T) {
	assert.False(t, dateSet(nil))
	zero := MyDateString(time.Time{})
	assert.False(t, dateSet(&zero))
	assert.True(t, dateSet(newDate(2026, time.March, 10)))
}

func TestValidatePlannedStage(t *testing.T) {
	errs := validatePlannedStage(&Shipment{})
	assert.ElementsMatch(t, []string{"planned_loading_date", "port_of_loading", "port_of_discharge"}, fieldNames(errs))

	s := &Shipment{
		PlannedLoadingDate: newDate(2026, time.March, 1),
		PortOfLoading:      "Yangon",
		PortOfDischarge:    "Singapore",
	}
	assert.Empty(t, validatePlannedStage(s))

	s.NotifyPartyEmail = "not-an-email"
	s.NotifyPartyPhone = "123"
	errs = validatePlannedStage(s)
	assert.ElementsMatch(t, []string{"notify_party_phone", "notify_party_email"}, fieldNames(errs))
}

func TestValidateSailedStageSea(t *testing.T) {
	errs := validateSailedStage(&Shipment{Mode: ShipmentModeSea})
	assert.ElementsMatch(t,
		[]string{"vessel_name", "eta", "bl_number", "shipping_agent", "sailed_date"},
		fieldNames(errs))

	s := &Shipment{
		Mode:          ShipmentModeSea,
		VesselName:    "MV Pacific Star",
		Eta:           newDate(2026, time.April, 2),
		BlNumber:      "BL-1001",
		ShippingAgent: "Ocean Lines",
		SailedDate:    newDate(2026, time.March, 20),
	}
	assert.Empty(t, validateSailedStage(s))
}

func TestValidateSailedStageAir(t *testing.T) {
	errs := validateSailedStage(&Shipment{Mode: ShipmentModeAir})
	assert.ElementsMatch(t,
		[]string{"awb_number", "flight_number", "airline", "arrival_window_start", "arrival_window_end", "sailed_date"},
		fieldNames(errs))

	s := &Shipment{
		Mode:               ShipmentModeAir,
		AwbNumber:          "AWB-22",
		FlightNumber:       "UB-404",
		Airline:            "MNA",
		ArrivalWindowStart: newDate(2026, time.April, 5),
		ArrivalWindowEnd:   newDate(2026, time.April, 7),
		SailedDate:         newDate(2026, time.April, 4),
	}
	assert.Empty(t, validateSailedStage(s))

	// window end may not precede the start
	s.ArrivalWindowEnd = newDate(2026, time.April, 4)
	errs = validateSailedStage(s)
	require.Len(t, errs, 1)
	assert.Equal(t, "arrival_window_end", errs[0].Field)
	assert.Equal(t, "must not be before arrival window start", errs[0].Reason)
}

func TestValidateClearedStage(t *testing.T) {
	errs := validateClearedStage(&Shipment{})
	assert.ElementsMatch(t,
		[]string{"sailed_date", "cleared_date", "duty_payment_due_date", "statutory_filing_due_date"},
		fieldNames(errs))
	for _, e := range errs {
		if e.Field == "sailed_date" {
			assert.Equal(t, "must be set before clearing", e.Reason)
		}
	}

	s := &Shipment{
		SailedDate:             newDate(2026, time.March, 20),
		ClearedDate:            newDate(2026, time.March, 28),
		DutyPaymentDueDate:     newDate(2026, time.April, 10),
		StatutoryFilingDueDate: newDate(2026, time.April, 15),
	}
	assert.Empty(t, validateClearedStage(s))
}

func TestValidateClosedStage(t *testing.T) {
	s := &Shipment{
		ClosedDate:           newDate(2026, time.May, 1),
		TransportationCharge: decimal.NewFromInt(-1),
		EirNumber:            "EIR-9",
		TokenNumber:          "TK-12",
	}
	errs := validateClosedStage(s)
	require.Len(t, errs, 1)
	assert.Equal(t, "transportation_charge", errs[0].Field)
	assert.Equal(t, "cannot be negative", errs[0].Reason)

	s.TransportationCharge = decimal.NewFromInt(250)
	s.ShippingLineCharge = decimal.NewFromInt(90)
	assert.Empty(t, validateClosedStage(s))
}

func TestValidateArchiveStage(t *testing.T) {
	errs := validateArchiveStage(&Shipment{})
	require.Len(t, errs, 1)
	assert.Equal(t, "archive_comment", errs[0].Field)

	assert.Empty(t, validateArchiveStage(&Shipment{ArchiveComment: "delivered and settled"}))
}

func TestApplyStageFieldsClearedNormalizesDueDates(t *testing.T) {
	s := &Shipment{}
	input := &StageTransitionInput{Cleared: &ClearedStageFields{
		ClearedDate:            newDate(2026, time.March, 28),
		DutyPaymentDueDate:     newDate(2026, time.April, 10),
		StatutoryFilingDueDate: newDate(2026, time.April, 15),
	}}
	applyStageFields(s, ShipmentStageCleared, input, "Asia/Yangon")

	require.NotNil(t, s.DutyPaymentDueDate)
	// Yangon midnight is 17:30 UTC of the previous day
	assert.Equal(t,
		time.Date(2026, time.April, 9, 17, 30, 0, 0, time.UTC),
		time.Time(*s.DutyPaymentDueDate))
	require.NotNil(t, s.StatutoryFilingDueDate)
	assert.Equal(t,
		time.Date(2026, time.April, 14, 17, 30, 0, 0, time.UTC),
		time.Time(*s.StatutoryFilingDueDate))
	// cleared_date keeps the submitted instant
	require.NotNil(t, s.ClearedDate)
	assert.Equal(t, time.Time(*newDate(2026, time.March, 28)), time.Time(*s.ClearedDate))
}

func TestApplyStageFieldsArchiveDefaultsDate(t *testing.T) {
	s := &Shipment{}
	applyStageFields(s, ShipmentStageArchive, &StageTransitionInput{}, "")
	require.NotNil(t, s.ArchivedDate)
	assert.WithinDuration(t, time.Now(), time.Time(*s.ArchivedDate), 5*time.Second)
}

func TestApplyStageFieldsIgnoresOtherStagePayloads(t *testing.T) {
	s := &Shipment{}
	input := &StageTransitionInput{
		Underloading: &UnderloadingStageFields{LoadingStartedDate: newDate(2026, time.March, 5)},
		Sailed:       &SailedStageFields{VesselName: "MV Should Not Apply"},
	}
	applyStageFields(s, ShipmentStageUnderloading, input, "")
	assert.True(t, dateSet(s.LoadingStartedDate))
	assert.Empty(t, s.VesselName)
}

func TestStagePayloadSailedByMode(t *testing.T) {
	sea := &Shipment{Mode: ShipmentModeSea, VesselName: "MV Pacific Star", BlNumber: "BL-1001"}
	payload := stagePayload(sea, ShipmentStageSailed)
	assert.Contains(t, payload, "vessel_name")
	assert.Contains(t, payload, "bl_number")
	assert.NotContains(t, payload, "awb_number")

	air := &Shipment{Mode: ShipmentModeAir, AwbNumber: "AWB-22"}
	payload = stagePayload(air, ShipmentStageSailed)
	assert.Contains(t, payload, "awb_number")
	assert.NotContains(t, payload, "vessel_name")
}

func TestStageColumnFields(t *testing.T) {
	for stage := ShipmentStagePlanned; stage <= ShipmentStageArchive; stage++ {
		assert.NotEmpty(t, stageColumnFields(stage), "stage %d", stage)
	}
	assert.Nil(t, stageColumnFields(ShipmentStageToDo))
	assert.Contains(t, stageColumnFields(ShipmentStageCleared), "DutyPaymentDueDate")
	assert.Contains(t, stageColumnFields(ShipmentStageSailed), "SailedDate")
}
