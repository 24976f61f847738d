package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mmdatafocus/shipments_backend/utils"
)

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	assert.ErrorIs(t, &IllegalTransitionError{FromStage: 4, ToStage: 3}, ErrIllegalTransition)
	assert.ErrorIs(t, &SkipNotAllowedError{FromStage: 3, ToStage: 5}, ErrSkipNotAllowed)
	assert.ErrorIs(t, &OverAllocationError{PoItemId: 1}, ErrOverAllocation)
	assert.ErrorIs(t, &InsufficientContainersError{Kind: "back to back"}, ErrInsufficientContainers)
}

func TestIllegalAndSkipMessages(t *testing.T) {
	err := &IllegalTransitionError{FromStage: ShipmentStageSailed, ToStage: ShipmentStageUnderloading}
	assert.Equal(t, "cannot move shipment from stage 4 (sailed) back to stage 3 (underloading)", err.Error())

	skip := &SkipNotAllowedError{FromStage: ShipmentStageUnderloading, ToStage: ShipmentStageCleared}
	assert.Contains(t, skip.Error(), "stages advance one at a time")
}

func TestOverAllocationMessage(t *testing.T) {
	err := &OverAllocationError{
		PoItemId:          12,
		Ordered:           decimal.NewFromInt(100),
		AllocatedByOthers: decimal.NewFromInt(60),
		Requested:         decimal.NewFromInt(50),
		Available:         decimal.NewFromInt(40),
	}
	assert.Equal(t,
		"allocated qty must be equal or less than purchase order item qty (po item 12: requested 50, available 40 of 100)",
		err.Error())
}

func TestStageRequirementsErrorFlattens(t *testing.T) {
	err := &StageRequirementsError{
		FromStage: ShipmentStageUnderloading,
		ToStage:   ShipmentStageSailed,
		Fields: []*StageValidationError{
			{Stage: ShipmentStageSailed, Field: "vessel_name", Reason: "is required"},
			{Stage: ShipmentStageSailed, Field: "eta", Reason: "is required"},
		},
		MissingDocuments: []string{"Bill of lading"},
	}
	assert.Equal(t, []string{
		"vessel_name is required",
		"eta is required",
		"missing document: Bill of lading",
	}, err.MissingRequirements())
	assert.ErrorIs(t, err, ErrDocumentRequirementUnmet)
	assert.Contains(t, err.Error(), "stage 4 (sailed) requirements unmet")
}

func TestStageRequirementsErrorFieldOnlyDoesNotClaimDocuments(t *testing.T) {
	err := &StageRequirementsError{
		ToStage: ShipmentStageCleared,
		Fields:  []*StageValidationError{{Stage: ShipmentStageCleared, Field: "cleared_date", Reason: "is required"}},
	}
	assert.Nil(t, err.Unwrap())
	assert.False(t, errors.Is(err, ErrDocumentRequirementUnmet))
}

func TestTranslateDBError(t *testing.T) {
	assert.NoError(t, translateDBError(nil))

	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
	err := translateDBError(fmt.Errorf("update shipments: %w", deadlock))
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.Contains(t, err.Error(), "Deadlock found")

	lockWait := &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}
	assert.ErrorIs(t, translateDBError(lockWait), ErrConcurrencyConflict)

	// other mysql errors pass through untouched
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	assert.Equal(t, error(dup), translateDBError(dup))

	assert.ErrorIs(t, translateDBError(fmt.Errorf("fetch: %w", gorm.ErrRecordNotFound)), utils.ErrorRecordNotFound)

	plain := errors.New("boom")
	assert.Equal(t, plain, translateDBError(plain))
}
