package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocationUpsertInputValidate(t *testing.T) {
	base := func() *AllocationUpsertInput {
		return &AllocationUpsertInput{
			Allocations:   []*NewShipmentAllocation{{PoItemId: 1, Quantity: decimal.NewFromInt(10)}},
			UpdatePlanned: true,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*AllocationUpsertInput)
		wantErr string
	}{
		{"valid", func(in *AllocationUpsertInput) {}, ""},
		{"empty allocations", func(in *AllocationUpsertInput) {
			in.Allocations = nil
		}, "at least one allocation is required"},
		{"invalid mode", func(in *AllocationUpsertInput) {
			in.Mode = "bulk"
		}, "invalid allocation mode"},
		{"no update flag", func(in *AllocationUpsertInput) {
			in.UpdatePlanned = false
		}, "no quantity field selected for update"},
		{"missing po item id", func(in *AllocationUpsertInput) {
			in.Allocations[0].PoItemId = 0
		}, "po item id is required"},
		{"duplicate po item", func(in *AllocationUpsertInput) {
			in.Allocations = append(in.Allocations, &NewShipmentAllocation{PoItemId: 1, Quantity: decimal.NewFromInt(5)})
		}, "duplicate allocation for po item 1"},
		{"negative quantity", func(in *AllocationUpsertInput) {
			in.Allocations[0].Quantity = decimal.NewFromInt(-3)
		}, "quantity cannot be negative (po item 1)"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := base()
			tc.mutate(in)
			err := in.validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.wantErr, err.Error())
		})
	}
}

func TestAllocationUpsertInputValidateDefaultsMode(t *testing.T) {
	in := &AllocationUpsertInput{
		Allocations:     []*NewShipmentAllocation{{PoItemId: 7, Quantity: decimal.NewFromInt(1)}},
		UpdateAllocated: true,
	}
	require.NoError(t, in.validate())
	assert.Equal(t, AllocationModePartial, in.Mode)
}

func TestExceedsAvailability(t *testing.T) {
	d := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	tests := []struct {
		name                       string
		ordered, others, requested string
		want                       bool
	}{
		{"exact fit", "100", "60", "40", false},
		{"under", "100", "60", "39.5", false},
		{"at tolerance", "100", "60", "40.0001", false},
		{"past tolerance", "100", "60", "40.0002", true},
		{"fully taken, tiny ask", "100", "100", "0.0002", true},
		{"zero requested never exceeds", "100", "100", "0", false},
		{"zero ordered", "0", "0", "0.001", true},
		{"float noise absorbed", "60", "0", "60.00009", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := exceedsAvailability(d(tc.ordered), d(tc.others), d(tc.requested))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSplitShipmentInputValidate(t *testing.T) {
	assert.EqualError(t, (&SplitShipmentInput{B2bCount: -1}).validate(),
		"container counts cannot be negative")
	assert.EqualError(t, (&SplitShipmentInput{}).validate(),
		"at least one container must move to the new lot")
	assert.NoError(t, (&SplitShipmentInput{SsCount: 1}).validate())
	assert.NoError(t, (&SplitShipmentInput{B2bCount: 2, SsCount: 1}).validate())
}

func TestCheckContainerAvailability(t *testing.T) {
	parent := &Shipment{ContainersBackToBack: 5, ContainersStockSales: 3}

	require.NoError(t, checkContainerAvailability(parent, &SplitShipmentInput{B2bCount: 5, SsCount: 3}))

	err := checkContainerAvailability(parent, &SplitShipmentInput{B2bCount: 6})
	require.ErrorIs(t, err, ErrInsufficientContainers)
	var insufficient *InsufficientContainersError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "back to back", insufficient.Kind)
	assert.Equal(t, 6, insufficient.Requested)
	assert.Equal(t, 5, insufficient.Available)

	err = checkContainerAvailability(parent, &SplitShipmentInput{B2bCount: 2, SsCount: 4})
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "stock sales", insufficient.Kind)
}
