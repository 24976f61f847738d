package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLotReadinessRank(t *testing.T) {
	assert.Equal(t, 1, lotReadinessRank(&Shipment{ShipmentStageId: ShipmentStageToDo}))
	assert.Equal(t, 1, lotReadinessRank(&Shipment{ShipmentStageId: ShipmentStagePlanned}))
	assert.Equal(t, 0, lotReadinessRank(&Shipment{ShipmentStageId: ShipmentStageUnderloading}))
	assert.Equal(t, 0, lotReadinessRank(&Shipment{ShipmentStageId: ShipmentStageArchive}))
}

func TestSortFamilyByReadiness(t *testing.T) {
	at := func(day int) time.Time {
		return time.Date(2026, time.February, day, 0, 0, 0, 0, time.UTC)
	}

	// the planned root was created first but loading members outrank it
	root := &Shipment{ID: 1, ShipmentStageId: ShipmentStagePlanned, CreatedAt: at(1)}
	firstSplit := &Shipment{ID: 2, ShipmentStageId: ShipmentStageSailed, CreatedAt: at(2)}
	secondSplit := &Shipment{ID: 3, ShipmentStageId: ShipmentStageUnderloading, CreatedAt: at(3)}
	lateButPlanned := &Shipment{ID: 4, ShipmentStageId: ShipmentStageToDo, CreatedAt: at(4)}

	members := []*Shipment{lateButPlanned, secondSplit, root, firstSplit}
	sortFamilyByReadiness(members)

	ids := make([]int, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	assert.Equal(t, []int{2, 3, 1, 4}, ids)
}

func TestSortFamilyByReadinessTiebreaks(t *testing.T) {
	created := time.Date(2026, time.February, 1, 8, 0, 0, 0, time.UTC)

	// same rank and creation time falls back to id order
	a := &Shipment{ID: 9, ShipmentStageId: ShipmentStageUnderloading, CreatedAt: created}
	b := &Shipment{ID: 4, ShipmentStageId: ShipmentStageUnderloading, CreatedAt: created}
	c := &Shipment{ID: 7, ShipmentStageId: ShipmentStageUnderloading, CreatedAt: created.Add(-time.Hour)}

	members := []*Shipment{a, b, c}
	sortFamilyByReadiness(members)

	assert.Equal(t, 7, members[0].ID)
	assert.Equal(t, 4, members[1].ID)
	assert.Equal(t, 9, members[2].ID)
}
