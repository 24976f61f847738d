package models

import (
	"errors"

	"gorm.io/gorm"
)

// Immutability guards. Audit rows are written explicitly by each operation,
// never from hooks, so the hooks below only reject writes that must never
// happen.

func (h *History) BeforeUpdate(tx *gorm.DB) (err error) {
	return errors.New("history rows are append-only")
}

func (h *History) BeforeDelete(tx *gorm.DB) (err error) {
	return errors.New("history rows are append-only")
}

func (h *ShipmentStageHistory) BeforeUpdate(tx *gorm.DB) (err error) {
	return errors.New("shipment stage history is append-only")
}

func (h *ShipmentStageHistory) BeforeDelete(tx *gorm.DB) (err error) {
	return errors.New("shipment stage history is append-only")
}

// Shipments end at the archive stage instead of being deleted, so their
// allocation and history chains always resolve.
func (s *Shipment) BeforeDelete(tx *gorm.DB) (err error) {
	return errors.New("shipments are never deleted, archive them instead")
}

func (a *ShipmentPoItemAllocation) BeforeDelete(tx *gorm.DB) (err error) {
	return errors.New("allocation rows are never deleted, zero the quantities instead")
}

func (c *ContainerTrackingUpdate) BeforeUpdate(tx *gorm.DB) (err error) {
	return errors.New("container tracking updates are append-only")
}

func (c *ContainerTrackingUpdate) BeforeDelete(tx *gorm.DB) (err error) {
	return errors.New("container tracking updates are append-only")
}
