package models

import (
	"log"

	"github.com/mmdatafocus/shipments_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{},
		&PurchaseOrder{}, &PurchaseOrderItem{},
		&Shipment{}, &ShipmentStageHistory{}, &ShipmentPoItemAllocation{},
		&DocumentType{}, &ShipmentDocumentRequirement{}, &ShipmentDocument{},
		&ContainerTrackingUpdate{},
		&History{},
		&ShipmentEventRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
