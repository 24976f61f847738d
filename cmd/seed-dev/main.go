// seed-dev creates a development business with the standard document types,
// a demo purchase order and a first shipment against it.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-dev
//
// With --provision-pubsub it also creates the shipment events topic and a
// push-less subscription on the Pub/Sub emulator (PUBSUB_EMULATOR_HOST).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/models"
	"github.com/mmdatafocus/shipments_backend/utils"
)

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// Stage-gated document types every tenant starts with. FIRS attachment and
// import license hold up customs clearance; the bill of lading holds up
// sailing.
var seedDocumentTypes = []models.NewDocumentType{
	{Name: "Bill of lading", RequiredFromStageId: models.ShipmentStageSailed},
	{Name: "Packing list"},
	{Name: "Commercial invoice"},
	{Name: "FIRS attachment", RequiredFromStageId: models.ShipmentStageCleared},
	{Name: "Import license", RequiredFromStageId: models.ShipmentStageCleared},
}

func main() {
	businessName := flag.String("business-name", getenv("SEED_BUSINESS_NAME", "shipments-dev"), "Business name to create/reuse")
	provisionPubSub := flag.Bool("provision-pubsub", false, "Also create the shipment events topic and subscription (emulator)")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	// History rows require user identity in context.
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Seed")
	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	// 1) Find or create business (idempotent).
	var business models.Business
	bizErr := db.WithContext(ctx).Model(&models.Business{}).
		Where("name = ?", strings.TrimSpace(*businessName)).First(&business).Error
	if bizErr != nil {
		if bizErr != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup business: %v\n", bizErr)
			os.Exit(1)
		}
		created, err := models.CreateBusiness(ctx, &models.NewBusiness{
			Name:     strings.TrimSpace(*businessName),
			Timezone: "Asia/Yangon",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create business: %v\n", err)
			os.Exit(1)
		}
		business = *created
	}
	businessID := business.ID.String()
	ctx = utils.SetBusinessIdInContext(ctx, businessID)

	// 2) Document types (create missing only; names are unique per business).
	existingTypes, err := models.GetDocumentTypes(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list document types: %v\n", err)
		os.Exit(1)
	}
	existingByName := make(map[string]int, len(existingTypes))
	for _, dt := range existingTypes {
		existingByName[dt.Name] = dt.ID
	}
	for i := range seedDocumentTypes {
		input := seedDocumentTypes[i]
		if _, ok := existingByName[input.Name]; ok {
			continue
		}
		created, err := models.CreateDocumentType(ctx, &input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create document type %q: %v\n", input.Name, err)
			os.Exit(1)
		}
		existingByName[created.Name] = created.ID
		fmt.Printf("Created document type: %s\n", created.Name)
	}

	// 3) Demo purchase order + shipment. Skip when the business already has
	// purchase orders so reruns stay additive-only.
	existingPos, err := models.GetPurchaseOrders(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list purchase orders: %v\n", err)
		os.Exit(1)
	}
	if len(existingPos) > 0 {
		fmt.Printf("Business already has %d purchase order(s); skipping demo data.\n", len(existingPos))
		printSummary(businessID, business.Name)
		maybeProvisionPubSub(ctx, *provisionPubSub)
		return
	}

	po, err := models.CreatePurchaseOrder(ctx, &models.NewPurchaseOrder{
		SupplierName:  "Golden Teak Trading",
		OrderDate:     time.Now(),
		CurrentStatus: models.PurchaseOrderStatusIssued,
		Notes:         "seed-dev demo order",
		Details: []models.NewPurchaseOrderItem{
			{ProductName: "Teak decking", UnitName: "m3", Quantity: decimal.NewFromInt(100)},
			{ProductName: "Rubber sheet RSS3", UnitName: "t", Quantity: decimal.NewFromInt(60)},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create purchase order: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created purchase order: %s (id=%d)\n", po.OrderNumber, po.ID)

	shipment, err := models.CreateShipment(ctx, &models.NewShipment{
		PoId:                 po.ID,
		Mode:                 models.ShipmentModeSea,
		ContainersBackToBack: 3,
		ContainersStockSales: 2,
		NotifyParty:          "Ayeyarwady Forwarding",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create shipment: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created shipment: id=%d (lot %d/%d)\n", shipment.ID, shipment.LotNumber, shipment.TotalLots)

	requiredTypeIds := []int{
		existingByName["Bill of lading"],
		existingByName["FIRS attachment"],
		existingByName["Import license"],
	}
	if err := models.SetShipmentDocumentRequirements(ctx, shipment.ID, requiredTypeIds); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set document requirements: %v\n", err)
		os.Exit(1)
	}

	// A partial first allocation so the remaining-quantity math shows up in
	// the report right away.
	if len(po.Details) > 0 {
		_, err := models.UpsertShipmentAllocations(ctx, shipment.ID, &models.AllocationUpsertInput{
			Allocations: []*models.NewShipmentAllocation{
				{PoItemId: po.Details[0].ID, Quantity: decimal.NewFromInt(60)},
			},
			UpdatePlanned:   true,
			UpdateAllocated: true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed allocations: %v\n", err)
			os.Exit(1)
		}
	}

	printSummary(businessID, business.Name)
	maybeProvisionPubSub(ctx, *provisionPubSub)
}

func printSummary(businessID, businessName string) {
	fmt.Println("Seed complete")
	fmt.Printf("BusinessID: %s | BusinessName: %s\n", businessID, businessName)
}

func maybeProvisionPubSub(ctx context.Context, enabled bool) {
	if !enabled {
		return
	}
	client, err := config.GetClient(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pubsub client: %v\n", err)
		os.Exit(1)
	}
	topicName := getenv("PUBSUB_TOPIC", "shipment-events")
	topic, err := config.CreateTopicIfNotExists(client, topicName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create topic %q: %v\n", topicName, err)
		os.Exit(1)
	}
	if _, err := config.CreateSubscriptionIfNotExists(client, topicName+"-sub", topic); err != nil {
		fmt.Fprintf(os.Stderr, "create subscription %q: %v\n", topicName+"-sub", err)
		os.Exit(1)
	}
	fmt.Printf("Pub/Sub ready: topic=%s subscription=%s\n", topicName, topicName+"-sub")
}
