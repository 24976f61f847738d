package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/models"
	"github.com/mmdatafocus/shipments_backend/utils"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	shipmentID := flag.Int("shipment-id", 0, "Optional: renumber only the family containing this shipment")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing families and continue renumbering others")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	// History rows written by the renumber need actor info in context.
	ctx := utils.SetBusinessIdInContext(context.Background(), strings.TrimSpace(*businessID))
	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUserNameInContext(ctx, "System")

	var memberIds []int
	if *shipmentID > 0 {
		memberIds = []int{*shipmentID}
	} else {
		// Roots carry no parent pointer; one member per family is enough.
		if err := db.Raw(`
			SELECT id
			FROM shipments
			WHERE business_id = ? AND parent_shipment_id IS NULL
			ORDER BY id
		`, strings.TrimSpace(*businessID)).Scan(&memberIds).Error; err != nil {
			fmt.Fprintf(os.Stderr, "discover families: %v\n", err)
			os.Exit(1)
		}
	}

	for _, id := range memberIds {
		fmt.Printf("Renumbering family of shipment=%d\n", id)
		if err := models.RecalculateShipmentLots(ctx, id); err != nil {
			if *continueOnError {
				fmt.Fprintf(os.Stderr, "renumber failed (skipping): %v\n", err)
				continue
			}
			fmt.Fprintf(os.Stderr, "renumber failed: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("lot renumber complete")
}
