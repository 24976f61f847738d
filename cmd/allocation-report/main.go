package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/models/reports"
	"github.com/mmdatafocus/shipments_backend/utils"
)

func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	poID := flag.Int("po-id", 0, "Required: purchase order id")
	outPath := flag.String("out", "", "Output path (default po-allocations-<po-id>.xlsx)")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}
	if *poID <= 0 {
		fmt.Fprintln(os.Stderr, "--po-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := utils.SetBusinessIdInContext(context.Background(), strings.TrimSpace(*businessID))

	f, err := reports.ExportPoAllocationXlsx(ctx, *poID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
		os.Exit(1)
	}

	path := strings.TrimSpace(*outPath)
	if path == "" {
		path = fmt.Sprintf("po-allocations-%d.xlsx", *poID)
	}
	if err := f.SaveAs(path); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", path)
}
