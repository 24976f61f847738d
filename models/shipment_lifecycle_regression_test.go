package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/models"
	"github.com/mmdatafocus/shipments_backend/utils"
	"github.com/mmdatafocus/shipments_backend/workflow"
)

func md(t time.Time) *models.MyDateString {
	d := models.MyDateString(t)
	return &d
}

func TestShipmentLifecycleSplitAndAllocationLedger(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "shipments_test")
	t.Setenv("STRICT_DOC_VERIFICATION", "")
	// The dispatcher marks rows SENT without a broker round trip.
	t.Setenv("OUTBOX_DIRECT_DELIVERY", "true")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}

	// History rows need actor info in context.
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: "Test Shipping Co"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	businessID := biz.ID.String()
	ctx = utils.SetBusinessIdInContext(ctx, businessID)

	blType, err := models.CreateDocumentType(ctx, &models.NewDocumentType{
		Name: "Bill of lading", RequiredFromStageId: models.ShipmentStageSailed,
	})
	if err != nil {
		t.Fatalf("CreateDocumentType(BL): %v", err)
	}
	firsType, err := models.CreateDocumentType(ctx, &models.NewDocumentType{
		Name: "FIRS attachment", RequiredFromStageId: models.ShipmentStageCleared,
	})
	if err != nil {
		t.Fatalf("CreateDocumentType(FIRS): %v", err)
	}

	po, err := models.CreatePurchaseOrder(ctx, &models.NewPurchaseOrder{
		SupplierName:  "Golden Teak Trading",
		OrderDate:     time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		CurrentStatus: models.PurchaseOrderStatusIssued,
		Details: []models.NewPurchaseOrderItem{
			{ProductName: "Teak decking", Quantity: decimal.NewFromInt(100), UnitName: "m3"},
			{ProductName: "Rubber sheet RSS3", Quantity: decimal.NewFromInt(60), UnitName: "t"},
		},
	})
	if err != nil {
		t.Fatalf("CreatePurchaseOrder: %v", err)
	}
	if len(po.Details) != 2 {
		t.Fatalf("expected 2 po items; got %d", len(po.Details))
	}
	teakItem := po.Details[0]

	// 1) New shipment opens at stage 1, lot 1 of 1.
	parent, err := models.CreateShipment(ctx, &models.NewShipment{
		PoId:                 po.ID,
		Mode:                 models.ShipmentModeSea,
		ContainersBackToBack: 5,
		ContainersStockSales: 3,
	})
	if err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}
	if parent.ShipmentStageId != models.ShipmentStageToDo {
		t.Fatalf("new shipment stage = %d, want %d", parent.ShipmentStageId, models.ShipmentStageToDo)
	}
	if parent.LotNumber != 1 || parent.TotalLots != 1 {
		t.Fatalf("new shipment lot = %d/%d, want 1/1", parent.LotNumber, parent.TotalLots)
	}
	if !strings.HasPrefix(parent.ShipmentNumber, "SHP-") {
		t.Fatalf("unexpected shipment number %q", parent.ShipmentNumber)
	}

	if err := models.SetShipmentDocumentRequirements(ctx, parent.ID, []int{blType.ID, firsType.ID}); err != nil {
		t.Fatalf("SetShipmentDocumentRequirements: %v", err)
	}

	// 2) Forward one step with the planning payload.
	res, err := models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStagePlanned, &models.StageTransitionInput{
		Planned: &models.PlannedStageFields{
			PlannedLoadingDate: md(time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)),
			PortOfLoading:      "Yangon",
			PortOfDischarge:    "Singapore",
		},
	}, false)
	if err != nil {
		t.Fatalf("transition to planned: %v", err)
	}
	if !res.Ok || res.FromStage != models.ShipmentStageToDo || res.ToStage != models.ShipmentStagePlanned {
		t.Fatalf("unexpected transition result: %+v", res)
	}

	// 3) Missing payload keeps the stage where it is.
	_, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageUnderloading, nil, false)
	if err == nil {
		t.Fatalf("expected requirements error for underloading without loading date")
	}
	var reqErr *models.StageRequirementsError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected StageRequirementsError; got %v", err)
	}
	if got := reqErr.MissingRequirements(); len(got) != 1 || got[0] != "loading_started_date is required" {
		t.Fatalf("unexpected missing requirements: %v", got)
	}

	// 4) Skipping a stage is rejected before anything else runs.
	_, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageSailed, nil, false)
	if !errors.Is(err, models.ErrSkipNotAllowed) {
		t.Fatalf("expected skip rejection; got %v", err)
	}
	cur, err := models.GetShipment(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetShipment: %v", err)
	}
	if cur.ShipmentStageId != models.ShipmentStagePlanned {
		t.Fatalf("stage moved on rejected transition: %d", cur.ShipmentStageId)
	}

	// 5) Same-stage call edits the stage's own fields in place.
	res, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStagePlanned, &models.StageTransitionInput{
		Planned: &models.PlannedStageFields{
			PlannedLoadingDate: md(time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)),
			PortOfLoading:      "Yangon",
			PortOfDischarge:    "Port Klang",
		},
	}, false)
	if err != nil || !res.Ok {
		t.Fatalf("same-stage edit: %v (%+v)", err, res)
	}
	cur, _ = models.GetShipment(ctx, parent.ID)
	if cur.PortOfDischarge != "Port Klang" {
		t.Fatalf("same-stage edit did not persist: %q", cur.PortOfDischarge)
	}

	if _, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageUnderloading, &models.StageTransitionInput{
		Underloading: &models.UnderloadingStageFields{LoadingStartedDate: md(time.Date(2026, 2, 13, 8, 0, 0, 0, time.UTC))},
	}, false); err != nil {
		t.Fatalf("transition to underloading: %v", err)
	}

	// A two-stage jump from underloading straight to cleared is rejected too.
	_, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageCleared, nil, false)
	if !errors.Is(err, models.ErrSkipNotAllowed) {
		t.Fatalf("expected skip rejection at underloading; got %v", err)
	}
	cur, _ = models.GetShipment(ctx, parent.ID)
	if cur.ShipmentStageId != models.ShipmentStageUnderloading {
		t.Fatalf("stage moved on rejected skip: %d", cur.ShipmentStageId)
	}

	// 6) Split 3 of 8 containers into a new lot.
	split, err := models.SplitShipment(ctx, parent.ID, &models.SplitShipmentInput{B2bCount: 2, SsCount: 1})
	if err != nil {
		t.Fatalf("SplitShipment: %v", err)
	}
	child, err := models.GetShipment(ctx, split.NewShipmentId)
	if err != nil {
		t.Fatalf("GetShipment(child): %v", err)
	}
	if child.ShipmentStageId != models.ShipmentStageUnderloading {
		t.Fatalf("child stage = %d, want %d", child.ShipmentStageId, models.ShipmentStageUnderloading)
	}
	if child.ParentShipmentId == nil || *child.ParentShipmentId != parent.ID {
		t.Fatalf("child parent pointer = %v, want %d", child.ParentShipmentId, parent.ID)
	}
	if child.ContainersBackToBack != 2 || child.ContainersStockSales != 1 || child.NoContainers != 3 {
		t.Fatalf("child containers = %d/%d (%d)", child.ContainersBackToBack, child.ContainersStockSales, child.NoContainers)
	}
	if child.PortOfDischarge != "Port Klang" {
		t.Fatalf("child did not inherit planning metadata: %q", child.PortOfDischarge)
	}
	cur, _ = models.GetShipment(ctx, parent.ID)
	if cur.ContainersBackToBack != 3 || cur.ContainersStockSales != 2 || cur.NoContainers != 5 {
		t.Fatalf("parent containers after split = %d/%d (%d)", cur.ContainersBackToBack, cur.ContainersStockSales, cur.NoContainers)
	}
	if cur.LotNumber != 1 || cur.TotalLots != 2 {
		t.Fatalf("parent lot after split = %d/%d, want 1/2", cur.LotNumber, cur.TotalLots)
	}
	if child.LotNumber != 2 || child.TotalLots != 2 {
		t.Fatalf("child lot after split = %d/%d, want 2/2", child.LotNumber, child.TotalLots)
	}

	// The child inherits the parent's required document set.
	childDocsMissing, err := models.GetMissingRequiredDocs(ctx, child.ID, models.ShipmentStageSailed, false)
	if err != nil {
		t.Fatalf("GetMissingRequiredDocs(child): %v", err)
	}
	if len(childDocsMissing) != 2 {
		t.Fatalf("child missing docs = %v, want both requirements", childDocsMissing)
	}

	// A split cannot take more containers than the parent still holds.
	_, err = models.SplitShipment(ctx, parent.ID, &models.SplitShipmentInput{B2bCount: 4})
	if !errors.Is(err, models.ErrInsufficientContainers) {
		t.Fatalf("expected insufficient containers; got %v", err)
	}

	// 7) Allocation ledger: parent takes 60 of the 100 m3 item.
	_, err = models.UpsertShipmentAllocations(ctx, parent.ID, &models.AllocationUpsertInput{
		Allocations:     []*models.NewShipmentAllocation{{PoItemId: teakItem.ID, Quantity: decimal.NewFromInt(60)}},
		UpdatePlanned:   true,
		UpdateAllocated: true,
	})
	if err != nil {
		t.Fatalf("parent allocation: %v", err)
	}
	parentAllocs, err := models.GetShipmentAllocations(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetShipmentAllocations(parent): %v", err)
	}
	if len(parentAllocs) != 1 || parentAllocs[0].RemainingQuantity.Cmp(decimal.NewFromInt(40)) != 0 {
		t.Fatalf("parent allocation rows = %+v, want remaining 40", parentAllocs)
	}

	// The child asking for 50 exceeds what the other lots left over.
	_, err = models.UpsertShipmentAllocations(ctx, child.ID, &models.AllocationUpsertInput{
		Allocations:     []*models.NewShipmentAllocation{{PoItemId: teakItem.ID, Quantity: decimal.NewFromInt(50)}},
		UpdateAllocated: true,
	})
	if !errors.Is(err, models.ErrOverAllocation) {
		t.Fatalf("expected over allocation; got %v", err)
	}
	var overErr *models.OverAllocationError
	if !errors.As(err, &overErr) {
		t.Fatalf("expected OverAllocationError; got %v", err)
	}
	if overErr.Available.Cmp(decimal.NewFromInt(40)) != 0 || overErr.AllocatedByOthers.Cmp(decimal.NewFromInt(60)) != 0 {
		t.Fatalf("over allocation detail = %+v", overErr)
	}

	// 40 fits exactly; resubmitting the same payload changes nothing.
	for i := 0; i < 2; i++ {
		upsertRes, err := models.UpsertShipmentAllocations(ctx, child.ID, &models.AllocationUpsertInput{
			Allocations:     []*models.NewShipmentAllocation{{PoItemId: teakItem.ID, Quantity: decimal.NewFromInt(40)}},
			UpdatePlanned:   true,
			UpdateAllocated: true,
		})
		if err != nil {
			t.Fatalf("child allocation (round %d): %v", i+1, err)
		}
		if upsertRes.UpdatedCount != 1 {
			t.Fatalf("child allocation updated count = %d", upsertRes.UpdatedCount)
		}
	}
	childAllocs, err := models.GetShipmentAllocations(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetShipmentAllocations(child): %v", err)
	}
	if len(childAllocs) != 1 {
		t.Fatalf("child allocation rows = %d, want 1", len(childAllocs))
	}
	if childAllocs[0].AllocatedQuantity.Cmp(decimal.NewFromInt(40)) != 0 || !childAllocs[0].RemainingQuantity.IsZero() {
		t.Fatalf("child allocation = allocated %s remaining %s",
			childAllocs[0].AllocatedQuantity.String(), childAllocs[0].RemainingQuantity.String())
	}

	// 8) Document gate: dry run reports the unmet set without writing.
	historiesBefore, _ := models.GetShipmentStageHistories(ctx, parent.ID)
	sailedPayload := &models.StageTransitionInput{Sailed: &models.SailedStageFields{
		VesselName:    "MV Pacific Star",
		Eta:           md(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)),
		BlNumber:      "BL-77001",
		ShippingAgent: "Ocean Lines",
		SailedDate:    md(time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)),
	}}
	res, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageSailed, sailedPayload, true)
	if err != nil {
		t.Fatalf("dry-run transition to sailed: %v", err)
	}
	if res.Ok {
		t.Fatalf("dry run passed without required documents")
	}
	wantMissing := map[string]bool{
		"missing document: Bill of lading":  true,
		"missing document: FIRS attachment": true,
	}
	for _, m := range res.MissingRequirements {
		if !wantMissing[m] {
			t.Fatalf("unexpected missing requirement %q (all: %v)", m, res.MissingRequirements)
		}
		delete(wantMissing, m)
	}
	if len(wantMissing) != 0 {
		t.Fatalf("dry run did not report: %v", wantMissing)
	}
	historiesAfter, _ := models.GetShipmentStageHistories(ctx, parent.ID)
	if len(historiesAfter) != len(historiesBefore) {
		t.Fatalf("dry run wrote stage history (%d -> %d)", len(historiesBefore), len(historiesAfter))
	}
	cur, _ = models.GetShipment(ctx, parent.ID)
	if cur.ShipmentStageId != models.ShipmentStageUnderloading {
		t.Fatalf("dry run moved the stage: %d", cur.ShipmentStageId)
	}

	// Real attempt fails the same way.
	_, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageSailed, sailedPayload, false)
	if !errors.Is(err, models.ErrDocumentRequirementUnmet) {
		t.Fatalf("expected document requirement error; got %v", err)
	}

	// 9) Attach drafts; any attachment satisfies the sailing gate.
	blDoc, err := models.AttachShipmentDocumentFromURL(ctx, &models.NewShipmentDocument{
		ShipmentId:     parent.ID,
		DocumentTypeId: blType.ID,
		DocumentUrl:    "uploads/test/bl-77001.pdf",
	})
	if err != nil {
		t.Fatalf("attach BL: %v", err)
	}
	firsDoc, err := models.AttachShipmentDocumentFromURL(ctx, &models.NewShipmentDocument{
		ShipmentId:     parent.ID,
		DocumentTypeId: firsType.ID,
		DocumentUrl:    "uploads/test/firs-2026-114.pdf",
	})
	if err != nil {
		t.Fatalf("attach FIRS: %v", err)
	}

	res, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageSailed, sailedPayload, false)
	if err != nil || !res.Ok {
		t.Fatalf("transition to sailed: %v (%+v)", err, res)
	}
	cur, _ = models.GetShipment(ctx, parent.ID)
	if cur.VesselName != "MV Pacific Star" || !dateNonNil(cur.SailedDate) {
		t.Fatalf("sailed fields not persisted: vessel %q sailed %v", cur.VesselName, cur.SailedDate)
	}

	// 10) Backward moves are always rejected.
	_, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageUnderloading, nil, false)
	if !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition; got %v", err)
	}

	// 11) Clearing needs originals, not drafts. The dry run lists both
	// unsatisfied types and leaves cleared_date untouched.
	clearedPayload := &models.StageTransitionInput{Cleared: &models.ClearedStageFields{
		ClearedDate:            md(time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)),
		DutyPaymentDueDate:     md(time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)),
		StatutoryFilingDueDate: md(time.Date(2026, 3, 25, 0, 0, 0, 0, time.UTC)),
	}}
	res, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageCleared, clearedPayload, true)
	if err != nil {
		t.Fatalf("dry-run transition to cleared: %v", err)
	}
	if res.Ok {
		t.Fatalf("dry run passed with draft documents only")
	}
	foundFirs := false
	for _, m := range res.MissingRequirements {
		if m == "missing document: FIRS attachment" {
			foundFirs = true
		}
	}
	if !foundFirs {
		t.Fatalf("dry run did not list the FIRS attachment: %v", res.MissingRequirements)
	}
	cur, _ = models.GetShipment(ctx, parent.ID)
	if cur.ClearedDate != nil {
		t.Fatalf("dry run wrote cleared_date: %v", cur.ClearedDate)
	}

	_, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageCleared, clearedPayload, false)
	if !errors.Is(err, models.ErrDocumentRequirementUnmet) {
		t.Fatalf("expected originals gate; got %v", err)
	}
	cur, _ = models.GetShipment(ctx, parent.ID)
	if cur.ClearedDate != nil {
		t.Fatalf("failed clearing wrote cleared_date: %v", cur.ClearedDate)
	}
	for _, doc := range []*models.ShipmentDocument{blDoc, firsDoc} {
		if _, err := models.UpdateShipmentDocumentMeta(ctx, doc.ID, &models.UpdateShipmentDocument{IsOriginal: utils.NewTrue()}); err != nil {
			t.Fatalf("promote doc %d to original: %v", doc.ID, err)
		}
	}
	// Demoting one back to draft shuts the gate again.
	if _, err := models.UpdateShipmentDocumentMeta(ctx, firsDoc.ID, &models.UpdateShipmentDocument{IsOriginal: utils.NewFalse()}); err != nil {
		t.Fatalf("demote FIRS attachment: %v", err)
	}
	if _, err := models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageCleared, clearedPayload, false); !errors.Is(err, models.ErrDocumentRequirementUnmet) {
		t.Fatalf("gate stayed open with a demoted original; got %v", err)
	}
	if _, err := models.UpdateShipmentDocumentMeta(ctx, firsDoc.ID, &models.UpdateShipmentDocument{IsOriginal: utils.NewTrue()}); err != nil {
		t.Fatalf("re-promote FIRS attachment: %v", err)
	}
	res, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageCleared, clearedPayload, false)
	if err != nil || !res.Ok {
		t.Fatalf("transition to cleared: %v (%+v)", err, res)
	}
	cur, _ = models.GetShipment(ctx, parent.ID)
	if !dateNonNil(cur.DutyPaymentDueDate) || !dateNonNil(cur.StatutoryFilingDueDate) {
		t.Fatalf("cleared due dates not persisted")
	}

	// 12) Closing needs reference metadata on the originals.
	closedPayload := &models.StageTransitionInput{Closed: &models.ClosedStageFields{
		ClosedDate:           md(time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC)),
		TransportationCharge: decimal.NewFromInt(450),
		ShippingLineCharge:   decimal.NewFromInt(1200),
		EirNumber:            "EIR-5521",
		TokenNumber:          "TK-0094",
	}}
	_, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageClosed, closedPayload, false)
	if !errors.Is(err, models.ErrDocumentRequirementUnmet) {
		t.Fatalf("expected reference metadata gate; got %v", err)
	}
	refNo := "REF-7811"
	for _, doc := range []*models.ShipmentDocument{blDoc, firsDoc} {
		if _, err := models.UpdateShipmentDocumentMeta(ctx, doc.ID, &models.UpdateShipmentDocument{
			ReferenceNumber: &refNo,
			ReferenceDate:   md(time.Date(2026, 3, 28, 0, 0, 0, 0, time.UTC)),
		}); err != nil {
			t.Fatalf("set doc %d reference meta: %v", doc.ID, err)
		}
	}
	if _, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageClosed, closedPayload, false); err != nil {
		t.Fatalf("transition to closed: %v", err)
	}

	// 13) Archive, then confirm an archived shipment cannot be split.
	if _, err = models.TransitionShipmentStage(ctx, parent.ID, models.ShipmentStageArchive, &models.StageTransitionInput{
		Archive: &models.ArchiveStageFields{ArchiveComment: "delivered and settled"},
	}, false); err != nil {
		t.Fatalf("transition to archive: %v", err)
	}
	_, err = models.SplitShipment(ctx, parent.ID, &models.SplitShipmentInput{B2bCount: 1})
	if err == nil || !strings.Contains(err.Error(), "archived") {
		t.Fatalf("expected archived split rejection; got %v", err)
	}

	// 14) Stage history is a complete forward walk; the child carries the
	// synthetic planned-to-underloading row from the split.
	histories, err := models.GetShipmentStageHistories(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetShipmentStageHistories(parent): %v", err)
	}
	wantWalk := [][2]int{{1, 2}, {2, 2}, {2, 3}, {3, 4}, {4, 5}, {5, 6}, {6, 7}}
	if len(histories) != len(wantWalk) {
		t.Fatalf("parent stage history rows = %d, want %d", len(histories), len(wantWalk))
	}
	for i, h := range histories {
		if h.FromStageId != wantWalk[i][0] || h.ToStageId != wantWalk[i][1] {
			t.Fatalf("history[%d] = %d->%d, want %d->%d", i, h.FromStageId, h.ToStageId, wantWalk[i][0], wantWalk[i][1])
		}
	}
	childHistories, err := models.GetShipmentStageHistories(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetShipmentStageHistories(child): %v", err)
	}
	if len(childHistories) != 1 || childHistories[0].FromStageId != models.ShipmentStagePlanned ||
		childHistories[0].ToStageId != models.ShipmentStageUnderloading {
		t.Fatalf("unexpected child stage history: %+v", childHistories)
	}

	// 15) Renumbering repairs corrupted lot numbers.
	if err := db.Model(&models.Shipment{}).Where("id = ?", child.ID).
		Update("lot_number", 99).Error; err != nil {
		t.Fatalf("corrupt lot number: %v", err)
	}
	if err := models.RecalculateShipmentLots(ctx, child.ID); err != nil {
		t.Fatalf("RecalculateShipmentLots: %v", err)
	}
	cur, _ = models.GetShipment(ctx, child.ID)
	if cur.LotNumber != 2 || cur.TotalLots != 2 {
		t.Fatalf("child lot after renumber = %d/%d, want 2/2", cur.LotNumber, cur.TotalLots)
	}

	// 16) Every mutation left an outbox row; the dispatcher drains them all.
	var pendingCount int64
	if err := db.Model(&models.ShipmentEventRecord{}).
		Where("business_id = ? AND publish_status = ?", businessID, models.OutboxPublishStatusPending).
		Count(&pendingCount).Error; err != nil {
		t.Fatalf("count outbox rows: %v", err)
	}
	if pendingCount == 0 {
		t.Fatalf("expected pending outbox rows before dispatch")
	}

	dispatcher := workflow.NewOutboxDispatcher(db, logrus.New())
	dispatcher.PollInterval = 50 * time.Millisecond
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	defer cancelDispatch()
	go dispatcher.Run(dispatchCtx)

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		var remaining int64
		if err := db.Model(&models.ShipmentEventRecord{}).
			Where("business_id = ? AND publish_status <> ?", businessID, models.OutboxPublishStatusSent).
			Count(&remaining).Error; err != nil {
			t.Fatalf("count undelivered outbox rows: %v", err)
		}
		if remaining == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	cancelDispatch()

	var records []models.ShipmentEventRecord
	if err := db.Where("business_id = ?", businessID).Find(&records).Error; err != nil {
		t.Fatalf("fetch outbox records: %v", err)
	}
	actions := map[string]bool{}
	for _, rec := range records {
		if rec.PublishStatus != models.OutboxPublishStatusSent {
			t.Fatalf("outbox record %d not delivered: %s", rec.ID, rec.PublishStatus)
		}
		if rec.PubSubMessageId == nil || !strings.HasPrefix(*rec.PubSubMessageId, "direct:") {
			t.Fatalf("outbox record %d missing direct delivery marker: %v", rec.ID, rec.PubSubMessageId)
		}
		actions[string(rec.Action)] = true
	}
	for _, action := range []string{"created", "stage_changed", "split", "allocations_upserted", "lots_renumbered"} {
		if !actions[action] {
			t.Fatalf("no outbox record with action %q (have %v)", action, actions)
		}
	}
}

func TestContainerTrackingFeedIdempotenceAndOrdering(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "shipments_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{Name: "Tracking Feed Co"})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	ctx = utils.SetBusinessIdInContext(ctx, biz.ID.String())

	po, err := models.CreatePurchaseOrder(ctx, &models.NewPurchaseOrder{
		SupplierName:  "Feed Supplier",
		OrderDate:     time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		CurrentStatus: models.PurchaseOrderStatusIssued,
		Details: []models.NewPurchaseOrderItem{
			{ProductName: "Plywood", Quantity: decimal.NewFromInt(10), UnitName: "t"},
		},
	})
	if err != nil {
		t.Fatalf("CreatePurchaseOrder: %v", err)
	}
	shipment, err := models.CreateShipment(ctx, &models.NewShipment{
		PoId: po.ID, Mode: models.ShipmentModeSea, ContainersBackToBack: 1,
	})
	if err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	applied, err := models.RecordContainerTrackingUpdate(ctx, &models.ContainerTrackingInput{
		ShipmentId:      shipment.ID,
		ContainerNumber: "TGHU1234567",
		Status:          "Gate in",
		Location:        "Yangon terminal",
		ReportedAt:      &t1,
		SourceMsgId:     "feed-msg-1",
	})
	if err != nil || !applied {
		t.Fatalf("first tracking update: applied=%v err=%v", applied, err)
	}
	cur, _ := models.GetShipment(ctx, shipment.ID)
	if cur.TrackingStatus != "Gate in" || cur.LastTrackedAt == nil {
		t.Fatalf("tracking columns not set: %q %v", cur.TrackingStatus, cur.LastTrackedAt)
	}

	// Redelivery of the same feed message is acknowledged but not re-applied.
	applied, err = models.RecordContainerTrackingUpdate(ctx, &models.ContainerTrackingInput{
		ShipmentId:  shipment.ID,
		Status:      "Gate in",
		ReportedAt:  &t1,
		SourceMsgId: "feed-msg-1",
	})
	if err != nil {
		t.Fatalf("redelivered tracking update: %v", err)
	}
	if applied {
		t.Fatalf("redelivered message was applied twice")
	}
	updates, err := models.GetContainerTrackingUpdates(ctx, shipment.ID)
	if err != nil {
		t.Fatalf("GetContainerTrackingUpdates: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("tracking rows after redelivery = %d, want 1", len(updates))
	}

	// An older report is stored but must not regress the shipment's status.
	t0 := t1.Add(-2 * time.Hour)
	applied, err = models.RecordContainerTrackingUpdate(ctx, &models.ContainerTrackingInput{
		ShipmentId:  shipment.ID,
		Status:      "Empty to shipper",
		Location:    "Depot",
		ReportedAt:  &t0,
		SourceMsgId: "feed-msg-0",
	})
	if err != nil || !applied {
		t.Fatalf("late tracking update: applied=%v err=%v", applied, err)
	}
	cur, _ = models.GetShipment(ctx, shipment.ID)
	if cur.TrackingStatus != "Gate in" {
		t.Fatalf("older report regressed tracking status to %q", cur.TrackingStatus)
	}
	updates, _ = models.GetContainerTrackingUpdates(ctx, shipment.ID)
	if len(updates) != 2 {
		t.Fatalf("tracking rows after late report = %d, want 2", len(updates))
	}

	// A newer report moves the status forward.
	t2 := t1.Add(3 * time.Hour)
	if _, err = models.RecordContainerTrackingUpdate(ctx, &models.ContainerTrackingInput{
		ShipmentId:  shipment.ID,
		Status:      "Vessel departure",
		Location:    "Yangon anchorage",
		ReportedAt:  &t2,
		SourceMsgId: "feed-msg-2",
	}); err != nil {
		t.Fatalf("newer tracking update: %v", err)
	}
	cur, _ = models.GetShipment(ctx, shipment.ID)
	if cur.TrackingStatus != "Vessel departure" || cur.TrackingLocation != "Yangon anchorage" {
		t.Fatalf("newer report not applied: %q at %q", cur.TrackingStatus, cur.TrackingLocation)
	}
}

func dateNonNil(d *models.MyDateString) bool {
	return d != nil && !time.Time(*d).IsZero()
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("shipments-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("shipments-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=shipments_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
