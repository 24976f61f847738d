package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/shipments_backend/models"
)

func TestNewOutboxDispatcherDefaults(t *testing.T) {
	d := NewOutboxDispatcher(nil, nil)
	if d.DispatcherID == "" {
		t.Fatal("expected a dispatcher id")
	}
	if d.BatchSize != 50 {
		t.Fatalf("BatchSize = %d, want 50", d.BatchSize)
	}
	if d.PollInterval != 500*time.Millisecond {
		t.Fatalf("PollInterval = %v, want 500ms", d.PollInterval)
	}
	if d.LockTimeout != 30*time.Second {
		t.Fatalf("LockTimeout = %v, want 30s", d.LockTimeout)
	}
	if d.MaxAttempts != 20 {
		t.Fatalf("MaxAttempts = %d, want 20", d.MaxAttempts)
	}
	if d.InitialBackoff != 5*time.Second {
		t.Fatalf("InitialBackoff = %v, want 5s", d.InitialBackoff)
	}
}

func TestRetryBackoffProgression(t *testing.T) {
	d := &OutboxDispatcher{InitialBackoff: 5 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{5, 80 * time.Second},
		{7, 320 * time.Second},
		{8, 10 * time.Minute},
		{20, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := d.retryBackoff(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: backoff = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestConvertToShipmentEventMessage(t *testing.T) {
	eventTime := time.Date(2026, time.March, 10, 9, 30, 0, 0, time.UTC)
	rec := models.ShipmentEventRecord{
		ID:            7,
		BusinessId:    "biz-1",
		EventTime:     eventTime,
		ReferenceId:   42,
		ReferenceType: models.ShipmentEventReferenceTypeShipment,
		Action:        models.ShipmentEventActionStageChanged,
		NewObj:        []byte(`{"id":42}`),
		CorrelationId: "corr-9",
	}

	msg := models.ConvertToShipmentEventMessage(rec)
	if msg.ID != 7 || msg.BusinessId != "biz-1" || msg.ReferenceId != 42 {
		t.Fatalf("identity fields not carried over: %+v", msg)
	}
	if !msg.TransactionDateTime.Equal(eventTime) {
		t.Fatalf("TransactionDateTime = %v, want %v", msg.TransactionDateTime, eventTime)
	}
	if msg.ReferenceType != "shipment" || msg.Action != "stage_changed" {
		t.Fatalf("reference/action = %q/%q", msg.ReferenceType, msg.Action)
	}
	if string(msg.NewObj) != `{"id":42}` {
		t.Fatalf("NewObj = %s", msg.NewObj)
	}
	if msg.CorrelationId != "corr-9" {
		t.Fatalf("CorrelationId = %q", msg.CorrelationId)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	// nil DB makes dispatchOnce a no-op, so only the loop itself is exercised
	d := NewOutboxDispatcher(nil, nil)
	d.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher kept running after context cancel")
	}
}
