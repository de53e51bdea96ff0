package sync

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taurusmon/taurusmon/internal/api"
	"github.com/taurusmon/taurusmon/internal/coredb"
	"github.com/taurusmon/taurusmon/internal/event"
	"github.com/taurusmon/taurusmon/pkg/models"
)

// notifierSpy records delivered notifications.
type notifierSpy struct {
	mu        sync.Mutex
	delivered []models.Notification
}

func (n *notifierSpy) Notify(_ context.Context, notif *models.Notification) error {
	n.mu.Lock()
	n.delivered = append(n.delivered, *notif)
	n.mu.Unlock()
	return nil
}

func (n *notifierSpy) Type() string { return "spy" }

func (n *notifierSpy) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.delivered)
}

func newNotificationSyncer(t *testing.T, f *fakeServer, db *coredb.CoreDatabase, bus *busSpy, spy Notifier) *NotificationSyncer {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	client := api.NewClient(srv.URL, "key", "dev-1", 5*time.Second, zap.NewNop())
	return NewNotificationSyncer(db, client, bus, spy, zap.NewNop())
}

func TestNotificationSync_delivers_and_acks(t *testing.T) {
	db := testCore(t)
	ctx := context.Background()
	m := models.Metric{ID: "m-1", InstanceID: "inst-1", ServerName: "frontend", Name: "cpu"}
	if err := db.AddMetric(ctx, &m); err != nil {
		t.Fatal(err)
	}

	f := &fakeServer{
		notifications: `[{"uid": "n-1", "metric": "m-1", "timestamp": "2020-06-01 12:30:45"}]`,
	}
	bus := &busSpy{}
	spy := &notifierSpy{}
	ns := newNotificationSyncer(t, f, db, bus, spy)

	if err := ns.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if spy.count() != 1 {
		t.Fatalf("%d notifications delivered, want 1", spy.count())
	}
	spy.mu.Lock()
	desc := spy.delivered[0].Description
	spy.mu.Unlock()
	if desc != "frontend: anomaly on cpu at 2020-06-01 12:30 UTC" {
		t.Errorf("description = %q", desc)
	}

	stored, err := db.Notifications(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].NotificationID != "n-1" {
		t.Errorf("stored notifications: %+v", stored)
	}
	if !bus.has(event.TopicNotification) {
		t.Error("notification event not published")
	}

	f.mu.Lock()
	acked := f.ackedIDs
	f.mu.Unlock()
	if acked != 1 {
		t.Errorf("%d acknowledge calls, want 1", acked)
	}
}

func TestNotificationSync_duplicate_not_redelivered(t *testing.T) {
	db := testCore(t)
	ctx := context.Background()

	f := &fakeServer{
		notifications: `[{"uid": "n-1", "metric": "m-1", "timestamp": 1591014645}]`,
	}
	bus := &busSpy{}
	spy := &notifierSpy{}
	ns := newNotificationSyncer(t, f, db, bus, spy)

	if err := ns.Sync(ctx); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	// Server resends the same notification; it must be acked again but not
	// delivered or stored twice.
	if err := ns.Sync(ctx); err != nil {
		t.Fatalf("second Sync: %v", err)
	}

	if spy.count() != 1 {
		t.Errorf("%d deliveries, want 1", spy.count())
	}
	stored, _ := db.Notifications(ctx)
	if len(stored) != 1 {
		t.Errorf("%d stored, want 1", len(stored))
	}
	f.mu.Lock()
	acked := f.ackedIDs
	f.mu.Unlock()
	if acked != 2 {
		t.Errorf("%d acknowledge calls, want 2", acked)
	}
}

func TestNotificationSync_unknown_metric_fallback_description(t *testing.T) {
	db := testCore(t)
	ctx := context.Background()

	f := &fakeServer{
		notifications: `[{"uid": "n-1", "metric": "m-unknown", "timestamp": "2020-06-01 12:30:45"}]`,
	}
	bus := &busSpy{}
	spy := &notifierSpy{}
	ns := newNotificationSyncer(t, f, db, bus, spy)

	if err := ns.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	spy.mu.Lock()
	desc := spy.delivered[0].Description
	spy.mu.Unlock()
	if desc != "Anomaly detected at 2020-06-01 12:30 UTC" {
		t.Errorf("fallback description = %q", desc)
	}
}

func TestNotificationSync_empty_is_noop(t *testing.T) {
	db := testCore(t)
	f := &fakeServer{notifications: `[]`}
	bus := &busSpy{}
	spy := &notifierSpy{}
	ns := newNotificationSyncer(t, f, db, bus, spy)

	if err := ns.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if spy.count() != 0 {
		t.Errorf("%d deliveries from empty server, want 0", spy.count())
	}
	f.mu.Lock()
	acked := f.ackedIDs
	f.mu.Unlock()
	if acked != 0 {
		t.Errorf("%d acknowledge calls for empty list, want 0", acked)
	}
}
