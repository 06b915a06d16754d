package sync

import (
	"context"
	"testing"

	"github.com/Fai/poc-coffee-quality-management/internal/entity"
)

func TestConflictCreationIsIdempotentPerEntity(t *testing.T) {
	service, db := newTestService(t, []string{"conflict-1", "conflict-2"})
	tenantID := mustTenantID(t, "tenant-1")
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	seedEntity(t, service, userID, tenantID, "lots", "lot-1", `{"name":"v1"}`)
	mustApplyUpdate(t, service, userID, tenantID, "lots", "lot-1", 1, `{"name":"v2"}`)

	stalePush := func(payload string) *ConflictRecord {
		outcomes, err := service.ApplyChanges(ctx, userID, tenantID, []PendingChange{{
			EntityType:  mustType(t, "lots"),
			EntityID:    mustEntityID(t, "lot-1"),
			Operation:   entity.OperationUpdate,
			BaseVersion: 1,
			PayloadJSON: payload,
		}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcomes[0].Status != ApplyStatusConflict {
			t.Fatalf("expected conflict, got %s", outcomes[0].Status)
		}
		return outcomes[0].Conflict
	}

	first := stalePush(`{"name":"attempt-1"}`)
	second := stalePush(`{"name":"attempt-2"}`)

	if first.ConflictID != second.ConflictID {
		t.Fatalf("re-detection must reuse the pending conflict, got %s and %s", first.ConflictID, second.ConflictID)
	}
	if second.LocalPayloadJSON != `{"name":"attempt-2"}` {
		t.Fatalf("pending conflict must keep the most recent local attempt, got %s", second.LocalPayloadJSON)
	}

	var count int64
	if err := db.Model(&ConflictRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count conflicts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single pending conflict row, got %d", count)
	}
}

func TestResolveConflictServerKeepsState(t *testing.T) {
	service, _ := newTestService(t, []string{"conflict-1"})
	tenantID := mustTenantID(t, "tenant-1")
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	conflict := makeConflict(t, service, userID, tenantID, "lot-1")

	record, err := service.ResolveConflict(ctx, userID, conflict.ConflictID, ResolutionServer, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != ConflictStatusResolvedServer {
		t.Fatalf("expected resolved_server, got %s", record.Status)
	}
	if record.ResolvedPayloadJSON != record.ServerPayloadJSON {
		t.Fatalf("server resolution must settle on the server payload")
	}

	latest, err := service.LatestVersion(ctx, tenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest != 2 {
		t.Fatalf("server resolution must not draw a new version, latest is %d", latest)
	}
}

func TestResolveConflictMergedAdvancesEntity(t *testing.T) {
	service, db := newTestService(t, []string{"conflict-1"})
	tenantID := mustTenantID(t, "tenant-1")
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	conflict := makeConflict(t, service, userID, tenantID, "lot-42")

	record, err := service.ResolveConflict(ctx, userID, conflict.ConflictID, ResolutionMerged, `{"name":"merged"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != ConflictStatusResolvedMerged {
		t.Fatalf("expected resolved_merged, got %s", record.Status)
	}

	var row entity.Record
	if err := db.Where("entity_id = ?", "lot-42").Take(&row).Error; err != nil {
		t.Fatalf("failed to load entity: %v", err)
	}
	if row.PayloadJSON != `{"name":"merged"}` {
		t.Fatalf("merged payload not applied, got %s", row.PayloadJSON)
	}
	if row.EntityVersion != 3 {
		t.Fatalf("merged resolution must draw a new version, got %d", row.EntityVersion)
	}

	var logEntry ChangeLogEntry
	if err := db.Where("entity_version = ?", 3).Take(&logEntry).Error; err != nil {
		t.Fatalf("resolution must append a log entry: %v", err)
	}
	if logEntry.Operation != entity.OperationUpdate {
		t.Fatalf("unexpected resolution log operation %s", logEntry.Operation)
	}
}

func TestResolveConflictLocalAppliesClientPayload(t *testing.T) {
	service, db := newTestService(t, []string{"conflict-1"})
	tenantID := mustTenantID(t, "tenant-1")
	userID := mustUserID(t, "user-1")

	conflict := makeConflict(t, service, userID, tenantID, "lot-1")

	record, err := service.ResolveConflict(context.Background(), userID, conflict.ConflictID, ResolutionLocal, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != ConflictStatusResolvedLocal {
		t.Fatalf("expected resolved_local, got %s", record.Status)
	}

	var row entity.Record
	if err := db.Where("entity_id = ?", "lot-1").Take(&row).Error; err != nil {
		t.Fatalf("failed to load entity: %v", err)
	}
	if row.PayloadJSON != conflict.LocalPayloadJSON {
		t.Fatalf("local resolution must apply the client payload, got %s", row.PayloadJSON)
	}
}

func TestResolveConflictTwiceIsNoOp(t *testing.T) {
	service, _ := newTestService(t, []string{"conflict-1"})
	tenantID := mustTenantID(t, "tenant-1")
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	conflict := makeConflict(t, service, userID, tenantID, "lot-1")

	first, err := service.ResolveConflict(ctx, userID, conflict.ConflictID, ResolutionMerged, `{"name":"merged"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := service.ResolveConflict(ctx, userID, conflict.ConflictID, ResolutionLocal, "")
	if err != nil {
		t.Fatalf("second resolve should be a no-op, got error: %v", err)
	}
	if second.Status != first.Status {
		t.Fatalf("terminal conflict changed status from %s to %s", first.Status, second.Status)
	}
	if second.ResolvedPayloadJSON != first.ResolvedPayloadJSON {
		t.Fatalf("terminal conflict payload mutated on second resolve")
	}

	latest, err := service.LatestVersion(ctx, tenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest != 3 {
		t.Fatalf("second resolve must not draw versions, latest is %d", latest)
	}
}

func TestResolveUnknownConflictFails(t *testing.T) {
	service, _ := newTestService(t, nil)
	userID := mustUserID(t, "user-1")

	if _, err := service.ResolveConflict(context.Background(), userID, "missing", ResolutionServer, ""); err == nil {
		t.Fatalf("expected error for unknown conflict id")
	}
}

// TestTwoDeviceDivergence walks the canonical two-device scenario: device B
// pushes on the shared base first, device A's later push on the same base
// conflicts, and a merged resolution advances the entity once more.
func TestTwoDeviceDivergence(t *testing.T) {
	service, _ := newTestService(t, []string{"conflict-1"})
	tenantID := mustTenantID(t, "tenant-1")
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	seedEntity(t, service, userID, tenantID, "lots", "lot-42", `{"name":"base"}`)
	deviceA := mustDeviceID(t, "device-a")

	// Device A pulls the base state and bookmarks it.
	changes, err := service.GetChangesSince(ctx, tenantID, 0, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	baseVersion := changes[len(changes)-1].EntityVersion
	if err := service.AdvanceCursor(ctx, userID, deviceA, baseVersion); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Device B pushes first on the same base.
	mustApplyUpdate(t, service, userID, tenantID, "lots", "lot-42", baseVersion, `{"name":"device-b"}`)

	// Device A pushes on the now-stale base.
	outcomes, err := service.ApplyChanges(ctx, userID, tenantID, []PendingChange{{
		EntityType:  mustType(t, "lots"),
		EntityID:    mustEntityID(t, "lot-42"),
		Operation:   entity.OperationUpdate,
		BaseVersion: baseVersion,
		PayloadJSON: `{"name":"device-a"}`,
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcomes[0].Status != ApplyStatusConflict {
		t.Fatalf("expected device A push to conflict, got %s", outcomes[0].Status)
	}
	if outcomes[0].Conflict.ServerVersion != baseVersion+1 {
		t.Fatalf("conflict must reference server version %d, got %d", baseVersion+1, outcomes[0].Conflict.ServerVersion)
	}

	record, err := service.ResolveConflict(ctx, userID, outcomes[0].Conflict.ConflictID, ResolutionMerged, `{"name":"merged"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != ConflictStatusResolvedMerged {
		t.Fatalf("expected resolved_merged, got %s", record.Status)
	}

	latest, err := service.LatestVersion(ctx, tenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest != baseVersion+2 {
		t.Fatalf("expected merged resolution at version %d, got %d", baseVersion+2, latest)
	}
}

// makeConflict seeds an entity at version 2 and forces a stale push, leaving
// one pending conflict whose record it returns.
func makeConflict(t *testing.T, service *Service, userID entity.UserID, tenantID entity.TenantID, entityID string) *ConflictRecord {
	t.Helper()
	seedEntity(t, service, userID, tenantID, "lots", entityID, `{"name":"v1"}`)
	mustApplyUpdate(t, service, userID, tenantID, "lots", entityID, 1, `{"name":"v2"}`)

	outcomes, err := service.ApplyChanges(context.Background(), userID, tenantID, []PendingChange{{
		EntityType:  mustType(t, "lots"),
		EntityID:    mustEntityID(t, entityID),
		Operation:   entity.OperationUpdate,
		BaseVersion: 1,
		PayloadJSON: `{"name":"local-edit"}`,
	}})
	if err != nil {
		t.Fatalf("failed to force conflict: %v", err)
	}
	if outcomes[0].Status != ApplyStatusConflict || outcomes[0].Conflict == nil {
		t.Fatalf("expected pending conflict, got %s", outcomes[0].Status)
	}
	return outcomes[0].Conflict
}

func mustApplyUpdate(t *testing.T, service *Service, userID entity.UserID, tenantID entity.TenantID, entityType, entityID string, baseVersion int64, payload string) {
	t.Helper()
	outcomes, err := service.ApplyChanges(context.Background(), userID, tenantID, []PendingChange{{
		EntityType:  mustType(t, entityType),
		EntityID:    mustEntityID(t, entityID),
		Operation:   entity.OperationUpdate,
		BaseVersion: baseVersion,
		PayloadJSON: payload,
	}})
	if err != nil {
		t.Fatalf("failed to apply update: %v", err)
	}
	if outcomes[0].Status != ApplyStatusApplied {
		t.Fatalf("update was not applied: %s", outcomes[0].Status)
	}
}
