package sync

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Fai/poc-coffee-quality-management/internal/entity"
	"github.com/Fai/poc-coffee-quality-management/internal/version"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:cqm_sync_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&entity.Record{}, &ChangeLogEntry{}, &ConflictRecord{}, &DeviceCursor{}, &version.Counter{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	generator := &staticIDGenerator{ids: ids}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, db
}

func mustTenantID(t *testing.T, value string) entity.TenantID {
	t.Helper()
	id, err := entity.NewTenantID(value)
	if err != nil {
		t.Fatalf("unexpected tenant id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) entity.UserID {
	t.Helper()
	id, err := entity.NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustDeviceID(t *testing.T, value string) entity.DeviceID {
	t.Helper()
	id, err := entity.NewDeviceID(value)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return id
}

func mustEntityID(t *testing.T, value string) entity.EntityID {
	t.Helper()
	id, err := entity.NewEntityID(value)
	if err != nil {
		t.Fatalf("unexpected entity id error: %v", err)
	}
	return id
}

func mustType(t *testing.T, value string) entity.Type {
	t.Helper()
	typ, err := entity.NewType(value)
	if err != nil {
		t.Fatalf("unexpected entity type error: %v", err)
	}
	return typ
}
