// Package dbtest поднимает мигрированную in-memory SQLite для тестов.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"credit-bot/internal/db"
)

var seq atomic.Int64

func New(t testing.TB) *db.Repository {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))

	repo, err := db.NewRepository("sqlite", dsn)
	if err != nil {
		t.Fatalf("failed to create test repository: %v", err)
	}
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}
