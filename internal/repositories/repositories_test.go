package repositories

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chatline-io/chatline/internal/db"
)

// openTestDB opens a throwaway SQLite database with migrations applied.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

func TestAgentCreateRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	repo := NewAgentRepository(openTestDB(t))

	a := &db.Agent{Name: "alice", Password: "x", Capacity: 5, Enabled: true}
	require.NoError(t, repo.Create(ctx, a))

	dup := &db.Agent{Name: "alice", Password: "y", Capacity: 5, Enabled: true}
	assert.ErrorIs(t, repo.Create(ctx, dup), ErrConflict)

	got, err := repo.GetByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = repo.GetByName(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCustomerUpsert(t *testing.T) {
	ctx := context.Background()
	repo := NewCustomerRepository(openTestDB(t))

	first, err := repo.Upsert(ctx, "visitor-1", CustomerAttrs{
		Locale:  "de-DE",
		Browser: "firefox",
	})
	require.NoError(t, err)
	assert.Equal(t, "de-DE", first.Locale)

	// A reconnect with empty attrs refreshes activity but keeps stored values.
	again, err := repo.Upsert(ctx, "visitor-1", CustomerAttrs{})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	stored, err := repo.GetByVisitorID(ctx, "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, "de-DE", stored.Locale)
	assert.Equal(t, "firefox", stored.Browser)

	// Non-empty attrs overwrite.
	_, err = repo.Upsert(ctx, "visitor-1", CustomerAttrs{Browser: "chrome"})
	require.NoError(t, err)
	stored, err = repo.GetByVisitorID(ctx, "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, "chrome", stored.Browser)
	assert.Equal(t, "de-DE", stored.Locale)
}
