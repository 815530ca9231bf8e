package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web-casa/mcstack/internal/model"
)

func TestInitMigratesAuditLog(t *testing.T) {
	db, err := Init(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer Close(db)

	require.NoError(t, db.Create(&model.AuditLog{Action: "stack.created", StackID: 1, Result: "ok"}).Error)

	var count int64
	db.Model(&model.AuditLog{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestInitBadPath(t *testing.T) {
	_, err := Init(filepath.Join(t.TempDir(), "missing", "dir", "audit.db"))
	assert.Error(t, err)
}
