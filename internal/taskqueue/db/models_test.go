package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "models_test.db")
	gormDB, err := gorm.Open(sqlite.Open(dbFile), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Failed to connect to test database")
	require.NoError(t, gormDB.AutoMigrate(&ScheduleEntry{}, &Task{}), "Failed to migrate test database")
	return gormDB
}

func TestTaskCRUD(t *testing.T) {
	gormDB := setupTestDB(t)

	runAt := time.Now().Add(time.Hour)
	task := Task{
		Kind:        "echo",
		Params:      `{"message":"hi"}`,
		Status:      StatusPending,
		Priority:    DefaultPriority,
		ScheduledAt: &runAt,
	}
	result := gormDB.Create(&task)
	assert.NoError(t, result.Error)
	assert.NotZero(t, task.ID)

	var fetched Task
	result = gormDB.First(&fetched, task.ID)
	assert.NoError(t, result.Error)
	assert.Equal(t, task.Kind, fetched.Kind)
	assert.Equal(t, StatusPending, fetched.Status)
	require.NotNil(t, fetched.ScheduledAt)
	assert.Equal(t, runAt.Unix(), fetched.ScheduledAt.Unix())

	fetched.Status = StatusInProgress
	result = gormDB.Save(&fetched)
	assert.NoError(t, result.Error)

	var updated Task
	gormDB.First(&updated, fetched.ID)
	assert.Equal(t, StatusInProgress, updated.Status)
}

func TestScheduleEntryCRUD(t *testing.T) {
	gormDB := setupTestDB(t)

	entry := ScheduleEntry{
		Name:           "nightly-cleanup",
		Description:    "A test entry",
		Kind:           "script",
		Params:         `{"code":"echo hi"}`,
		Priority:       DefaultPriority,
		CronExpression: "0 0 * * *",
	}
	result := gormDB.Create(&entry)
	assert.NoError(t, result.Error)
	assert.NotZero(t, entry.ID)

	var fetched ScheduleEntry
	result = gormDB.First(&fetched, entry.ID)
	assert.NoError(t, result.Error)
	assert.Equal(t, entry.Name, fetched.Name)
	assert.Equal(t, entry.CronExpression, fetched.CronExpression)

	result = gormDB.Delete(&fetched)
	assert.NoError(t, result.Error)

	var deleted ScheduleEntry
	result = gormDB.First(&deleted, entry.ID)
	assert.Error(t, result.Error)
	assert.Equal(t, gorm.ErrRecordNotFound, result.Error)
}

func TestScheduleEntryNameIsUnique(t *testing.T) {
	gormDB := setupTestDB(t)

	first := ScheduleEntry{Name: "dup", Kind: "echo"}
	require.NoError(t, gormDB.Create(&first).Error)

	second := ScheduleEntry{Name: "dup", Kind: "echo"}
	assert.Error(t, gormDB.Create(&second).Error)
}

func TestTerminal(t *testing.T) {
	for status, terminal := range map[string]bool{
		StatusPending:    false,
		StatusInProgress: false,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	} {
		task := Task{Status: status}
		assert.Equal(t, terminal, task.Terminal(), "status %s", status)
	}
}
