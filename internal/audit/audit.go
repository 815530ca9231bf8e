// Package audit keeps an append-only history of lifecycle operations.
// It is never consulted to derive stack state.
package audit

import (
	"log/slog"

	"github.com/web-casa/mcstack/internal/event"
	"github.com/web-casa/mcstack/internal/model"
	"gorm.io/gorm"
)

// Result values stored on each entry.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Recorder writes one AuditLog row per lifecycle event.
type Recorder struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(db *gorm.DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger}
}

// Attach subscribes the recorder to every event on bus.
func (r *Recorder) Attach(bus *event.Bus) (detach func()) {
	return bus.Subscribe("*", r.Record)
}

// Record stores e. Failures are logged and dropped.
func (r *Recorder) Record(e event.Event) {
	entry := model.AuditLog{
		Action:    e.Type,
		StackID:   e.StackID,
		Result:    ResultOK,
		Detail:    e.Detail,
		IP:        e.Source,
		CreatedAt: e.Time,
	}
	if e.Failed() {
		entry.Result = ResultError
		entry.Detail = e.Error
	}
	if err := r.db.Create(&entry).Error; err != nil {
		r.logger.Warn("failed to write audit log", "action", e.Type, "stack_id", e.StackID, "err", err)
	}
}

// List returns one page of entries, newest first, and the total count.
// stackID filters on one stack when positive.
func (r *Recorder) List(page, perPage, stackID int) ([]model.AuditLog, int64, error) {
	q := r.db.Model(&model.AuditLog{})
	if stackID > 0 {
		q = q.Where("stack_id = ?", stackID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	logs := []model.AuditLog{}
	err := q.Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&logs).Error
	return logs, total, err
}
