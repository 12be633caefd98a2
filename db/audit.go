// Package db provides an optional, best-effort audit-trail sink for run
// lifecycle events. It mirrors transitions the Run Registry already
// persists authoritatively in the Object Store; this table exists purely
// so operators with a Postgres instance can query run history with SQL.
// It is never consulted for correctness — the Object Store remains the
// single source of truth.
package db

import (
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// RunEvent is one append-only row recording a run's transition into a new
// status, mirroring the field a runregistry.Run carries at that moment.
type RunEvent struct {
	gorm.Model
	RunID    string `gorm:"index"`
	Status   string
	Progress int
	Message  string
	Error    string
}

// AuditSink writes RunEvent rows on a best-effort basis. A nil *AuditSink
// is valid and every method becomes a no-op, so callers can wire it
// unconditionally and skip it entirely when no DSN is configured.
type AuditSink struct {
	db  *gorm.DB
	log *logrus.Entry
}

// NewAuditSink opens a Postgres connection and migrates the run_events
// table. Returns (nil, nil) when dsn is empty, the signal that the audit
// sink is disabled for this deployment.
func NewAuditSink(dsn string, log *logrus.Entry) (*AuditSink, error) {
	if dsn == "" {
		return nil, nil
	}

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := gdb.AutoMigrate(&RunEvent{}); err != nil {
		return nil, err
	}

	return &AuditSink{db: gdb, log: log}, nil
}

// Record appends one audit row. Failures are logged and swallowed: the
// audit trail is a convenience, not a dependency of the request path.
func (a *AuditSink) Record(runID, status string, progress int, message, errText string) {
	if a == nil {
		return
	}
	event := RunEvent{RunID: runID, Status: status, Progress: progress, Message: message, Error: errText}
	if err := a.db.Create(&event).Error; err != nil && a.log != nil {
		a.log.WithError(err).WithField("run_id", runID).Warn("audit sink write failed")
	}
}

// History returns every recorded event for a run, oldest first, for
// operators inspecting a run's lifecycle via SQL-adjacent tooling.
func (a *AuditSink) History(runID string) ([]RunEvent, error) {
	if a == nil {
		return nil, nil
	}
	var events []RunEvent
	err := a.db.Where("run_id = ?", runID).Order("created_at asc").Find(&events).Error
	return events, err
}

// Close releases the underlying connection pool.
func (a *AuditSink) Close() error {
	if a == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
