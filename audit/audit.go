// Package audit is the gorm-backed durable secondary record of key
// lifecycle events: sqlite or mysql by config, the same as any other
// gorm-backed store, but holding an audit trail rather than the
// primary rotation state (which lives in the state package's JSON
// document).
package audit

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DBConfig carries the subset of config.Settings the audit ledger
// needs, kept narrow so this package doesn't import config directly.
type DBConfig struct {
	DBType                   string
	DBConnectionStringSqlite string
	MySQLHost                string
	MySQLPort                string
	MySQLDBName              string
	MySQLUser                string
	MySQLPassword            string
}

// Ledger is the audit trail, backed by a gorm.DB.
type Ledger struct {
	db  *gorm.DB
	log *logrus.Logger
}

// Open connects to the configured database and migrates the Event
// table.
func Open(cfg DBConfig, log *logrus.Logger) (*Ledger, error) {
	var dsn string
	var dialector gorm.Dialector

	switch cfg.DBType {
	case "sqlite":
		dsn = cfg.DBConnectionStringSqlite
		dialector = sqlite.Open(dsn)
	case "mysql":
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.MySQLUser, cfg.MySQLPassword, cfg.MySQLHost, cfg.MySQLPort, cfg.MySQLDBName)
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("audit: unsupported db type %q", cfg.DBType)
	}

	gormLogLevel := gormlogger.Silent
	if log != nil && log.GetLevel() >= logrus.DebugLevel {
		gormLogLevel = gormlogger.Info
	}
	newLogger := gormlogger.New(log, gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormLogLevel,
		IgnoreRecordNotFoundError: true,
	})

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, fmt.Errorf("audit: connect to %s: %w", cfg.DBType, err)
	}

	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("audit: migrate schema: %w", err)
	}

	return &Ledger{db: db, log: log}, nil
}

// RecordEvent implements pipeline.AuditRecorder: a best-effort,
// fire-and-forget durable log entry. Failures are logged, never
// surfaced to the request path.
func (l *Ledger) RecordEvent(label, kind, detail string) {
	event := Event{Label: label, Kind: kind, Detail: detail}
	if err := l.db.Create(&event).Error; err != nil && l.log != nil {
		l.log.WithError(err).Warnf("audit: failed to record %s event for %s", kind, label)
	}
}

// RecentEvents returns the most recent n events, newest first, for
// the admin dashboard.
func (l *Ledger) RecentEvents(n int) ([]Event, error) {
	var events []Event
	err := l.db.Order("created_at desc").Limit(n).Find(&events).Error
	return events, err
}

// EventsForLabel returns up to n recorded events for label, newest
// first.
func (l *Ledger) EventsForLabel(label string, n int) ([]Event, error) {
	var events []Event
	err := l.db.Where("label = ?", label).Order("created_at desc").Limit(n).Find(&events).Error
	return events, err
}
