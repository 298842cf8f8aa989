// Package journal stores negotiation events for later inspection.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/pion/logging"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrUnsupportedDSN = errors.New("journal: unsupported dsn")

// Entry is one recorded event.
type Entry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PeerID    string    `gorm:"index" json:"peerId"`
	Kind      string    `gorm:"index" json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Store struct {
	db  *gorm.DB
	log logging.LeveledLogger
}

// Open connects to dsn: "memory", "sqlite://<path>" or a postgres URL.
func Open(dsn string, lf logging.LoggerFactory) (*Store, error) {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Store{db: db, log: lf.NewLogger("journal")}, nil
}

func OpenMemory(lf logging.LoggerFactory) (*Store, error) { return Open("memory", lf) }

func dialectorFor(dsn string) (gorm.Dialector, error) {
	switch {
	case dsn == "" || dsn == "memory":
		// Each in-memory store gets its own shared-cache database.
		name := "file:journal-" + uuid.NewString() + "?mode=memory&cache=shared"
		return sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: name}), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: strings.TrimPrefix(dsn, "sqlite://")}), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnsupportedDSN, dsn)
}

// Record stores an event. Failures are logged, never returned.
func (s *Store) Record(peerID, kind, detail string) {
	e := Entry{PeerID: peerID, Kind: kind, Detail: detail}
	if err := s.db.Create(&e).Error; err != nil {
		s.log.Warnf("[%s] record %s: %v", peerID, kind, err)
	}
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var out []Entry
	err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

func (s *Store) ForPeer(ctx context.Context, peerID string, limit int) ([]Entry, error) {
	var out []Entry
	err := s.db.WithContext(ctx).Where("peer_id = ?", peerID).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

func (s *Store) Count(ctx context.Context, kind string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Entry{}).Where("kind = ?", kind).Count(&n).Error
	return n, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
