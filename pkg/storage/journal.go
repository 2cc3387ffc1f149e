package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/protocol"
)

// Exchange directions
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

const (
	// DefaultRecentLimit caps list queries that pass no limit
	DefaultRecentLimit = 50

	cleanupInterval = time.Hour
)

// Exchange is one journaled exchange
type Exchange struct {
	ID            string // UUID, assigned by Record when empty
	Direction     string
	CorrelationID uint32
	Peer          protocol.DeviceAddress
	Outcome       protocol.Outcome
	Payload       []byte // Delivered or sent payload, nil otherwise
	CreatedAt     time.Time
}

// JournalConfig configures a journal
type JournalConfig struct {
	Retention time.Duration // Records older than this are purged hourly, zero keeps everything
	Logger    *zap.Logger
}

// Journal records finished exchanges in SQLite
type Journal struct {
	db        *sql.DB
	retention time.Duration
	logger    *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenJournal opens or creates the journal database at path
func OpenJournal(path string, config *JournalConfig) (*Journal, error) {
	if config == nil {
		config = &JournalConfig{}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Journal{
		db:        db,
		retention: config.Retention,
		logger:    logger,
		done:      make(chan struct{}),
	}

	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	if j.retention > 0 {
		j.wg.Add(1)
		go j.cleanupLoop()
	}

	return j, nil
}

// initSchema creates the database schema
func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		correlation_id INTEGER NOT NULL,
		peer TEXT NOT NULL,
		outcome TEXT NOT NULL,
		payload BLOB,
		created_at INTEGER NOT NULL
	);

	-- Index for listing newest first
	CREATE INDEX IF NOT EXISTS idx_exchanges_created ON exchanges(created_at);

	-- Index for inbox queries
	CREATE INDEX IF NOT EXISTS idx_exchanges_outcome ON exchanges(outcome, created_at);
	`

	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record stores e, filling in its ID and CreatedAt when unset
func (j *Journal) Record(ctx context.Context, e *Exchange) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO exchanges (id, direction, correlation_id, peer, outcome, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := j.db.ExecContext(ctx, query,
		e.ID, e.Direction, int64(e.CorrelationID), e.Peer.String(), e.Outcome.String(),
		e.Payload, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record exchange: %w", err)
	}
	return nil
}

// Recent returns up to limit exchanges, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]*Exchange, error) {
	query := `
		SELECT id, direction, correlation_id, peer, outcome, payload, created_at
		FROM exchanges
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	return j.query(ctx, query, normalizeLimit(limit))
}

// Delivered returns up to limit received payloads, newest first
func (j *Journal) Delivered(ctx context.Context, limit int) ([]*Exchange, error) {
	query := `
		SELECT id, direction, correlation_id, peer, outcome, payload, created_at
		FROM exchanges
		WHERE direction = ? AND outcome = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	return j.query(ctx, query, DirectionReceive, protocol.OutcomeDelivered.String(), normalizeLimit(limit))
}

// Get returns the exchange with the given id, or sql.ErrNoRows
func (j *Journal) Get(ctx context.Context, id string) (*Exchange, error) {
	query := `
		SELECT id, direction, correlation_id, peer, outcome, payload, created_at
		FROM exchanges
		WHERE id = ?
	`
	exchanges, err := j.query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(exchanges) == 0 {
		return nil, sql.ErrNoRows
	}
	return exchanges[0], nil
}

// CountByOutcome returns the number of exchanges per direction and outcome,
// keyed "direction/outcome".
func (j *Journal) CountByOutcome(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT direction, outcome, COUNT(*)
		FROM exchanges
		GROUP BY direction, outcome
	`

	rows, err := j.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count exchanges: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var direction, outcome string
		var count int
		if err := rows.Scan(&direction, &outcome, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[direction+"/"+outcome] = count
	}
	return counts, rows.Err()
}

// Purge deletes exchanges recorded before olderThan
func (j *Journal) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, `DELETE FROM exchanges WHERE created_at < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge exchanges: %w", err)
	}
	return result.RowsAffected()
}

// Close stops the cleanup loop and closes the database
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}

func (j *Journal) query(ctx context.Context, query string, args ...interface{}) ([]*Exchange, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exchanges: %w", err)
	}
	defer rows.Close()

	var exchanges []*Exchange
	for rows.Next() {
		var (
			e             Exchange
			correlationID int64
			peer, outcome string
			createdAt     int64
		)
		if err := rows.Scan(&e.ID, &e.Direction, &correlationID, &peer, &outcome, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}

		e.CorrelationID = uint32(correlationID)
		e.CreatedAt = time.Unix(0, createdAt)
		if e.Peer, err = protocol.ParseDeviceAddress(peer); err != nil {
			return nil, fmt.Errorf("exchange %s: %w", e.ID, err)
		}
		o, ok := protocol.ParseOutcome(outcome)
		if !ok {
			return nil, fmt.Errorf("exchange %s: unknown outcome %q", e.ID, outcome)
		}
		e.Outcome = o

		exchanges = append(exchanges, &e)
	}
	return exchanges, rows.Err()
}

// cleanupLoop periodically purges exchanges past the retention window
func (j *Journal) cleanupLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
		}

		count, err := j.Purge(context.Background(), time.Now().Add(-j.retention))
		if err != nil {
			j.logger.Warn("Failed to purge journal", zap.Error(err))
			continue
		}
		if count > 0 {
			j.logger.Info("Purged expired exchanges", zap.Int64("count", count))
		}
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return limit
}
