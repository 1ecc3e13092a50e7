package persistence

import (
	"DiceLedger/internal/core"
	"DiceLedger/internal/event"
	"DiceLedger/internal/observability"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrReplayDiverged is returned when a replayed command does not reproduce
// the logged sequence or state hash.
var ErrReplayDiverged = errors.New("replay diverged from event log")

// SnapshotManager handles creating and loading state snapshots and reading
// the command log back for recovery.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Snapshots are written unverified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	const formatVersion = int32(1) // v1: JSON-encoded core.SnapshotState

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], formatVersion, len(data), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: save snapshot: %w", err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as usable for recovery.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	if err != nil {
		return fmt.Errorf("postgres: mark snapshot verified: %w", err)
	}
	return nil
}

// LoadCommandsFrom loads logged commands from a given sequence for replay.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, caller, payload,
		       state_hash, prev_hash, block_time
		FROM event_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: load commands: %w", err)
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(
			&c.Sequence, &c.EventType, &c.IdempotencyKey, &c.Caller,
			&c.Payload, &c.StateHash, &c.PrevHash, &c.BlockTime,
		); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.commands`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("postgres: latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// CommandSource yields logged commands in sequence order.
type CommandSource interface {
	LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error)
}

// Replay feeds logged commands from fromSequence to the head of the log
// into the engine. The engine must be in replay mode. Every command must
// land on its logged sequence and reproduce its logged state hash.
func Replay(ctx context.Context, src CommandSource, engine *core.SettlementEngine, fromSequence int64, metrics *observability.Metrics) (int64, error) {
	const batchSize = 1000
	start := time.Now()
	var replayed int64

	for {
		commands, err := src.LoadCommandsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return replayed, fmt.Errorf("load commands from seq %d: %w", fromSequence, err)
		}
		if len(commands) == 0 {
			break
		}

		for _, row := range commands {
			et := event.ParseEventType(row.EventType)
			evt, err := event.DecodeCommand(et, row.Payload)
			if err != nil {
				return replayed, fmt.Errorf("seq %d: %w", row.Sequence, err)
			}

			res, err := engine.ProcessEvent(ctx, evt)
			if err != nil {
				return replayed, fmt.Errorf("%w: seq %d rejected: %v", ErrReplayDiverged, row.Sequence, err)
			}
			if res.Duplicate || res.Ignored != "" || res.Sequence != row.Sequence {
				return replayed, fmt.Errorf("%w: seq %d replayed as %d", ErrReplayDiverged, row.Sequence, res.Sequence)
			}
			hash := engine.GetStateHash()
			if !bytes.Equal(hash[:], row.StateHash) {
				return replayed, fmt.Errorf("%w: state hash mismatch at seq %d", ErrReplayDiverged, row.Sequence)
			}
			replayed++
		}

		fromSequence = commands[len(commands)-1].Sequence + 1
	}

	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	return replayed, nil
}
