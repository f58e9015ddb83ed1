package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	store "github.com/marketmind/marketmind/config/storage/sqlite"
	"github.com/marketmind/marketmind/internal/core/domain"
	"github.com/marketmind/marketmind/internal/core/port"
)

const defaultQueryLimit = 100

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike neutralizes LIKE metacharacters so recall input matches
// literally.
func escapeLike(s string) string { return likeEscaper.Replace(s) }

type memoryRepository struct {
	db  *store.DB
	log *zap.Logger

	// mu is the single-writer append queue; readers never take it
	mu sync.Mutex
}

// NewMemoryRepository creates the sqlite-backed memory store
func NewMemoryRepository(db *store.DB, log *zap.Logger) port.MemoryRepository {
	return &memoryRepository{
		db:  db,
		log: log,
	}
}

// Append writes one record, retrying once on storage errors before surfacing.
func (r *memoryRepository) Append(ctx context.Context, record domain.MemoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.insert(ctx, record)
	if err != nil {
		r.log.Warn("Append failed, retrying once",
			zap.String("kind", string(record.Kind())),
			zap.Error(err))
		err = r.insert(ctx, record)
	}
	if err != nil {
		return fmt.Errorf("append %s: %w", record.Kind(), err)
	}
	return nil
}

func (r *memoryRepository) insert(ctx context.Context, record domain.MemoryRecord) error {
	switch rec := record.(type) {
	case *domain.ConversationEntry:
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
		q, args, err := r.db.QueryBuilder.
			Insert("conversations").
			Columns("actor", "message", "related_task_id", "ts").
			Values(rec.Actor, rec.Message, rec.RelatedTaskID, rec.Timestamp).
			ToSql()
		if err != nil {
			return err
		}
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		rec.Seq, _ = res.LastInsertId()
		return nil

	case *domain.CommandLogEntry:
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
		q, args, err := r.db.QueryBuilder.
			Insert("command_log").
			Columns("actor", "raw_command", "parsed_action", "result_summary", "ts").
			Values(rec.Actor, rec.RawCommand, rec.ParsedAction, rec.ResultSummary, rec.Timestamp).
			ToSql()
		if err != nil {
			return err
		}
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		rec.Seq, _ = res.LastInsertId()
		return nil

	case *domain.LearnedFact:
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
		q, args, err := r.db.QueryBuilder.
			Insert("learned_facts").
			Columns("key", "value", "confidence", "source_task_id", "supersedes", "ts").
			Values(rec.Key, rec.Value, rec.Confidence, rec.SourceTaskID, rec.Supersedes, rec.Timestamp).
			ToSql()
		if err != nil {
			return err
		}
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		rec.Seq, _ = res.LastInsertId()
		return nil

	case *domain.EvolutionSnapshot:
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
		deltas, err := json.Marshal(rec.Deltas)
		if err != nil {
			return err
		}
		q, args, err := r.db.QueryBuilder.
			Insert("evolution_snapshots").
			Columns("cycle_number", "deltas", "ts").
			Values(rec.CycleNumber, string(deltas), rec.Timestamp).
			ToSql()
		if err != nil {
			return err
		}
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		rec.Seq, _ = res.LastInsertId()
		return nil

	default:
		return fmt.Errorf("unknown record kind %T", record)
	}
}

// applyFilter narrows a select by the shared filter fields.
func applyFilter(b squirrel.SelectBuilder, f domain.MemoryFilter) squirrel.SelectBuilder {
	if f.Actor != "" {
		b = b.Where(squirrel.Eq{"actor": f.Actor})
	}
	if !f.Since.IsZero() {
		b = b.Where(squirrel.GtOrEq{"ts": f.Since})
	}
	if !f.Until.IsZero() {
		b = b.Where(squirrel.LtOrEq{"ts": f.Until})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	return b.OrderBy("seq DESC").Limit(uint64(limit))
}

func (r *memoryRepository) QueryConversations(ctx context.Context, f domain.MemoryFilter) ([]*domain.ConversationEntry, error) {
	b := r.db.QueryBuilder.
		Select("seq", "actor", "message", "related_task_id", "ts").
		From("conversations")
	if f.RelatedTaskID != "" {
		b = b.Where(squirrel.Eq{"related_task_id": f.RelatedTaskID})
	}
	q, args, err := applyFilter(b, f).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ConversationEntry
	for rows.Next() {
		var e domain.ConversationEntry
		if err := rows.Scan(&e.Seq, &e.Actor, &e.Message, &e.RelatedTaskID, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *memoryRepository) QueryCommandLog(ctx context.Context, f domain.MemoryFilter) ([]*domain.CommandLogEntry, error) {
	b := r.db.QueryBuilder.
		Select("seq", "actor", "raw_command", "parsed_action", "result_summary", "ts").
		From("command_log")
	q, args, err := applyFilter(b, f).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.CommandLogEntry
	for rows.Next() {
		var e domain.CommandLogEntry
		if err := rows.Scan(&e.Seq, &e.Actor, &e.RawCommand, &e.ParsedAction, &e.ResultSummary, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *memoryRepository) QueryFacts(ctx context.Context, f domain.MemoryFilter) ([]*domain.LearnedFact, error) {
	b := r.db.QueryBuilder.
		Select("seq", "key", "value", "confidence", "source_task_id", "supersedes", "ts").
		From("learned_facts")
	if f.FactKey != "" {
		b = b.Where(squirrel.Eq{"key": f.FactKey})
	}
	if f.RelatedTaskID != "" {
		b = b.Where(squirrel.Eq{"source_task_id": f.RelatedTaskID})
	}
	q, args, err := applyFilter(b, f).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.LearnedFact
	for rows.Next() {
		var e domain.LearnedFact
		if err := rows.Scan(&e.Seq, &e.Key, &e.Value, &e.Confidence, &e.SourceTaskID, &e.Supersedes, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *memoryRepository) QuerySnapshots(ctx context.Context, f domain.MemoryFilter) ([]*domain.EvolutionSnapshot, error) {
	b := r.db.QueryBuilder.
		Select("seq", "cycle_number", "deltas", "ts").
		From("evolution_snapshots")
	q, args, err := applyFilter(b, f).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.EvolutionSnapshot
	for rows.Next() {
		var e domain.EvolutionSnapshot
		var deltas string
		if err := rows.Scan(&e.Seq, &e.CycleNumber, &deltas, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(deltas), &e.Deltas); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// latestFact returns the newest fact for an exact key regardless of confidence.
func (r *memoryRepository) latestFact(ctx context.Context, key string) (*domain.LearnedFact, error) {
	q, args, err := r.db.QueryBuilder.
		Select("seq", "key", "value", "confidence", "source_task_id", "supersedes", "ts").
		From("learned_facts").
		Where(squirrel.Eq{"key": key}).
		OrderBy("seq DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}

	var e domain.LearnedFact
	row := r.db.QueryRowContext(ctx, q, args...)
	if err := row.Scan(&e.Seq, &e.Key, &e.Value, &e.Confidence, &e.SourceTaskID, &e.Supersedes, &e.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Recall tries the exact fact key first, then substring search over fact
// values and conversation messages. Tombstoned keys (latest entry at
// confidence 0) are absent everywhere.
func (r *memoryRepository) Recall(ctx context.Context, keyOrText string) (*domain.LearnedFact, error) {
	fact, err := r.latestFact(ctx, keyOrText)
	if err == nil {
		if fact.Confidence > 0 {
			return fact, nil
		}
		// Exact key exists but is tombstoned.
		return nil, domain.ErrNotFound
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	pattern := "%" + escapeLike(keyOrText) + "%"

	// Substring over fact values, newest-then-best-confidence wins. The
	// subquery keeps only each key's latest, live entry.
	factQuery := `
		SELECT seq, key, value, confidence, source_task_id, supersedes, ts
		FROM learned_facts lf
		WHERE lf.value LIKE ? ESCAPE '\'
		  AND lf.confidence > 0
		  AND lf.seq = (SELECT MAX(seq) FROM learned_facts WHERE key = lf.key)
		ORDER BY lf.confidence DESC, lf.seq DESC
		LIMIT 1`

	var e domain.LearnedFact
	row := r.db.QueryRowContext(ctx, factQuery, pattern)
	err = row.Scan(&e.Seq, &e.Key, &e.Value, &e.Confidence, &e.SourceTaskID, &e.Supersedes, &e.Timestamp)
	if err == nil {
		return &e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// Fall back to conversation messages, surfaced as a low-confidence fact.
	convQuery := `
		SELECT message, related_task_id, ts
		FROM conversations
		WHERE message LIKE ? ESCAPE '\'
		ORDER BY seq DESC
		LIMIT 1`

	var msg, taskID string
	var ts time.Time
	row = r.db.QueryRowContext(ctx, convQuery, pattern)
	if err := row.Scan(&msg, &taskID, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &domain.LearnedFact{
		Key:          keyOrText,
		Value:        msg,
		Confidence:   0.1,
		SourceTaskID: taskID,
		Timestamp:    ts,
	}, nil
}

// Forget appends a confidence-0 tombstone superseding the latest live fact.
func (r *memoryRepository) Forget(ctx context.Context, key string) error {
	prior, err := r.latestFact(ctx, key)
	if err != nil {
		return err
	}
	if prior.Confidence == 0 {
		// Already tombstoned.
		return domain.ErrNotFound
	}

	tombstone := &domain.LearnedFact{
		Key:        key,
		Value:      prior.Value,
		Confidence: 0,
		Supersedes: prior.Seq,
	}
	return r.Append(ctx, tombstone)
}

// Prune removes records older than horizon across every kind.
func (r *memoryRepository) Prune(ctx context.Context, horizon time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for _, table := range []string{"conversations", "command_log", "learned_facts", "evolution_snapshots"} {
		q, args, err := r.db.QueryBuilder.
			Delete(table).
			Where(squirrel.Lt{"ts": horizon}).
			ToSql()
		if err != nil {
			return total, err
		}
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Stats reports counts per record kind and the store size in bytes.
func (r *memoryRepository) Stats(ctx context.Context) (*domain.MemoryStats, error) {
	stats := &domain.MemoryStats{Counts: make(map[domain.RecordKind]int64)}

	tables := map[domain.RecordKind]string{
		domain.RecordKindConversation: "conversations",
		domain.RecordKindCommandLog:   "command_log",
		domain.RecordKindFact:         "learned_facts",
		domain.RecordKindSnapshot:     "evolution_snapshots",
	}
	for kind, table := range tables {
		var n int64
		if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, err
		}
		stats.Counts[kind] = n
	}

	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks_archive").Scan(&stats.Tasks); err != nil {
		return nil, err
	}

	if err := r.db.QueryRowContext(ctx,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").
		Scan(&stats.SizeBytes); err != nil {
		return nil, err
	}
	return stats, nil
}
