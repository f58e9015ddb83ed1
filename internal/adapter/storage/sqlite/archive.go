package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	store "github.com/marketmind/marketmind/config/storage/sqlite"
	"github.com/marketmind/marketmind/internal/core/domain"
	"github.com/marketmind/marketmind/internal/core/port"
)

type taskArchive struct {
	db  *store.DB
	log *zap.Logger
}

// NewTaskArchive creates the sqlite-backed archive of terminal tasks
func NewTaskArchive(db *store.DB, log *zap.Logger) port.TaskArchive {
	return &taskArchive{
		db:  db,
		log: log,
	}
}

func (a *taskArchive) Archive(ctx context.Context, task *domain.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return err
	}
	result := ""
	if task.Result != nil {
		raw, err := json.Marshal(task.Result)
		if err != nil {
			return err
		}
		result = string(raw)
	}

	q, args, err := a.db.QueryBuilder.
		Insert("tasks_archive").
		Columns("id", "type", "payload", "priority", "cycle_id", "status",
			"assigned_agent", "attempt_count", "result", "error", "created_at", "updated_at").
		Values(task.ID, task.Type, string(payload), task.Priority, task.CycleID, task.Status,
			task.AssignedAgent, task.AttemptCount, result, task.Error, task.CreatedAt, task.UpdatedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET status = excluded.status, attempt_count = excluded.attempt_count, result = excluded.result, error = excluded.error, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx, q, args...); err != nil {
		a.log.Error("Failed to archive task", zap.String("task_id", task.ID), zap.Error(err))
		return err
	}
	return nil
}

func (a *taskArchive) RecentTerminal(ctx context.Context, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	q, args, err := a.db.QueryBuilder.
		Select("id", "type", "payload", "priority", "cycle_id", "status",
			"assigned_agent", "attempt_count", "result", "error", "created_at", "updated_at").
		From("tasks_archive").
		Where(squirrel.Eq{"status": []domain.TaskStatus{domain.TaskStatusCompleted, domain.TaskStatusFailed}}).
		OrderBy("updated_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		var t domain.Task
		var payload, result string
		if err := rows.Scan(&t.ID, &t.Type, &payload, &t.Priority, &t.CycleID, &t.Status,
			&t.AssignedAgent, &t.AttemptCount, &result, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
				return nil, err
			}
		}
		if result != "" {
			if err := json.Unmarshal([]byte(result), &t.Result); err != nil {
				return nil, err
			}
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (a *taskArchive) Prune(ctx context.Context, horizon time.Time) (int64, error) {
	q, args, err := a.db.QueryBuilder.
		Delete("tasks_archive").
		Where(squirrel.Lt{"updated_at": horizon}).
		ToSql()
	if err != nil {
		return 0, err
	}

	res, err := a.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
