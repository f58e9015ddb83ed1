package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marketmind/marketmind/internal/core/domain"
)

// memStub is an in-memory MemoryRepository for service tests.
type memStub struct {
	mu        sync.Mutex
	seq       int64
	records   []domain.MemoryRecord
	appendErr error
}

func newMemStub() *memStub { return &memStub{} }

func (m *memStub) Append(ctx context.Context, record domain.MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.seq++
	switch rec := record.(type) {
	case *domain.ConversationEntry:
		rec.Seq = m.seq
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
	case *domain.CommandLogEntry:
		rec.Seq = m.seq
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
	case *domain.LearnedFact:
		rec.Seq = m.seq
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
	case *domain.EvolutionSnapshot:
		rec.Seq = m.seq
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
	}
	m.records = append(m.records, record)
	return nil
}

func (m *memStub) conversations() []*domain.ConversationEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ConversationEntry
	for _, r := range m.records {
		if e, ok := r.(*domain.ConversationEntry); ok {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStub) commandLog() []*domain.CommandLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.CommandLogEntry
	for _, r := range m.records {
		if e, ok := r.(*domain.CommandLogEntry); ok {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStub) facts() []*domain.LearnedFact {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.LearnedFact
	for _, r := range m.records {
		if e, ok := r.(*domain.LearnedFact); ok {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStub) snapshots() []*domain.EvolutionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.EvolutionSnapshot
	for _, r := range m.records {
		if e, ok := r.(*domain.EvolutionSnapshot); ok {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStub) QueryConversations(ctx context.Context, f domain.MemoryFilter) ([]*domain.ConversationEntry, error) {
	return m.conversations(), nil
}

func (m *memStub) QueryCommandLog(ctx context.Context, f domain.MemoryFilter) ([]*domain.CommandLogEntry, error) {
	return m.commandLog(), nil
}

func (m *memStub) QueryFacts(ctx context.Context, f domain.MemoryFilter) ([]*domain.LearnedFact, error) {
	return m.facts(), nil
}

func (m *memStub) QuerySnapshots(ctx context.Context, f domain.MemoryFilter) ([]*domain.EvolutionSnapshot, error) {
	return m.snapshots(), nil
}

// latestFact mirrors the store's append-only key semantics.
func (m *memStub) latestFact(key string) *domain.LearnedFact {
	var latest *domain.LearnedFact
	for _, f := range m.facts() {
		if f.Key == key && (latest == nil || f.Seq > latest.Seq) {
			latest = f
		}
	}
	return latest
}

func (m *memStub) Recall(ctx context.Context, keyOrText string) (*domain.LearnedFact, error) {
	if f := m.latestFact(keyOrText); f != nil {
		if f.Confidence > 0 {
			return f, nil
		}
		return nil, domain.ErrNotFound
	}
	for _, f := range m.facts() {
		if f.Confidence > 0 && strings.Contains(f.Value, keyOrText) {
			return f, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStub) Forget(ctx context.Context, key string) error {
	prior := m.latestFact(key)
	if prior == nil || prior.Confidence == 0 {
		return domain.ErrNotFound
	}
	return m.Append(ctx, &domain.LearnedFact{Key: key, Value: prior.Value, Supersedes: prior.Seq})
}

func (m *memStub) Prune(ctx context.Context, horizon time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	var pruned int64
	for _, r := range m.records {
		old := false
		switch rec := r.(type) {
		case *domain.ConversationEntry:
			old = rec.Timestamp.Before(horizon)
		case *domain.CommandLogEntry:
			old = rec.Timestamp.Before(horizon)
		case *domain.LearnedFact:
			old = rec.Timestamp.Before(horizon)
		case *domain.EvolutionSnapshot:
			old = rec.Timestamp.Before(horizon)
		}
		if old {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return pruned, nil
}

func (m *memStub) Stats(ctx context.Context) (*domain.MemoryStats, error) {
	counts := map[domain.RecordKind]int64{}
	m.mu.Lock()
	for _, r := range m.records {
		counts[r.Kind()]++
	}
	m.mu.Unlock()
	return &domain.MemoryStats{Counts: counts}, nil
}

// archStub is an in-memory TaskArchive for service tests.
type archStub struct {
	mu        sync.Mutex
	tasks     map[string]domain.Task
	recentErr error
}

func newArchStub() *archStub { return &archStub{tasks: make(map[string]domain.Task)} }

func (a *archStub) Archive(ctx context.Context, task *domain.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks[task.ID] = *task
	return nil
}

func (a *archStub) RecentTerminal(ctx context.Context, limit int) ([]*domain.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recentErr != nil {
		return nil, a.recentErr
	}
	var out []*domain.Task
	for id := range a.tasks {
		task := a.tasks[id]
		if task.Status.Terminal() {
			out = append(out, &task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *archStub) Prune(ctx context.Context, horizon time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var pruned int64
	for id, task := range a.tasks {
		if task.UpdatedAt.Before(horizon) {
			delete(a.tasks, id)
			pruned++
		}
	}
	return pruned, nil
}

func (a *archStub) get(id string) (domain.Task, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	task, ok := a.tasks[id]
	return task, ok
}

func (a *archStub) seed(tasks ...domain.Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, task := range tasks {
		a.tasks[task.ID] = task
	}
}

// quietQueue accepts publishes without delivering them, so tests can drive
// task dispatch by hand.
type quietQueue struct{}

func (quietQueue) Publish(ctx context.Context, task *domain.Task) error { return nil }

func (quietQueue) Consume(ctx context.Context, handler func(task *domain.Task)) error { return nil }

func (quietQueue) Close() {}
