package usecase_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

type fakeJobs struct {
	domain.JobRepository
	mu        sync.Mutex
	jobs      map[string]domain.Job
	insertErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]domain.Job{}}
}

func (f *fakeJobs) Insert(_ domain.Context, j domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, ex := range f.jobs {
		if ex.IngestID == j.IngestID && ex.Attempt == j.Attempt {
			return domain.ErrDuplicateIngest
		}
	}
	f.jobs[j.ID] = j
	return nil
}

func (f *fakeJobs) Load(_ domain.Context, jobID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) LoadByIngest(_ domain.Context, ingestID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best domain.Job
	found := false
	for _, j := range f.jobs {
		if j.IngestID == ingestID && (!found || j.Attempt > best.Attempt) {
			best = j
			found = true
		}
	}
	if !found {
		return domain.Job{}, domain.ErrNotFound
	}
	return best, nil
}

func (f *fakeJobs) Transition(_ domain.Context, jobID string, from, to domain.State, fields domain.TransitionFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if !domain.CanTransition(from, to) {
		return domain.ErrIllegalTransition
	}
	if j.State != from {
		return domain.ErrConflict
	}
	j.State = to
	if p, ok := domain.ProgressFor(to); ok {
		j.ProgressPct = p
	}
	if fields.Step != "" {
		j.Step = fields.Step
	}
	if fields.CancelReason != "" {
		j.CancelReason = fields.CancelReason
	}
	if fields.CanceledAt != nil {
		j.CanceledAt = fields.CanceledAt
	}
	if fields.EndedAt != nil {
		j.EndedAt = fields.EndedAt
	}
	f.jobs[jobID] = j
	return nil
}

func (f *fakeJobs) ChainAttempts(_ domain.Context, ingestID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.IngestID == ingestID {
			n++
		}
	}
	return n, nil
}

type enqueuedItem struct {
	jobID    string
	priority domain.Priority
	delay    time.Duration
	payload  []byte
}

type fakeQueue struct {
	domain.Queue
	mu       sync.Mutex
	items    []enqueuedItem
	position int64
	length   int64
}

func (q *fakeQueue) Enqueue(_ domain.Context, _ string, payload []byte, jobID string, priority domain.Priority, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, enqueuedItem{jobID: jobID, priority: priority, delay: delay, payload: payload})
	return nil
}

func (q *fakeQueue) Position(_ domain.Context, _ string, _ string) (int64, error) {
	return q.position, nil
}

func (q *fakeQueue) Length(_ domain.Context, _ string) (int64, error) {
	return q.length, nil
}

func (q *fakeQueue) CancelQueued(_ domain.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.jobID == jobID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) ProcessingCount(_ domain.Context) (int64, error) { return 2, nil }

type fakeFlags struct {
	mu    sync.Mutex
	flags map[string]domain.CancelFlag
}

func newFakeFlags() *fakeFlags { return &fakeFlags{flags: map[string]domain.CancelFlag{}} }

func (f *fakeFlags) Set(_ domain.Context, flag domain.CancelFlag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[flag.JobID] = flag
	return nil
}

func (f *fakeFlags) Get(_ domain.Context, jobID string) (domain.CancelFlag, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.flags[jobID]
	return fl, ok, nil
}

func (f *fakeFlags) Clear(_ domain.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.flags, jobID)
	return nil
}

type fakeDocs struct {
	domain.DocumentRepository
	docs []domain.Document
}

func (f *fakeDocs) ListByProject(_ domain.Context, projectID string) ([]domain.Document, error) {
	var out []domain.Document
	for _, d := range f.docs {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeDLQRepo struct {
	mu      sync.Mutex
	entries map[string]domain.DLQEntry
	open    int64
}

func newFakeDLQRepo() *fakeDLQRepo { return &fakeDLQRepo{entries: map[string]domain.DLQEntry{}} }

func (r *fakeDLQRepo) Insert(_ domain.Context, e domain.DLQEntry) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ex := range r.entries {
		if ex.JobID == e.JobID {
			return id, nil
		}
	}
	r.entries[e.ID] = e
	return e.ID, nil
}

func (r *fakeDLQRepo) Get(_ domain.Context, id string) (domain.DLQEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return domain.DLQEntry{}, domain.ErrNotFound
	}
	return e, nil
}

func (r *fakeDLQRepo) List(_ domain.Context, limit int, kindFilter string) ([]domain.DLQEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DLQEntry
	for _, e := range r.entries {
		if kindFilter != "" && string(e.ErrorKind) != kindFilter {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeDLQRepo) ListSince(_ domain.Context, since time.Time) ([]domain.DLQEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DLQEntry
	for _, e := range r.entries {
		if !e.FailedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeDLQRepo) CountSimilar(_ domain.Context, _ domain.ErrorKind, _ time.Time) (int, error) {
	return 0, nil
}

func (r *fakeDLQRepo) CountOpen(_ domain.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open > 0 {
		return r.open, nil
	}
	var n int64
	for _, e := range r.entries {
		if e.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}

func (r *fakeDLQRepo) Resolve(_ domain.Context, id, resolvedBy, notes string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	e.ResolvedAt = &now
	e.ResolvedBy = resolvedBy
	e.Notes = notes
	r.entries[id] = e
	return nil
}

func (r *fakeDLQRepo) AutoResolve(_ domain.Context, _ time.Time, _ string) (int64, error) {
	return 0, nil
}

func (r *fakeDLQRepo) DeleteResolved(_ domain.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type fakeLimiter struct {
	used int64
}

func (l *fakeLimiter) Allow(_ domain.Context, _ string, _ int64) (bool, int64, error) {
	return true, l.used, nil
}

func (l *fakeLimiter) Usage(_ domain.Context, _ string) (int64, error) { return l.used, nil }

func jobWithState(id string, state domain.State) domain.Job {
	return domain.Job{
		ID:           id,
		IngestID:     "ing-" + id,
		ProjectID:    "proj-1",
		FileID:       "file-" + id,
		ChunkSize:    512,
		ChunkOverlap: 64,
		EmbedVersion: "v1.0",
		Priority:     domain.PriorityNormal,
		State:        state,
		Attempt:      1,
		MaxRetries:   3,
		TraceID:      fmt.Sprintf("trace-%s", id),
		CreatedAt:    time.Now().UTC().Add(-time.Minute),
		UpdatedAt:    time.Now().UTC(),
	}
}
