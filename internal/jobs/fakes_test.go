package jobs

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/internal/access"
	"github.com/kiranshivaraju/riskbatch/internal/queue"
	"github.com/kiranshivaraju/riskbatch/internal/store"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// --- repository ---

var fakeTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusQueued, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusQueued:     {models.JobStatusProcessing, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
}

type memRepo struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*models.Job
	rows        map[uuid.UUID][]models.InputRow
	companies   []*models.Company
	predictions []*models.Prediction
	history     map[uuid.UUID][]models.JobCounters

	progressCalls int
	getJobErr     error
	rowsErr       error
	resolveErr    error
	progressErr   error
	transitionErr map[string]error
}

func newMemRepo() *memRepo {
	return &memRepo{
		jobs:          make(map[uuid.UUID]*models.Job),
		rows:          make(map[uuid.UUID][]models.InputRow),
		history:       make(map[uuid.UUID][]models.JobCounters),
		transitionErr: make(map[string]error),
	}
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	c.ErrorDetails = slices.Clone(j.ErrorDetails)
	return &c
}

func (r *memRepo) CreateJob(ctx context.Context, job *models.Job, rows []models.InputRow, enqueue func(ctx context.Context) error) error {
	if err := enqueue(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job.Status = models.JobStatusQueued
	r.jobs[job.ID] = copyJob(job)
	r.rows[job.ID] = slices.Clone(rows)
	return nil
}

// put stores a job as-is, bypassing creation.
func (r *memRepo) put(job *models.Job, rows []models.InputRow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = copyJob(job)
	r.rows[job.ID] = slices.Clone(rows)
}

func (r *memRepo) job(id uuid.UUID) *models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil
	}
	return copyJob(j)
}

func (r *memRepo) GetJob(_ context.Context, id uuid.UUID, scope access.Scope) (*models.Job, error) {
	if r.getJobErr != nil {
		return nil, r.getJobErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || !scope.Matches(ref(j)) {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (r *memRepo) ListJobs(_ context.Context, f store.JobFilter) ([]*models.Job, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Job
	for _, j := range r.jobs {
		if !f.Scope.Matches(ref(j)) {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Kind != "" && j.Kind != f.Kind {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	total := len(out)
	_, limit, offset := store.Paginate(f.Page, f.Limit)
	if offset >= len(out) {
		return []*models.Job{}, total, nil
	}
	return out[offset:min(offset+limit, len(out))], total, nil
}

func (r *memRepo) GetJobRows(_ context.Context, jobID uuid.UUID) ([]models.InputRow, error) {
	if r.rowsErr != nil {
		return nil, r.rowsErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.rows[jobID]), nil
}

func (r *memRepo) TransitionJob(_ context.Context, id uuid.UUID, to string, opts ...store.JobUpdateOption) (*models.Job, error) {
	if err := r.transitionErr[to]; err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !slices.Contains(fakeTransitions[j.Status], to) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, to)
	}
	now := time.Now().UTC()
	j.Status = to
	j.UpdatedAt = now
	if to == models.JobStatusProcessing {
		j.StartedAt = &now
	}
	if models.IsTerminalStatus(to) {
		j.CompletedAt = &now
	}
	if p := store.ApplyJobUpdateOptions(opts...); p.ErrorMessage != nil {
		j.ErrorMessage = p.ErrorMessage
	}
	return copyJob(j), nil
}

func (r *memRepo) UpdateJobProgress(_ context.Context, id uuid.UUID, c models.JobCounters, errs []models.RowError) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progressCalls++
	if r.progressErr != nil {
		return "", r.progressErr
	}
	j, ok := r.jobs[id]
	if !ok {
		return "", store.ErrNotFound
	}
	if j.Status != models.JobStatusProcessing && j.Status != models.JobStatusCancelled {
		return j.Status, fmt.Errorf("%w: progress on %s job", store.ErrInvalidTransition, j.Status)
	}
	j.Processed = max(j.Processed, c.Processed)
	j.Successful = max(j.Successful, c.Successful)
	j.Failed = max(j.Failed, c.Failed)
	j.ErrorDetails = append(j.ErrorDetails, errs...)
	r.history[id] = append(r.history[id], j.JobCounters)
	return j.Status, nil
}

func (r *memRepo) ListStaleJobs(_ context.Context, processingBefore, queuedBefore time.Time) ([]*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Job
	for _, j := range r.jobs {
		switch {
		case j.Status == models.JobStatusProcessing && j.StartedAt != nil && j.StartedAt.Before(processingBefore):
			out = append(out, copyJob(j))
		case (j.Status == models.JobStatusPending || j.Status == models.JobStatusQueued) && j.CreatedAt.Before(queuedBefore):
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

func sameOrg(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameQuarter(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (r *memRepo) ResolveCompany(_ context.Context, c *models.Company) (*models.Company, error) {
	if r.resolveErr != nil {
		return nil, r.resolveErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.companies {
		if existing.Symbol != c.Symbol || existing.AccessLevel != c.AccessLevel {
			continue
		}
		switch c.AccessLevel {
		case models.AccessOrganization:
			if sameOrg(existing.OrganizationID, c.OrganizationID) {
				return existing, nil
			}
		case models.AccessPersonal:
			if existing.CreatedBy == c.CreatedBy {
				return existing, nil
			}
		case models.AccessSystem:
			return existing, nil
		}
	}
	created := *c
	created.ID = uuid.New()
	created.CreatedAt = time.Now().UTC()
	r.companies = append(r.companies, &created)
	return &created, nil
}

func (r *memRepo) existsLocked(key models.PredictionKey) bool {
	for _, p := range r.predictions {
		if p.CompanyID == key.CompanyID && p.ReportingYear == key.ReportingYear &&
			sameQuarter(p.ReportingQuarter, key.ReportingQuarter) && sameOrg(p.OrganizationID, key.OrganizationID) {
			return true
		}
	}
	return false
}

func (r *memRepo) PredictionExists(_ context.Context, key models.PredictionKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.existsLocked(key), nil
}

func (r *memRepo) CreatePrediction(_ context.Context, p *models.Prediction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := models.PredictionKey{
		CompanyID:        p.CompanyID,
		ReportingYear:    p.ReportingYear,
		ReportingQuarter: p.ReportingQuarter,
		OrganizationID:   p.OrganizationID,
	}
	if r.existsLocked(key) {
		return store.ErrDuplicateKey
	}
	c := *p
	r.predictions = append(r.predictions, &c)
	return nil
}

func (r *memRepo) predictionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.predictions)
}

// --- cache ---

type memCache struct {
	mu        sync.Mutex
	progress  map[uuid.UUID]models.JobProgress
	snapshots map[uuid.UUID][]models.JobProgress
	cancelled map[uuid.UUID]bool
	locks     map[uuid.UUID]string
	getErr    error
}

func newMemCache() *memCache {
	return &memCache{
		progress:  make(map[uuid.UUID]models.JobProgress),
		snapshots: make(map[uuid.UUID][]models.JobProgress),
		cancelled: make(map[uuid.UUID]bool),
		locks:     make(map[uuid.UUID]string),
	}
}

// SetJobProgress follows the same rules as the Redis script: never lower the
// processed count, never replace a terminal snapshot with a running one.
func (c *memCache) SetJobProgress(_ context.Context, p models.JobProgress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.progress[p.JobID]; ok {
		if models.IsTerminalStatus(cur.Status) && !models.IsTerminalStatus(p.Status) {
			return nil
		}
		if cur.Processed > p.Processed {
			return nil
		}
	}
	c.progress[p.JobID] = p
	c.snapshots[p.JobID] = append(c.snapshots[p.JobID], p)
	return nil
}

func (c *memCache) GetJobProgress(_ context.Context, id uuid.UUID) (*models.JobProgress, bool, error) {
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.progress[id]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (c *memCache) DeleteJobProgress(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.progress, id)
	return nil
}

func (c *memCache) SetCancelRequested(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[id] = true
	return nil
}

func (c *memCache) CancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[id], nil
}

func (c *memCache) AcquireLock(_ context.Context, id uuid.UUID, owner string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.locks[id]; held {
		return false, nil
	}
	c.locks[id] = owner
	return true, nil
}

func (c *memCache) RefreshLock(_ context.Context, id uuid.UUID, owner string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks[id] == owner, nil
}

func (c *memCache) ReleaseLock(_ context.Context, id uuid.UUID, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[id] == owner {
		delete(c.locks, id)
	}
	return nil
}

func (c *memCache) LockHolder(_ context.Context, id uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.locks[id]
	return owner, ok, nil
}

// --- queue ---

type memQueue struct {
	mu         sync.Mutex
	ch         chan queue.Message
	acked      []queue.Message
	requeued   []queue.Message
	enqueueErr error
}

func newMemQueue() *memQueue {
	return &memQueue{ch: make(chan queue.Message, 64)}
}

func (q *memQueue) Enqueue(_ context.Context, msg queue.Message) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.ch <- msg
	return nil
}

func (q *memQueue) Dequeue(ctx context.Context, timeout time.Duration) (*queue.Delivery, error) {
	select {
	case msg := <-q.ch:
		return &queue.Delivery{Message: msg}, nil
	case <-time.After(timeout):
		return nil, queue.ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *memQueue) Ack(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, d.Message)
	return nil
}

func (q *memQueue) Requeue(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	q.requeued = append(q.requeued, d.Message)
	q.mu.Unlock()
	msg := d.Message
	msg.Attempt++
	q.ch <- msg
	return nil
}

func (q *memQueue) Recover(_ context.Context) (int, error) { return 0, nil }

func (q *memQueue) ackedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

// --- fixtures ---

type world struct {
	tenant uuid.UUID
	orgA   uuid.UUID
	orgB   uuid.UUID
}

func newWorld() world {
	return world{tenant: uuid.New(), orgA: uuid.New(), orgB: uuid.New()}
}

func (w world) member(org uuid.UUID, role models.Role) models.Actor {
	o, t := org, w.tenant
	return models.Actor{UserID: uuid.New(), OrganizationID: &o, TenantID: &t, Role: role}
}

func (w world) loner() models.Actor {
	return models.Actor{UserID: uuid.New(), Role: models.RoleUser}
}

const annualHeader = "company_symbol,reporting_year,long_term_debt_to_total_capital,total_debt_to_ebitda,net_income_margin,ebit_to_interest_expense,return_on_assets"

func annualCSV(lines ...string) []byte {
	return []byte(annualHeader + "\n" + strings.Join(lines, "\n") + "\n")
}

func annualLine(symbol string, year int) string {
	return fmt.Sprintf("%s,%d,0.4,2.5,0.08,6,0.05", symbol, year)
}

func manyAnnualLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = annualLine(fmt.Sprintf("CO%d", i), 2023)
	}
	return lines
}
