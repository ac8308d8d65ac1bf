package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/anterales/relay/db"
	"github.com/anterales/relay/domain"
	"github.com/anterales/relay/relayerr"
	"github.com/anterales/relay/util"
)

const (
	// MaxAttempts before a job is terminally failed.
	MaxAttempts = 8

	// RunningTimeout bounds a single attempt; the maintenance sweep
	// requeues running jobs whose timeout has passed.
	RunningTimeout = 5 * time.Minute

	backoffBase = 30 * time.Second
	backoffCap  = time.Hour

	pollInterval = time.Second
)

// HandlerFunc executes one job attempt. A nil return acks the job; a
// retryable error reschedules it with backoff; anything else fails it
// terminally.
type HandlerFunc func(ctx context.Context, job *domain.Job) error

// Engine is the durable typed-job queue. Records live in the jobs tree,
// which the engine exclusively owns; Submit returns only once the job is
// persisted.
type Engine struct {
	kv       *db.KV
	handlers map[string]HandlerFunc
	workers  int

	mu       sync.Mutex
	inflight map[string]bool // inbox authorities with a running delivery
}

func NewEngine(kv *db.KV, workers int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	return &Engine{
		kv:       kv,
		handlers: make(map[string]HandlerFunc),
		workers:  workers,
		inflight: make(map[string]bool),
	}
}

// Register binds a handler to a job kind. Must happen before Run.
func (e *Engine) Register(kind string, fn HandlerFunc) {
	e.handlers[kind] = fn
}

// jobKey orders the tree by creation instant so the ready scan walks jobs
// oldest first, which keeps per-inbox FIFO within a submission burst.
func jobKey(job *domain.Job) []byte {
	return []byte(fmt.Sprintf("%020d|%s", job.CreatedAt.UnixNano(), job.ID))
}

// Submit persists a new job with a fresh id.
func (e *Engine) Submit(kind, queue string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.SubmitJob(&domain.Job{
		ID:        uuid.New(),
		Kind:      kind,
		Queue:     queue,
		Payload:   raw,
		Status:    domain.JobPending,
		NextRunAt: time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	})
}

// SubmitJob persists a job. Duplicate ids coalesce: the existing record
// wins and the submit succeeds.
func (e *Engine) SubmitJob(job *domain.Job) error {
	buf, err := json.Marshal(job)
	if err != nil {
		return err
	}
	applied, _, err := e.kv.CAS(db.TreeJobs, jobKey(job), nil, buf)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("Jobs: Coalesced duplicate submit of %s", job.ID)
	}
	return nil
}

// Run polls for ready jobs and dispatches them to the worker pool until
// ctx is cancelled, then drains in-flight work.
func (e *Engine) Run(ctx context.Context) error {
	var g errgroup.Group
	slots := make(chan struct{}, e.workers)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	log.Printf("Jobs: Engine running with %d workers", e.workers)

	for {
		select {
		case <-ctx.Done():
			err := g.Wait()
			log.Println("Jobs: Engine drained")
			return err
		case <-ticker.C:
		}

		ready := e.claimReady(len(slots))
		for _, job := range ready {
			job := job
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				// claimed but not started; put it back for the sweep
				e.requeue(job, job.NextRunAt)
				continue
			}
			g.Go(func() error {
				defer func() { <-slots }()
				e.execute(ctx, job)
				return nil
			})
		}
	}
}

// claimReady scans for pending jobs whose next_run_at has passed and
// transitions them to running via CAS. Deliveries to an authority with a
// running delivery are skipped this round, which keeps per-inbox FIFO.
//
// Candidates are collected during the scan and written after it returns:
// a store write opened inside the scan's read transaction blocks on the
// mmap lock when the commit grows the file, wedging the engine.
func (e *Engine) claimReady(busy int) []*domain.Job {
	now := time.Now().UTC()
	budget := e.workers - busy
	if budget <= 0 {
		return nil
	}

	type candidate struct {
		prev      []byte
		job       domain.Job
		authority string
	}
	var candidates []candidate
	var undecodable [][]byte

	e.kv.Range(db.TreeJobs, nil, func(k, v []byte) error {
		if len(candidates) >= budget {
			return nil
		}

		var job domain.Job
		if err := json.Unmarshal(v, &job); err != nil {
			log.Printf("Jobs: Dropping undecodable job %s: %v", k, err)
			undecodable = append(undecodable, append([]byte(nil), k...))
			return nil
		}
		if job.Status != domain.JobPending || job.NextRunAt.After(now) {
			return nil
		}

		authority := e.deliveryAuthority(&job)
		if authority != "" && !e.tryLockHost(authority) {
			return nil
		}

		candidates = append(candidates, candidate{
			prev:      append([]byte(nil), v...),
			job:       job,
			authority: authority,
		})
		return nil
	})

	for _, k := range undecodable {
		e.kv.Delete(db.TreeJobs, k)
	}

	var claimed []*domain.Job
	for i := range candidates {
		c := &candidates[i]
		c.job.Status = domain.JobRunning
		c.job.TimeoutAt = now.Add(RunningTimeout)
		next, err := json.Marshal(&c.job)
		if err != nil {
			e.unlockHost(c.authority)
			continue
		}
		applied, _, err := e.kv.CAS(db.TreeJobs, jobKey(&c.job), c.prev, next)
		if err != nil || !applied {
			e.unlockHost(c.authority)
			continue
		}
		claimed = append(claimed, &c.job)
	}
	return claimed
}

func (e *Engine) execute(ctx context.Context, job *domain.Job) {
	authority := e.deliveryAuthority(job)
	if authority != "" {
		defer e.unlockHost(authority)
	}

	handler, ok := e.handlers[job.Kind]
	if !ok {
		log.Printf("Jobs: No handler for kind %s, dropping %s", job.Kind, job.ID)
		e.Ack(job)
		return
	}

	attemptCtx, cancel := context.WithDeadline(ctx, job.TimeoutAt)
	defer cancel()

	err := handler(attemptCtx, job)
	switch {
	case err == nil:
		e.Ack(job)
	case relayerr.Retryable(err):
		e.Retry(job, err)
	default:
		log.Printf("Jobs: %s %s failed terminally: %v", job.Kind, job.ID, err)
		e.fail(job)
	}
}

// Ack marks a job complete and deletes its record.
func (e *Engine) Ack(job *domain.Job) {
	if err := e.kv.Delete(db.TreeJobs, jobKey(job)); err != nil {
		log.Printf("Jobs: Failed to ack %s: %v", job.ID, err)
	}
}

// Retry reschedules a failed attempt with exponential backoff and jitter,
// or fails the job once attempts are exhausted.
func (e *Engine) Retry(job *domain.Job, cause error) {
	job.Attempts++
	if job.Attempts >= MaxAttempts {
		log.Printf("Jobs: Giving up on %s %s after %d attempts: %v",
			job.Kind, job.ID, job.Attempts, cause)
		e.fail(job)
		return
	}

	delay := Backoff(job.Attempts)
	log.Printf("Jobs: %s %s failed (attempt %d), retry in %s: %v",
		job.Kind, job.ID, job.Attempts, delay.Round(time.Second), cause)
	e.requeue(job, time.Now().UTC().Add(delay))
}

func (e *Engine) requeue(job *domain.Job, at time.Time) {
	job.Status = domain.JobPending
	job.NextRunAt = at
	job.TimeoutAt = time.Time{}
	buf, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := e.kv.Put(db.TreeJobs, jobKey(job), buf); err != nil {
		log.Printf("Jobs: Failed to requeue %s: %v", job.ID, err)
	}
}

func (e *Engine) fail(job *domain.Job) {
	// terminal: the record is destroyed, the failure lives in the log
	e.Ack(job)
}

// RequeueOrphans returns running jobs whose attempt timeout has passed to
// pending. Called by the maintenance sweep; covers workers that died
// before acking.
func (e *Engine) RequeueOrphans() int {
	now := time.Now().UTC()
	var orphans []*domain.Job

	e.kv.Range(db.TreeJobs, nil, func(_, v []byte) error {
		var job domain.Job
		if err := json.Unmarshal(v, &job); err != nil {
			return nil
		}
		if job.Status == domain.JobRunning && job.TimeoutAt.Before(now) {
			j := job
			orphans = append(orphans, &j)
		}
		return nil
	})

	for _, job := range orphans {
		log.Printf("Jobs: Requeueing orphaned %s %s", job.Kind, job.ID)
		e.requeue(job, now)
	}
	return len(orphans)
}

// PendingCount reports queue depth for the metrics exporter.
func (e *Engine) PendingCount() int {
	count := 0
	e.kv.Range(db.TreeJobs, nil, func(_, v []byte) error {
		count++
		return nil
	})
	return count
}

// Backoff returns the delay before attempt n+1: min(30s * 2^(n-1), 1h)
// with ±20% jitter.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase << (attempts - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}

func (e *Engine) deliveryAuthority(job *domain.Job) string {
	if job.Kind != domain.KindDeliverOne {
		return ""
	}
	var payload domain.DeliverPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return ""
	}
	authority, err := util.Authority(payload.InboxIRI)
	if err != nil {
		return ""
	}
	return authority
}

func (e *Engine) tryLockHost(authority string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[authority] {
		return false
	}
	e.inflight[authority] = true
	return true
}

func (e *Engine) unlockHost(authority string) {
	if authority == "" {
		return
	}
	e.mu.Lock()
	delete(e.inflight, authority)
	e.mu.Unlock()
}
