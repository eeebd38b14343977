package worklog

import (
	"context"
	"time"

	"github.com/devpeace/devpeace/internal/jira"
	"github.com/devpeace/devpeace/internal/models"
)

// Gateway is the subset of the tracker client the queue needs.
type Gateway interface {
	AddWorklog(ctx context.Context, issueKey string, started time.Time, d time.Duration, comment string) (string, error)
	AddComment(ctx context.Context, issueKey, body string) error
}

// Result reports the outcome of one submission attempt back to the
// owning loop. Posted flags reflect progress even on partial failure.
type Result struct {
	EntryID       string
	WorklogPosted bool
	CommentPosted bool
	RemoteID      string
	Err           error
}

const maxBackoff = 5 * time.Minute

// Queue submits pending worklog entries with bounded parallelism. All
// methods except the spawned submit goroutines must be called from a
// single goroutine; results flow back through Results.
type Queue struct {
	gw          Gateway
	results     chan Result
	maxParallel int
	maxAttempts int
	baseBackoff time.Duration

	inflight map[string]string // entry id -> issue key
	blocked  bool
}

func NewQueue(gw Gateway, maxParallel, maxAttempts int, baseBackoff time.Duration) *Queue {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Queue{
		gw:          gw,
		results:     make(chan Result, maxParallel*2),
		maxParallel: maxParallel,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		inflight:    make(map[string]string),
	}
}

// Results delivers one Result per launched submission.
func (q *Queue) Results() <-chan Result { return q.results }

// SetGateway swaps the tracker client, typically after credentials
// change, and clears the auth block.
func (q *Queue) SetGateway(gw Gateway) {
	q.gw = gw
	q.blocked = false
}

// Blocked reports whether submissions are held after an auth failure.
func (q *Queue) Blocked() bool { return q.blocked }

func (q *Queue) InflightCount() int { return len(q.inflight) }

// Dispatch launches submissions for due entries. Entries must be ordered
// by closed time; at most one entry per issue key is ever in flight so
// worklogs land on an issue in the order the sessions closed. Returns
// the entries launched.
func (q *Queue) Dispatch(ctx context.Context, now time.Time, pending []*models.WorklogEntry) []*models.WorklogEntry {
	if q.gw == nil || q.blocked {
		return nil
	}

	busy := make(map[string]bool, len(q.inflight))
	for _, key := range q.inflight {
		busy[key] = true
	}

	var launched []*models.WorklogEntry
	for _, e := range pending {
		if len(q.inflight) >= q.maxParallel {
			break
		}
		if busy[e.IssueKey] {
			continue
		}
		if !e.NextAttempt.IsZero() && e.NextAttempt.After(now) {
			// Still holds back later entries for the same issue.
			busy[e.IssueKey] = true
			continue
		}
		busy[e.IssueKey] = true
		q.inflight[e.ID] = e.IssueKey
		launched = append(launched, e)
		go q.submit(ctx, e.Clone())
	}
	return launched
}

func (q *Queue) submit(ctx context.Context, e *models.WorklogEntry) {
	res := Result{
		EntryID:       e.ID,
		WorklogPosted: e.WorklogPosted,
		CommentPosted: e.CommentPosted,
		RemoteID:      e.RemoteID,
	}

	if !res.WorklogPosted {
		id, err := q.gw.AddWorklog(ctx, e.IssueKey, e.StartedAt, e.Duration, e.Comment)
		if err != nil {
			res.Err = err
			q.results <- res
			return
		}
		res.WorklogPosted = true
		res.RemoteID = id
	}

	if !res.CommentPosted {
		if err := q.gw.AddComment(ctx, e.IssueKey, e.Comment); err != nil {
			res.Err = err
			q.results <- res
			return
		}
		res.CommentPosted = true
	}

	q.results <- res
}

// Apply folds a result into the entry and returns it ready to persist.
// Must be called exactly once per result.
func (q *Queue) Apply(e *models.WorklogEntry, res Result, now time.Time) *models.WorklogEntry {
	delete(q.inflight, res.EntryID)

	e.WorklogPosted = res.WorklogPosted
	e.CommentPosted = res.CommentPosted
	if res.RemoteID != "" {
		e.RemoteID = res.RemoteID
	}

	if res.Err == nil {
		e.Status = models.StatusSubmitted
		e.NextAttempt = time.Time{}
		return e
	}

	switch jira.ClassOf(res.Err) {
	case jira.ClassUnauthorized:
		// Hold everything until credentials are fixed; the entry stays
		// pending without burning an attempt.
		q.blocked = true
	case jira.ClassNotFound:
		e.Status = models.StatusNeedsReview
	case jira.ClassRateLimited:
		e.Attempts++
		wait := jira.RetryAfterOf(res.Err)
		if wait <= 0 {
			wait = q.backoff(e.Attempts)
		}
		e.NextAttempt = now.Add(wait)
	default:
		e.Attempts++
		if e.Attempts >= q.maxAttempts {
			e.Status = models.StatusFailed
		} else {
			e.NextAttempt = now.Add(q.backoff(e.Attempts))
		}
	}
	return e
}

// ResetForRetry requeues a failed or needs-review entry for immediate
// submission.
func ResetForRetry(e *models.WorklogEntry) {
	e.Status = models.StatusPending
	e.Attempts = 0
	e.NextAttempt = time.Time{}
}

func (q *Queue) backoff(attempts int) time.Duration {
	d := q.baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
