// Package queuetest provides an in-memory job queue with the same observable
// semantics as the PostgreSQL stored procedures, for use in tests.
package queuetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
)

// Job states tracked by the in-memory queue
const (
	StateNew       = "new"
	StateClaimed   = "claimed"
	StateEnqueued  = "enqueued"
	StateSending   = "sending"
	StateResumed   = "resumed"
	StateFinalized = "finalized"
)

// Row status before a send outcome is recorded
const (
	RowPending = "PENDING"
	RowFetched = "FETCHED"
)

// Recipient is one entry of a campaign's recipient list
type Recipient struct {
	Address string
	Params  map[string]string
	Invalid bool
}

// Row is a materialized sendable message
type Row struct {
	domain.Message
	JobID             int64
	Status            string
	ProviderMessageID string
	ErrorText         string
}

type job struct {
	domain.Job
	owner      string
	state      string
	subject    string
	body       string
	recipients []Recipient
	enqueued   bool
}

// Fetch records one GetMessagesToSend call
type Fetch struct {
	JobID int64
	Count int
	At    time.Time
}

// Queue is an in-memory job queue. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	jobs    map[int64]*job
	rows    []*Row
	workers map[string]bool
	fetches []Fetch
	nextRow int64

	reconciled map[int64]int

	// Errors injected into the next calls, consumed once each
	ClaimErr        error
	EnqueueErr      error
	StatusErr       error
	ResumeErr       error
	FinalizeErr     error
	ListWorkersErr  error
	ReassignHook    func(newID, deadID string)
	reassignAttempt int
}

// New creates an empty queue
func New() *Queue {
	return &Queue{
		jobs:       map[int64]*job{},
		workers:    map[string]bool{},
		reconciled: map[int64]int{},
	}
}

// AddJob registers a job created by the control plane
func (q *Queue) AddJob(j domain.Job, subject, body string, recipients []Recipient) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[j.JobID] = &job{Job: j, state: StateNew, subject: subject, body: body, recipients: recipients}
}

// AddWorker persists a worker identity, as a previous process would have
func (q *Queue) AddWorker(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.workers[id] = true
}

// AssignJob marks a job as claimed by owner, as a previous process would have
func (q *Queue) AssignJob(jobID int64, owner string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j := q.jobs[jobID]; j != nil {
		j.owner = owner
		j.state = StateClaimed
	}
}

func (q *Queue) ClaimNextJob(ctx context.Context, workerID string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := take(&q.ClaimErr); err != nil {
		return nil, err
	}

	for _, id := range q.sortedJobIDs() {
		j := q.jobs[id]
		if j.owner == workerID && j.state == StateResumed {
			j.state = StateClaimed
			out := j.Job
			return &out, nil
		}
	}

	for _, id := range q.sortedJobIDs() {
		j := q.jobs[id]
		if j.owner == "" && j.state == StateNew {
			j.owner = workerID
			j.state = StateClaimed
			out := j.Job
			return &out, nil
		}
	}

	return nil, nil
}

func (q *Queue) EnqueueMessages(ctx context.Context, ch domain.ChannelType, jobID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := take(&q.EnqueueErr); err != nil {
		return err
	}

	j := q.jobs[jobID]
	if j == nil || j.ChannelType != ch {
		return nil
	}
	if j.enqueued {
		return nil
	}

	for _, r := range j.recipients {
		if r.Invalid {
			continue
		}
		q.nextRow++
		q.rows = append(q.rows, &Row{
			Message: domain.Message{
				ID:         q.nextRow,
				CampaignID: j.CampaignID,
				Recipient:  r.Address,
				Subject:    j.subject,
				Body:       j.body,
				Params:     r.Params,
			},
			JobID:  jobID,
			Status: RowPending,
		})
	}
	j.enqueued = true
	j.state = StateEnqueued

	return nil
}

func (q *Queue) ReconcileCampaignStats(ctx context.Context, ch domain.ChannelType, campaignID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reconciled[campaignID]++
	return nil
}

func (q *Queue) GetMessagesToSend(ctx context.Context, ch domain.ChannelType, jobID int64, rate int) ([]domain.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []domain.Message
	for _, r := range q.rows {
		if len(out) >= rate {
			break
		}
		if r.JobID == jobID && r.Status == RowPending {
			r.Status = RowFetched
			msg := r.Message
			msg.Params = copyParams(r.Params)
			out = append(out, msg)
		}
	}

	if j := q.jobs[jobID]; j != nil && (j.state == StateEnqueued || j.state == StateClaimed) {
		j.state = StateSending
	}
	q.fetches = append(q.fetches, Fetch{JobID: jobID, Count: len(out), At: time.Now()})

	return out, nil
}

func (q *Queue) UpdateMessageStatus(ctx context.Context, ch domain.ChannelType, outcome domain.Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := take(&q.StatusErr); err != nil {
		return err
	}

	for _, r := range q.rows {
		if r.ID == outcome.MessageID {
			r.Status = outcome.Status
			r.ProviderMessageID = outcome.ProviderMessageID
			r.ErrorText = domain.TruncateErrorText(outcome.ErrorText)
		}
	}
	return nil
}

func (q *Queue) FinalizeNextJob(ctx context.Context, ch domain.ChannelType) (int64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := take(&q.FinalizeErr); err != nil {
		return 0, false, err
	}

	for _, id := range q.sortedJobIDs() {
		j := q.jobs[id]
		if j.ChannelType != ch || j.state != StateSending {
			continue
		}
		if q.allTerminal(id) {
			j.state = StateFinalized
			return j.CampaignID, true, nil
		}
	}
	return 0, false, nil
}

func (q *Queue) ListPersistedWorkerIDs(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := take(&q.ListWorkersErr); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(q.workers))
	for id := range q.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (q *Queue) InsertWorkerIfAbsent(ctx context.Context, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.workers[workerID] = true
	return nil
}

// ReassignWorker renames deadID to newID when deadID still exists. Jobs follow the rename.
func (q *Queue) ReassignWorker(ctx context.Context, newID, deadID string) (int64, error) {
	q.mu.Lock()
	hook := q.ReassignHook
	q.reassignAttempt++
	q.mu.Unlock()

	if hook != nil {
		hook(newID, deadID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.workers[deadID] {
		return 0, nil
	}
	delete(q.workers, deadID)
	q.workers[newID] = true

	for _, j := range q.jobs {
		if j.owner == deadID {
			j.owner = newID
		}
	}
	return 1, nil
}

// ResumeWorker returns fetched-but-unsent rows to pending and makes the
// worker's unfinished jobs claimable by it again.
func (q *Queue) ResumeWorker(ctx context.Context, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := take(&q.ResumeErr); err != nil {
		return err
	}

	for _, j := range q.jobs {
		if j.owner != workerID {
			continue
		}
		switch j.state {
		case StateClaimed, StateEnqueued, StateSending:
			j.state = StateResumed
			for _, r := range q.rows {
				if r.JobID == j.JobID && r.Status == RowFetched {
					r.Status = RowPending
				}
			}
		}
	}
	return nil
}

// Rows returns a snapshot of the rows materialized for jobID
func (q *Queue) Rows(jobID int64) []Row {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Row
	for _, r := range q.rows {
		if r.JobID == jobID {
			out = append(out, *r)
		}
	}
	return out
}

// Owner returns the worker identity owning jobID
func (q *Queue) Owner(jobID int64) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j := q.jobs[jobID]; j != nil {
		return j.owner
	}
	return ""
}

// State returns the lifecycle state of jobID
func (q *Queue) State(jobID int64) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j := q.jobs[jobID]; j != nil {
		return j.state
	}
	return ""
}

// Fetches returns every GetMessagesToSend call made so far
func (q *Queue) Fetches() []Fetch {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Fetch(nil), q.fetches...)
}

// Reconciled returns how many times campaignID's stats were reconciled
func (q *Queue) Reconciled(campaignID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reconciled[campaignID]
}

// ReassignAttempts returns how many adoption updates were issued
func (q *Queue) ReassignAttempts() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reassignAttempt
}

func (q *Queue) allTerminal(jobID int64) bool {
	for _, r := range q.rows {
		if r.JobID == jobID && (r.Status == RowPending || r.Status == RowFetched) {
			return false
		}
	}
	return true
}

func (q *Queue) sortedJobIDs() []int64 {
	ids := make([]int64, 0, len(q.jobs))
	for id := range q.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func take(errp *error) error {
	err := *errp
	*errp = nil
	return err
}

func copyParams(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
