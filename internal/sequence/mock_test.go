package sequence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emberline/dripflow/internal/dispatch"
	"github.com/emberline/dripflow/internal/queue"
)

// fakeDB is an in-memory DatabaseService for engine tests. Error
// injection goes through the fail* fields.
type fakeDB struct {
	mu sync.Mutex

	sequences    map[string]*MarketingSequence
	enrollments  map[string]*SequenceEnrollment
	executions   []*StepExecution
	subscribers  map[string]*Subscriber
	integrations map[string]dispatch.ProviderConfig
	eligible     []*Subscriber

	statsCalls  []string
	exitedAll   []string
	exitedOne   []string
	unsubCalls  []string
	segmentMove []string

	failGetSubscriber error
	failEnroll        error
	failUpdateEnroll  error
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		sequences:    make(map[string]*MarketingSequence),
		enrollments:  make(map[string]*SequenceEnrollment),
		subscribers:  make(map[string]*Subscriber),
		integrations: make(map[string]dispatch.ProviderConfig),
	}
}

func (f *fakeDB) GetSequence(ctx context.Context, id string) (*MarketingSequence, error) {
	return f.GetSequenceWithSteps(ctx, id)
}

func (f *fakeDB) GetSequenceWithSteps(_ context.Context, id string) (*MarketingSequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.sequences[id]
	if !ok {
		return nil, fmt.Errorf("sequence %s not found", id)
	}
	return seq, nil
}

func (f *fakeDB) GetStep(_ context.Context, stepID string) (*SequenceStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, seq := range f.sequences {
		for i := range seq.Steps {
			if seq.Steps[i].ID == stepID {
				return &seq.Steps[i], nil
			}
		}
	}
	return nil, fmt.Errorf("step %s not found", stepID)
}

func (f *fakeDB) GetEnrollment(_ context.Context, id string) (*SequenceEnrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.enrollments[id]
	if !ok {
		return nil, fmt.Errorf("enrollment %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (f *fakeDB) FindExistingEnrollment(_ context.Context, sequenceID, subscriberID string) (*SequenceEnrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.enrollments {
		if e.SequenceID == sequenceID && e.SubscriberID == subscriberID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeDB) EnrollSubscriber(_ context.Context, e *SequenceEnrollment) error {
	if f.failEnroll != nil {
		return f.failEnroll
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.enrollments[e.ID] = &cp
	return nil
}

func (f *fakeDB) UpdateEnrollment(_ context.Context, e *SequenceEnrollment) error {
	if f.failUpdateEnroll != nil {
		return f.failUpdateEnroll
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.enrollments[e.ID] = &cp
	return nil
}

func (f *fakeDB) CheckExistingExecution(_ context.Context, enrollmentID, stepID string) (*StepExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.executions) - 1; i >= 0; i-- {
		e := f.executions[i]
		if e.EnrollmentID == enrollmentID && e.StepID == stepID && e.Status == ExecutionCompleted {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeDB) CreateStepExecution(_ context.Context, exec *StepExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *exec
	f.executions = append(f.executions, &cp)
	return nil
}

func (f *fakeDB) UpdateStepExecution(_ context.Context, exec *StepExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.executions {
		if e.ID == exec.ID {
			cp := *exec
			f.executions[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("execution %s not found", exec.ID)
}

func (f *fakeDB) GetSubscriber(_ context.Context, id string) (*Subscriber, error) {
	if f.failGetSubscriber != nil {
		return nil, f.failGetSubscriber
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subscribers[id]
	if !ok {
		return nil, fmt.Errorf("subscriber %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeDB) UpdateSubscriber(_ context.Context, sub *Subscriber) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sub
	f.subscribers[sub.ID] = &cp
	return nil
}

func (f *fakeDB) MoveSubscriberToSegment(_ context.Context, subscriberID, segmentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segmentMove = append(f.segmentMove, subscriberID+":"+segmentID)
	return nil
}

func (f *fakeDB) UnsubscribeSubscriber(_ context.Context, subscriberID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubCalls = append(f.unsubCalls, subscriberID+":"+reason)
	if s, ok := f.subscribers[subscriberID]; ok {
		s.Status = "unsubscribed"
		s.GloballyUnsubscribed = true
	}
	return nil
}

func (f *fakeDB) FindEligibleSubscribers(_ context.Context, _ *MarketingSequence) ([]*Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eligible, nil
}

func (f *fakeDB) ExitSubscriberFromSequence(_ context.Context, sequenceID, subscriberID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitedOne = append(f.exitedOne, sequenceID+":"+subscriberID+":"+reason)
	return nil
}

func (f *fakeDB) ExitSubscriberFromAllSequences(_ context.Context, subscriberID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitedAll = append(f.exitedAll, subscriberID+":"+reason)
	return nil
}

func (f *fakeDB) UpdateSequenceStats(_ context.Context, sequenceID, counter string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statsCalls = append(f.statsCalls, fmt.Sprintf("%s:%s:%+d", sequenceID, counter, delta))
	return nil
}

func (f *fakeDB) GetUserIntegrations(_ context.Context, _, _ string) (map[string]dispatch.ProviderConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.integrations, nil
}

func (f *fakeDB) activeEnrollment() *SequenceEnrollment {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.enrollments {
		return e
	}
	return nil
}

// fakeEmails captures email jobs instead of enqueuing them.
type fakeEmails struct {
	mu   sync.Mutex
	jobs []*dispatch.EmailJobData
	err  error
}

func (f *fakeEmails) AddEmailJob(_ context.Context, job *dispatch.EmailJobData, _ time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return fmt.Sprintf("email-job-%d", len(f.jobs)), nil
}

// fakeEnqueuer captures sequence queue jobs.
type fakeEnqueuer struct {
	mu      sync.Mutex
	entries []enqueued
	err     error
}

type enqueued struct {
	queueName string
	job       Job
	delay     time.Duration
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, queueName string, payload interface{}, opts queue.EnqueueOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job, _ := payload.(Job)
	f.entries = append(f.entries, enqueued{queueName: queueName, job: job, delay: opts.Delay})
	return fmt.Sprintf("queue-job-%d", len(f.entries)), nil
}

func (f *fakeEnqueuer) last() *enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return nil
	}
	return &f.entries[len(f.entries)-1]
}
