package sequence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func actionStep(cfg *ActionStepConfig) *SequenceStep {
	return &SequenceStep{
		ID: "step-action", SequenceID: "seq-1", Order: 2, Type: StepAction, IsActive: true,
		Config: StepConfig{Action: cfg},
	}
}

func testActionProcessor(db *fakeDB) *actionProcessor {
	p := newActionProcessor(db, time.Second)
	p.sleep = func(ctx context.Context, d time.Duration) {}
	return p
}

func TestActionAddTag(t *testing.T) {
	db := newFakeDB()
	sub := testSubscriber()
	db.subscribers[sub.ID] = sub
	p := testActionProcessor(db)

	step := actionStep(&ActionStepConfig{Action: ActionAddTag, Tag: "onboarded"})
	result, err := p.Execute(context.Background(), testSequence(), testEnrollment(), step, sub)
	require.NoError(t, err)
	require.True(t, result.Success)

	stored := db.subscribers[sub.ID]
	require.Contains(t, stored.Tags, "onboarded")

	// Re-adding is a no-op, not a duplicate.
	_, err = p.Execute(context.Background(), testSequence(), testEnrollment(), step, stored)
	require.NoError(t, err)
	count := 0
	for _, tag := range db.subscribers[sub.ID].Tags {
		if tag == "onboarded" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestActionRemoveTag(t *testing.T) {
	db := newFakeDB()
	sub := testSubscriber()
	db.subscribers[sub.ID] = sub
	p := testActionProcessor(db)

	step := actionStep(&ActionStepConfig{Action: ActionRemoveTag, Tag: "vip"})
	result, err := p.Execute(context.Background(), testSequence(), testEnrollment(), step, sub)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotContains(t, db.subscribers[sub.ID].Tags, "vip")
}

func TestActionUpdateField(t *testing.T) {
	db := newFakeDB()
	sub := testSubscriber()
	db.subscribers[sub.ID] = sub
	p := testActionProcessor(db)

	tests := []struct {
		name    string
		field   string
		value   interface{}
		wantOK  bool
		verify  func(t *testing.T, s *Subscriber)
	}{
		{"allow-listed field", "company", "Analytical Engines", true, func(t *testing.T, s *Subscriber) {
			require.Equal(t, "Analytical Engines", s.Company)
		}},
		{"custom field dotted", "customFields.plan", "pro", true, func(t *testing.T, s *Subscriber) {
			require.Equal(t, "pro", s.CustomFields["plan"])
		}},
		{"custom field prefixed", "custom_score", 9, true, func(t *testing.T, s *Subscriber) {
			require.Equal(t, 9, s.CustomFields["score"])
		}},
		{"disallowed field rejected", "email", "evil@example.com", false, nil},
		{"status not updatable", "status", "unsubscribed", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := actionStep(&ActionStepConfig{Action: ActionUpdateField, Field: tt.field, Value: tt.value})
			result, err := p.Execute(context.Background(), testSequence(), testEnrollment(), step, db.subscribers[sub.ID])
			require.NoError(t, err)
			require.Equal(t, tt.wantOK, result.Success)
			if tt.verify != nil {
				tt.verify(t, db.subscribers[sub.ID])
			}
		})
	}

	// The rejected update must not have leaked through.
	require.Equal(t, "ada@example.com", db.subscribers[sub.ID].Email)
}

func TestActionMoveToSegment(t *testing.T) {
	db := newFakeDB()
	sub := testSubscriber()
	db.subscribers[sub.ID] = sub
	p := testActionProcessor(db)

	step := actionStep(&ActionStepConfig{Action: ActionMoveToSegment, SegmentID: "seg-9"})
	result, err := p.Execute(context.Background(), testSequence(), testEnrollment(), step, sub)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, []string{"sub-1:seg-9"}, db.segmentMove)
}

func TestActionUnsubscribeExits(t *testing.T) {
	db := newFakeDB()
	sub := testSubscriber()
	db.subscribers[sub.ID] = sub
	p := testActionProcessor(db)

	step := actionStep(&ActionStepConfig{Action: ActionUnsubscribe, Reason: "requested"})
	result, err := p.Execute(context.Background(), testSequence(), testEnrollment(), step, sub)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.True(t, result.ShouldExit)
	require.Equal(t, ExitUnsubscribed, result.ExitReason)
	require.Equal(t, []string{"sub-1:requested"}, db.unsubCalls)
}

func TestActionWebhookRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	db := newFakeDB()
	p := testActionProcessor(db)

	step := actionStep(&ActionStepConfig{Action: ActionWebhook, WebhookURL: srv.URL, MaxRetries: 3})
	result, err := p.Execute(context.Background(), testSequence(), testEnrollment(), step, testSubscriber())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestActionWebhookFailsAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	db := newFakeDB()
	p := testActionProcessor(db)

	step := actionStep(&ActionStepConfig{Action: ActionWebhook, WebhookURL: srv.URL, MaxRetries: 2})
	_, err := p.Execute(context.Background(), testSequence(), testEnrollment(), step, testSubscriber())
	require.Error(t, err, "webhook exhaustion propagates as a step failure")
	require.Equal(t, int32(3), atomic.LoadInt32(&calls), "initial try plus two retries")
}
