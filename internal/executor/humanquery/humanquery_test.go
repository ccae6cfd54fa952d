package humanquery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskrelay/taskrelay/internal/executor/humanquery"
	"github.com/taskrelay/taskrelay/internal/store"
	"github.com/taskrelay/taskrelay/internal/testutil"
)

func TestAsk_ReturnsAnswerOnceRecorded(t *testing.T) {
	st := testutil.NewTestStore(t)
	asker := humanquery.NewAsker(st,
		humanquery.WithPollInterval(10*time.Millisecond),
		humanquery.WithTimeout(5*time.Second),
	)
	task := store.Task{ID: "T1", ProcInstID: "P1", TenantID: "X", ActivityName: "review", AgentOrch: "crewai"}

	type result struct {
		resp map[string]any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := asker.Ask(context.Background(), task, "job-1", "approve the draft?",
			[]store.User{{ID: "U1"}, {ID: "U2"}})
		done <- result{resp, err}
	}()

	// The question and notifications land before any answer exists.
	require.Eventually(t, func() bool {
		var n int
		if err := st.DB().QueryRow(`SELECT COUNT(*) FROM events WHERE event_type = 'human_asked' AND job_id = 'job-1'`).Scan(&n); err != nil {
			return false
		}
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	var notified int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM notifications WHERE type = 'human_asked'`).Scan(&notified))
	assert.Equal(t, 2, notified)

	require.NoError(t, st.RecordEvent(context.Background(), store.EventRecord{
		ID: "e-answer", JobID: "job-1", TodoID: "T1", EventType: "human_response",
		Data: map[string]any{"answer": "approved"},
	}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, map[string]any{"answer": "approved"}, r.resp["data"])
	case <-time.After(5 * time.Second):
		t.Fatal("Ask did not return after the answer was recorded")
	}
}

func TestAsk_TimesOutWithoutAnswer(t *testing.T) {
	st := testutil.NewTestStore(t)
	asker := humanquery.NewAsker(st,
		humanquery.WithPollInterval(5*time.Millisecond),
		humanquery.WithTimeout(30*time.Millisecond),
	)

	_, err := asker.Ask(context.Background(), store.Task{ID: "T1"}, "job-1", "anyone there?", nil)
	require.ErrorIs(t, err, humanquery.ErrTimeout)
}

func TestAsk_StopsWhenContextCancelled(t *testing.T) {
	st := testutil.NewTestStore(t)
	asker := humanquery.NewAsker(st,
		humanquery.WithPollInterval(5*time.Millisecond),
		humanquery.WithTimeout(time.Minute),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := asker.Ask(ctx, store.Task{ID: "T1"}, "job-1", "anyone there?", nil)
	require.ErrorIs(t, err, context.Canceled)
}
