package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func fakeSleep(delays *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	var delays []time.Duration
	policy := DefaultRetryPolicy()
	policy.Sleep = fakeSleep(&delays)

	value, err := Retry(context.Background(), policy, "op", func(ctx context.Context) (int, error) {
		return 42, nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Empty(t, delays, "no sleep on success")
}

func TestRetry_ExactAttemptCountAndSchedule(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{
		Retries:   3,
		BaseDelay: 800 * time.Millisecond,
		MaxJitter: 300 * time.Millisecond,
		Sleep:     fakeSleep(&delays),
		Rand:      func() float64 { return 0.5 },
	}

	attempts := 0
	_, err := Retry(context.Background(), policy, "op", func(ctx context.Context) (int, error) {
		attempts++
		return 0, errors.New("transient")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	// Sleep happens after every failed attempt, including the last
	require.Len(t, delays, 3)
	assert.Equal(t, 800*time.Millisecond+150*time.Millisecond, delays[0])
	assert.Equal(t, 1600*time.Millisecond+150*time.Millisecond, delays[1])
	assert.Equal(t, 3200*time.Millisecond+150*time.Millisecond, delays[2])
}

func TestRetry_DelayBounds(t *testing.T) {
	// Delays satisfy base*2^(k-1) <= d_k < base*2^(k-1) + jitter for any
	// jitter draw.
	rapid.Check(t, func(t *rapid.T) {
		retries := rapid.IntRange(1, 5).Draw(t, "retries")
		jitterDraw := rapid.Float64Range(0, 0.999).Draw(t, "jitter")

		var delays []time.Duration
		policy := RetryPolicy{
			Retries:   retries,
			BaseDelay: 800 * time.Millisecond,
			MaxJitter: 300 * time.Millisecond,
			Sleep:     fakeSleep(&delays),
			Rand:      func() float64 { return jitterDraw },
		}

		attempts := 0
		_, err := Retry(context.Background(), policy, "op", func(ctx context.Context) (int, error) {
			attempts++
			return 0, errors.New("transient")
		}, nil)

		if err == nil {
			t.Fatal("expected terminal error")
		}
		if attempts != retries {
			t.Fatalf("attempts = %d, want %d", attempts, retries)
		}
		for k, d := range delays {
			lower := 800 * time.Millisecond * (1 << k)
			upper := lower + 300*time.Millisecond
			if d < lower || d >= upper {
				t.Fatalf("delay %d = %v outside [%v, %v)", k+1, d, lower, upper)
			}
		}
	})
}

func TestRetry_FallbackProducesResult(t *testing.T) {
	var delays []time.Duration
	policy := DefaultRetryPolicy()
	policy.Sleep = fakeSleep(&delays)

	value, err := Retry(context.Background(), policy, "op", func(ctx context.Context) (string, error) {
		return "", errors.New("down")
	}, func() (string, error) {
		return "fallback", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "fallback", value)
}

func TestRetry_FallbackFailureReturnsLastError(t *testing.T) {
	var delays []time.Duration
	policy := DefaultRetryPolicy()
	policy.Sleep = fakeSleep(&delays)

	opErr := errors.New("down")
	_, err := Retry(context.Background(), policy, "op", func(ctx context.Context) (string, error) {
		return "", opErr
	}, func() (string, error) {
		return "", errors.New("fallback broken")
	})

	require.ErrorIs(t, err, opErr)
}

func TestRetry_NotFoundPassesThrough(t *testing.T) {
	var delays []time.Duration
	policy := DefaultRetryPolicy()
	policy.Sleep = fakeSleep(&delays)

	attempts := 0
	_, err := Retry(context.Background(), policy, "op", func(ctx context.Context) (int, error) {
		attempts++
		return 0, NotFound("task", "T404")
	}, nil)

	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, attempts, "absent results must not be retried")
	assert.Empty(t, delays)
}

func TestRetry_ContextCancelStopsAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := DefaultRetryPolicy()
	policy.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	attempts := 0
	_, err := Retry(ctx, policy, "op", func(ctx context.Context) (int, error) {
		attempts++
		return 0, errors.New("transient")
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

type flakyStore struct {
	Store
	failures int
	calls    int
	lastRecs []EventRecord
}

func (f *flakyStore) RecordEventsBulk(ctx context.Context, recs []EventRecord) error {
	f.calls++
	if f.calls <= f.failures {
		return fmt.Errorf("transient failure %d", f.calls)
	}
	f.lastRecs = recs
	return nil
}

func TestReliable_RetriesTransientBulkWrite(t *testing.T) {
	raw := &flakyStore{failures: 2}
	policy := DefaultRetryPolicy()
	var delays []time.Duration
	policy.Sleep = fakeSleep(&delays)

	r := NewReliable(raw, policy)
	err := r.RecordEventsBulk(context.Background(), []EventRecord{{ID: "e1"}})

	require.NoError(t, err)
	assert.Equal(t, 3, raw.calls)
	assert.Len(t, raw.lastRecs, 1)
}

func TestReliable_OnExhaustedFires(t *testing.T) {
	raw := &flakyStore{failures: 100}
	policy := DefaultRetryPolicy()
	var delays []time.Duration
	policy.Sleep = fakeSleep(&delays)

	r := NewReliable(raw, policy)
	var exhausted []string
	r.OnExhausted = func(name string) { exhausted = append(exhausted, name) }

	err := r.RecordEventsBulk(context.Background(), []EventRecord{{ID: "e1"}})
	require.Error(t, err)
	assert.Equal(t, []string{"record_events_bulk"}, exhausted)
}

func TestNormalizeEmptyJSON(t *testing.T) {
	assert.Equal(t, "", NormalizeEmptyJSON("{}"))
	assert.Equal(t, "", NormalizeEmptyJSON("[]"))
	assert.Equal(t, "", NormalizeEmptyJSON(" {} "))
	assert.Equal(t, "", NormalizeEmptyJSON("null"))
	assert.Equal(t, "", NormalizeEmptyJSON(""))
	assert.Equal(t, `{"a":1}`, NormalizeEmptyJSON(`{"a":1}`))
}

func TestTask_EffectiveProcInstID(t *testing.T) {
	task := Task{ProcInstID: "P1"}
	assert.Equal(t, "P1", task.EffectiveProcInstID())

	task.RootProcInstID = "ROOT"
	assert.Equal(t, "ROOT", task.EffectiveProcInstID())
}
