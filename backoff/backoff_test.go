package backoff_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/google/go-cmp/cmp"
	"github.com/parleyproto/parley/backoff"
)

func TestSchedule(t *testing.T) {
	ms := func(vs ...int) []time.Duration {
		out := make([]time.Duration, len(vs))
		for i, v := range vs {
			out[i] = time.Duration(v) * time.Millisecond
		}
		return out
	}
	tests := []struct {
		name   string
		policy backoff.Policy
		want   []time.Duration
	}{
		{"Default", backoff.Default(),
			ms(1000, 2000, 4000, 8000, 8000, 8000, 8000, 8000, 8000, 8000)},
		{"FiveRetries", backoff.Policy{Retries: 5, Factor: 2, MinTimeout: time.Second, MaxTimeout: 8 * time.Second},
			ms(1000, 2000, 4000, 8000, 8000)},
		{"Short", backoff.Policy{Retries: 5, Factor: 2, MinTimeout: 100 * time.Millisecond, MaxTimeout: 800 * time.Millisecond},
			ms(100, 200, 400, 800, 800)},
		{"FactorDefaulted", backoff.Policy{Retries: 3, MinTimeout: 10 * time.Millisecond},
			ms(10, 20, 40)},
		{"MinClamped", backoff.Policy{Retries: 2, Factor: 2},
			ms(1, 2)},
		{"Empty", backoff.Policy{}, ms()},
		{"ForeverSynthesized", backoff.Policy{Forever: true, MinTimeout: 50 * time.Millisecond},
			ms(50)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := test.policy.Schedule()
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("Schedule: (-want, +got)\n%s", diff)
			}
		})
	}
}

func TestScheduleRandomized(t *testing.T) {
	p := backoff.Policy{
		Retries:    4,
		Factor:     2,
		MinTimeout: 10 * time.Millisecond,
		MaxTimeout: 80 * time.Millisecond,
		Randomize:  true,
	}
	got := p.Schedule()
	if len(got) != 4 {
		t.Fatalf("Schedule length = %d, want 4", len(got))
	}
	for i, d := range got {
		if d < p.MinTimeout || d > p.MaxTimeout {
			t.Errorf("Schedule[%d] = %v, want in [%v, %v]", i, d, p.MinTimeout, p.MaxTimeout)
		}
		if i > 0 && d < got[i-1] {
			t.Errorf("Schedule[%d] = %v < Schedule[%d] = %v, want ascending", i, d, i-1, got[i-1])
		}
	}
}

func TestScheduleInvalid(t *testing.T) {
	p := backoff.Policy{Retries: 1, MinTimeout: 2 * time.Second, MaxTimeout: time.Second}
	got := mtest.MustPanic(t, func() { p.Schedule() }).(string)
	if got != "backoff: minimum timeout exceeds maximum timeout" {
		t.Errorf("Panic message: got %q", got)
	}
}

func TestOperationExhaustsSchedule(t *testing.T) {
	op := backoff.NewOperation(backoff.Policy{
		Retries: 3, Factor: 1, MinTimeout: 5 * time.Millisecond, MaxTimeout: 5 * time.Millisecond,
	})

	errFlaky := errors.New("flaky")
	done := make(chan struct{})
	op.Attempt(func(attempt int) {
		if !op.Retry(errFlaky) {
			close(done)
		}
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the schedule to drain")
	}

	if got := op.Attempts(); got != 4 {
		t.Errorf("Attempts = %d, want 4 (initial + 3 retries)", got)
	}
	if got := len(op.Errors()); got != 4 {
		t.Errorf("len(Errors) = %d, want 4", got)
	}
	if got := op.MainError(); !errors.Is(got, errFlaky) {
		t.Errorf("MainError = %v, want %v", got, errFlaky)
	}
}

func TestOperationNilError(t *testing.T) {
	op := backoff.NewOperation(backoff.Default())
	if op.Retry(nil) {
		t.Error("Retry(nil) = true, want false")
	}
	if got := len(op.Errors()); got != 0 {
		t.Errorf("len(Errors) = %d, want 0", got)
	}
}

func TestOperationStop(t *testing.T) {
	op := backoff.NewOperation(backoff.Policy{Retries: 2, MinTimeout: 20 * time.Millisecond})

	var count atomic.Int32
	op.Attempt(func(int) { count.Add(1) })
	if !op.Retry(errors.New("try again")) {
		t.Fatal("Retry = false, want true")
	}
	op.Stop()
	op.Stop() // idempotent

	time.Sleep(100 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("Attempt ran %d times after Stop, want 1", got)
	}
	if op.Retry(errors.New("again")) {
		t.Error("Retry after Stop = true, want false")
	}
}

func TestOperationForever(t *testing.T) {
	op := backoff.NewOperation(backoff.Policy{Forever: true, MinTimeout: time.Millisecond})

	e1, e2, e3 := errors.New("one"), errors.New("two"), errors.New("three")
	for i, err := range []error{e1, e2, e3} {
		if !op.Retry(err) {
			t.Fatalf("Retry %d = false, want true", i+1)
		}
	}

	// In forever mode only the most recent error is retained.
	if diff := cmp.Diff([]error{e3}, op.Errors(), cmp.Comparer(func(a, b error) bool {
		return errors.Is(a, b) || errors.Is(b, a)
	})); diff != "" {
		t.Errorf("Errors: (-want, +got)\n%s", diff)
	}
	op.Stop()
	if op.Retry(errors.New("later")) {
		t.Error("Retry after Stop = true, want false")
	}
}

func TestOperationMaxRetryTime(t *testing.T) {
	op := backoff.NewOperation(backoff.Policy{
		Retries: 5, MinTimeout: time.Millisecond, MaxRetryTime: time.Nanosecond,
	})
	op.Attempt(func(int) {})
	time.Sleep(time.Millisecond)

	errSlow := errors.New("still down")
	if op.Retry(errSlow) {
		t.Error("Retry past MaxRetryTime = true, want false")
	}
	errs := op.Errors()
	if len(errs) != 2 {
		t.Fatalf("len(Errors) = %d, want 2", len(errs))
	}
	if got := errs[0].Error(); got != "retry operation timed out" {
		t.Errorf("Errors[0] = %q, want the synthetic timeout error", got)
	}
	if !errors.Is(errs[1], errSlow) {
		t.Errorf("Errors[1] = %v, want %v", errs[1], errSlow)
	}
}

func TestOperationReset(t *testing.T) {
	op := backoff.NewOperation(backoff.Policy{Retries: 1, MinTimeout: time.Millisecond})

	done := make(chan struct{}, 1)
	op.Attempt(func(attempt int) {
		if attempt == 2 {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	if !op.Retry(errors.New("first")) {
		t.Fatal("Retry = false, want true")
	}
	<-done
	if op.Retry(errors.New("drained")) {
		t.Error("Retry on a drained schedule = true, want false")
	}

	op.Reset()
	if got := op.Attempts(); got != 1 {
		t.Errorf("Attempts after Reset = %d, want 1", got)
	}
	if !op.Retry(errors.New("fresh")) {
		t.Error("Retry after Reset = false, want true")
	}
	op.Stop()
}

func TestMainError(t *testing.T) {
	a1, b1 := errors.New("conn refused"), errors.New("timeout")
	b2, c1 := errors.New("timeout"), errors.New("reset")

	t.Run("MostFrequent", func(t *testing.T) {
		op := backoff.NewOperation(backoff.Policy{Retries: 10, MinTimeout: time.Millisecond})
		for _, err := range []error{a1, b1, b2, c1} {
			op.Retry(err)
		}
		op.Stop()
		if got := op.MainError(); got != b2 {
			t.Errorf("MainError = %v, want the most frequent message (latest instance)", got)
		}
	})
	t.Run("TieLatestWins", func(t *testing.T) {
		op := backoff.NewOperation(backoff.Policy{Retries: 10, MinTimeout: time.Millisecond})
		for _, err := range []error{a1, c1} {
			op.Retry(err)
		}
		op.Stop()
		if got := op.MainError(); got != c1 {
			t.Errorf("MainError = %v, want the latest error on a tie", got)
		}
	})
	t.Run("Empty", func(t *testing.T) {
		op := backoff.NewOperation(backoff.Default())
		if got := op.MainError(); got != nil {
			t.Errorf("MainError = %v, want nil", got)
		}
	})
}
