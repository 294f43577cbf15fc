package scheduler

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	cfg.Clock = mock
	if cfg.Logger == nil {
		cfg.Logger = golog.NewTestLogger(t)
	}
	s, err := New(cfg)
	test.That(t, err, test.ShouldBeNil)
	return s, mock
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "logger")

	cfg.Logger = golog.NewTestLogger(t)
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	cfg.MaxTasksPerTick = -1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
	cfg.MaxTasksPerTick = 0

	cfg.TickBudget = -time.Millisecond
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestScheduleValidation(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})

	_, err := s.Schedule(TaskConfig{Name: "ok"}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "function")

	_, err = s.Schedule(TaskConfig{}, func(*TaskContext) Verdict { return Done() })
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "name")

	_, err = s.Schedule(TaskConfig{Name: "late", Delay: -time.Second},
		func(*TaskContext) Verdict { return Done() })
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "delay")

	_, err = s.Schedule(TaskConfig{Name: "greedy", Quota: -time.Second},
		func(*TaskContext) Verdict { return Done() })
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "quota")
}

func TestRunOrder(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})

	var order []string
	record := func(name string) TaskFunc {
		return func(*TaskContext) Verdict {
			order = append(order, name)
			return Done()
		}
	}

	// All ready at the same instant: priority wins, then schedule order.
	_, err := s.Schedule(TaskConfig{Name: "low", Priority: 1}, record("low"))
	test.That(t, err, test.ShouldBeNil)
	_, err = s.Schedule(TaskConfig{Name: "high", Priority: 5}, record("high"))
	test.That(t, err, test.ShouldBeNil)
	_, err = s.Schedule(TaskConfig{Name: "mid-a", Priority: 3}, record("mid-a"))
	test.That(t, err, test.ShouldBeNil)
	_, err = s.Schedule(TaskConfig{Name: "mid-b", Priority: 3}, record("mid-b"))
	test.That(t, err, test.ShouldBeNil)

	stats := s.Tick()
	test.That(t, stats.Ran, test.ShouldEqual, 4)
	test.That(t, stats.Remaining, test.ShouldEqual, 0)
	test.That(t, order, test.ShouldResemble, []string{"high", "mid-a", "mid-b", "low"})
}

func TestDelay(t *testing.T) {
	s, mock := newTestScheduler(t, Config{})

	ran := 0
	_, err := s.Schedule(TaskConfig{Name: "later", Delay: 100 * time.Millisecond},
		func(*TaskContext) Verdict {
			ran++
			return Done()
		})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, s.Tick().Ran, test.ShouldEqual, 0)
	mock.Add(50 * time.Millisecond)
	test.That(t, s.Tick().Ran, test.ShouldEqual, 0)
	test.That(t, ran, test.ShouldEqual, 0)

	mock.Add(50 * time.Millisecond)
	stats := s.Tick()
	test.That(t, stats.Ran, test.ShouldEqual, 1)
	test.That(t, ran, test.ShouldEqual, 1)
	test.That(t, stats.Remaining, test.ShouldEqual, 0)
}

func TestCancelBeforeRun(t *testing.T) {
	s, mock := newTestScheduler(t, Config{})

	ran := false
	h, err := s.Schedule(TaskConfig{Name: "doomed", Delay: 50 * time.Millisecond},
		func(*TaskContext) Verdict {
			ran = true
			return Done()
		})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Alive(), test.ShouldBeTrue)

	h.Cancel()
	test.That(t, h.Alive(), test.ShouldBeFalse)
	h.Cancel() // idempotent
	test.That(t, h.Alive(), test.ShouldBeFalse)

	mock.Add(100 * time.Millisecond)
	stats := s.Tick()
	test.That(t, ran, test.ShouldBeFalse)
	test.That(t, stats.Ran, test.ShouldEqual, 0)
	test.That(t, stats.Remaining, test.ShouldEqual, 0)
}

func TestCancelIf(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})

	ran := false
	h, err := s.Schedule(TaskConfig{
		Name:     "conditional",
		CancelIf: func() bool { return true },
	}, func(*TaskContext) Verdict {
		ran = true
		return Done()
	})
	test.That(t, err, test.ShouldBeNil)

	stats := s.Tick()
	test.That(t, ran, test.ShouldBeFalse)
	test.That(t, stats.Ran, test.ShouldEqual, 0)
	test.That(t, stats.Cancelled, test.ShouldEqual, 1)
	test.That(t, h.Alive(), test.ShouldBeFalse)
}

func TestPendingContinuesWithinTick(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})

	invocations := 0
	h, err := s.Schedule(TaskConfig{Name: "stepper"}, func(*TaskContext) Verdict {
		invocations++
		if invocations < 3 {
			return Pending()
		}
		return Done()
	})
	test.That(t, err, test.ShouldBeNil)

	stats := s.Tick()
	test.That(t, invocations, test.ShouldEqual, 3)
	test.That(t, stats.Ran, test.ShouldEqual, 3)
	test.That(t, stats.Requeued, test.ShouldEqual, 2)
	test.That(t, stats.Remaining, test.ShouldEqual, 0)
	test.That(t, h.Alive(), test.ShouldBeFalse)
}

func TestRescheduleIn(t *testing.T) {
	s, mock := newTestScheduler(t, Config{})

	runs := 0
	_, err := s.Schedule(TaskConfig{Name: "periodic"}, func(*TaskContext) Verdict {
		runs++
		if runs == 1 {
			return RescheduleIn(200 * time.Millisecond)
		}
		return Done()
	})
	test.That(t, err, test.ShouldBeNil)

	stats := s.Tick()
	test.That(t, stats.Ran, test.ShouldEqual, 1)
	test.That(t, stats.Requeued, test.ShouldEqual, 1)

	mock.Add(100 * time.Millisecond)
	test.That(t, s.Tick().Ran, test.ShouldEqual, 0)
	test.That(t, runs, test.ShouldEqual, 1)

	mock.Add(100 * time.Millisecond)
	test.That(t, s.Tick().Ran, test.ShouldEqual, 1)
	test.That(t, runs, test.ShouldEqual, 2)
}

func TestMaxTasksPerTick(t *testing.T) {
	s, _ := newTestScheduler(t, Config{MaxTasksPerTick: 2})

	ran := 0
	for i := 0; i < 5; i++ {
		_, err := s.Schedule(TaskConfig{Name: "bulk"}, func(*TaskContext) Verdict {
			ran++
			return Done()
		})
		test.That(t, err, test.ShouldBeNil)
	}

	stats := s.Tick()
	test.That(t, stats.Ran, test.ShouldEqual, 2)
	test.That(t, stats.Remaining, test.ShouldEqual, 3)

	test.That(t, s.Tick().Ran, test.ShouldEqual, 2)
	test.That(t, s.Tick().Ran, test.ShouldEqual, 1)
	test.That(t, ran, test.ShouldEqual, 5)
}

func TestTickBudget(t *testing.T) {
	s, mock := newTestScheduler(t, Config{TickBudget: 8 * time.Millisecond})

	// Each invocation burns 10ms of mock time, blowing the budget after
	// the first task.
	ran := 0
	for i := 0; i < 3; i++ {
		_, err := s.Schedule(TaskConfig{Name: "slow"}, func(*TaskContext) Verdict {
			ran++
			mock.Add(10 * time.Millisecond)
			return Done()
		})
		test.That(t, err, test.ShouldBeNil)
	}

	stats := s.Tick()
	test.That(t, stats.Ran, test.ShouldEqual, 1)
	test.That(t, stats.Remaining, test.ShouldEqual, 2)
	test.That(t, stats.Duration, test.ShouldEqual, 10*time.Millisecond)

	test.That(t, s.Tick().Ran, test.ShouldEqual, 1)
	test.That(t, s.Tick().Ran, test.ShouldEqual, 1)
	test.That(t, ran, test.ShouldEqual, 3)
}

func TestTaskContextBudgets(t *testing.T) {
	s, _ := newTestScheduler(t, Config{TickBudget: 8 * time.Millisecond})

	var quotaRemaining, freeRemaining time.Duration
	var name string
	_, err := s.Schedule(TaskConfig{Name: "budgeted", Quota: 5 * time.Millisecond},
		func(ctx *TaskContext) Verdict {
			quotaRemaining = ctx.Remaining()
			name = ctx.Name()
			return Done()
		})
	test.That(t, err, test.ShouldBeNil)
	_, err = s.Schedule(TaskConfig{Name: "free"}, func(ctx *TaskContext) Verdict {
		freeRemaining = ctx.Remaining()
		return Done()
	})
	test.That(t, err, test.ShouldBeNil)

	s.Tick()
	test.That(t, name, test.ShouldEqual, "budgeted")
	test.That(t, quotaRemaining, test.ShouldEqual, 5*time.Millisecond)
	test.That(t, freeRemaining, test.ShouldEqual, 8*time.Millisecond)
}

func TestScheduleFromTask(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})

	var order []string
	_, err := s.Schedule(TaskConfig{Name: "parent"}, func(ctx *TaskContext) Verdict {
		order = append(order, "parent")
		_, err := s.Schedule(TaskConfig{Name: "child"}, func(*TaskContext) Verdict {
			order = append(order, "child")
			return Done()
		})
		test.That(t, err, test.ShouldBeNil)
		return Done()
	})
	test.That(t, err, test.ShouldBeNil)

	stats := s.Tick()
	test.That(t, stats.Ran, test.ShouldEqual, 2)
	test.That(t, order, test.ShouldResemble, []string{"parent", "child"})
}

func TestPanicIsTerminal(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	s, _ := newTestScheduler(t, Config{Logger: logger})

	h, err := s.Schedule(TaskConfig{Name: "broken", Priority: 2}, func(*TaskContext) Verdict {
		panic("boom")
	})
	test.That(t, err, test.ShouldBeNil)

	survived := false
	_, err = s.Schedule(TaskConfig{Name: "fine", Priority: 1}, func(*TaskContext) Verdict {
		survived = true
		return Done()
	})
	test.That(t, err, test.ShouldBeNil)

	stats := s.Tick()
	test.That(t, stats.Ran, test.ShouldEqual, 2)
	test.That(t, survived, test.ShouldBeTrue)
	test.That(t, h.Alive(), test.ShouldBeFalse)
	test.That(t, len(logs.FilterMessageSnippet("panicked").All()), test.ShouldEqual, 1)

	// The panicked task never runs again.
	test.That(t, s.Tick().Ran, test.ShouldEqual, 0)
}

func TestCancelWhileRunning(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})

	var h *Handle
	invocations := 0
	h, err := s.Schedule(TaskConfig{Name: "self-cancel"}, func(*TaskContext) Verdict {
		invocations++
		h.Cancel()
		return Pending()
	})
	test.That(t, err, test.ShouldBeNil)

	stats := s.Tick()
	test.That(t, invocations, test.ShouldEqual, 1)
	test.That(t, stats.Remaining, test.ShouldEqual, 0)
	test.That(t, h.Alive(), test.ShouldBeFalse)

	test.That(t, s.Tick().Ran, test.ShouldEqual, 0)
}

func TestStats(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})

	_, err := s.Schedule(TaskConfig{Name: "waiting", Delay: time.Hour},
		func(*TaskContext) Verdict { return Done() })
	test.That(t, err, test.ShouldBeNil)

	s.Tick()
	s.Tick()
	s.Tick()

	st := s.Stats()
	test.That(t, st.Ticks, test.ShouldEqual, 3)
	test.That(t, st.Pending, test.ShouldEqual, 1)
	test.That(t, st.AvgTickDuration, test.ShouldEqual, time.Duration(0))
}
