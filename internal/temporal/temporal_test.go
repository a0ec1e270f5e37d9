package temporal

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reflex/internal/bus"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/value"
)

var testStart = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeDeadliner records scheduled callbacks so tests fire them
// synchronously on their own goroutine.
type fakeDeadliner struct {
	deadlines []*fakeDeadline
}

type fakeDeadline struct {
	at        time.Time
	fn        func()
	cancelled bool
	fired     bool
}

func (d *fakeDeadliner) After(t time.Time, fn func()) func() bool {
	fd := &fakeDeadline{at: t, fn: fn}
	d.deadlines = append(d.deadlines, fd)
	return func() bool {
		live := !fd.cancelled && !fd.fired
		fd.cancelled = true
		return live
	}
}

func (d *fakeDeadliner) fire(now time.Time) {
	for _, fd := range d.deadlines {
		if fd.cancelled || fd.fired || fd.at.After(now) {
			continue
		}
		fd.fired = true
		fd.fn()
	}
}

type testEnv struct {
	t         *testing.T
	engine    *Engine
	clock     *clockwork.FakeClock
	deadliner *fakeDeadliner
	completed []Completion
	nextID    int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{t: t, clock: clockwork.NewFakeClockAt(testStart), deadliner: &fakeDeadliner{}}
	env.engine = New(env.clock, env.deadliner, func(ruleID, key string) {
		if c := env.engine.HandleDeadline(ruleID, key); c != nil {
			env.completed = append(env.completed, *c)
		}
	})
	return env
}

func (env *testEnv) add(id string, p rule.TemporalPattern) {
	env.t.Helper()
	require.NoError(env.t, env.engine.Add(rule.Rule{
		ID:      id,
		Name:    id,
		Trigger: rule.TemporalTrigger{Pattern: p},
	}))
}

func (env *testEnv) emit(topic string, data value.Map) []Completion {
	env.nextID++
	return env.engine.HandleEvent(bus.Event{
		ID:        fmt.Sprintf("ev-%d", env.nextID),
		Topic:     topic,
		Data:      data,
		Timestamp: env.clock.Now(),
	})
}

// advance moves virtual time and fires any deadlines that became due.
func (env *testEnv) advance(d time.Duration) {
	env.clock.Advance(d)
	env.deadliner.fire(env.clock.Now())
}

func orderData(id string) value.Map {
	return value.Map{"orderId": value.String(id)}
}

func orderSequence() rule.Sequence {
	return rule.Sequence{
		Events: []rule.EventMatcher{
			{Topic: "order.created", As: "order"},
			{Topic: "payment.received", As: "payment"},
		},
		Within:  5 * time.Minute,
		GroupBy: "orderId",
	}
}

func TestSequenceCompletesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.add("seq", orderSequence())

	require.Empty(t, env.emit("order.created", orderData("A")))
	env.advance(30 * time.Second)
	done := env.emit("payment.received", orderData("A"))
	require.Len(t, done, 1)

	c := done[0]
	assert.Equal(t, "seq", c.RuleID)
	got, ok := value.Lookup(c.Data, "orderId")
	require.True(t, ok)
	assert.Equal(t, value.String("A"), got)
	got, ok = value.Lookup(c.Data, "order.orderId")
	require.True(t, ok)
	assert.Equal(t, value.String("A"), got)
	got, ok = value.Lookup(c.Data, "events.payment.topic")
	require.True(t, ok)
	assert.Equal(t, value.String("payment.received"), got)

	// A repeated first event alone must not re-fire.
	require.Empty(t, env.emit("order.created", orderData("A")))
	// A fresh pair does.
	require.Len(t, env.emit("payment.received", orderData("A")), 1)
}

func TestSequenceWindowExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.add("seq", orderSequence())

	env.emit("order.created", orderData("A"))
	env.advance(6 * time.Minute)
	require.Empty(t, env.emit("payment.received", orderData("A")))

	env.emit("order.created", orderData("A"))
	env.advance(time.Minute)
	require.Len(t, env.emit("payment.received", orderData("A")), 1)
}

func TestSequenceFindsLateSubSequence(t *testing.T) {
	env := newTestEnv(t)
	env.add("seq", orderSequence())

	// First start expires, but a second start keeps a fresher run alive.
	env.emit("order.created", orderData("A"))
	env.advance(4 * time.Minute)
	env.emit("order.created", orderData("A"))
	env.advance(3 * time.Minute)
	done := env.emit("payment.received", orderData("A"))
	require.Len(t, done, 1, "the pair starting at 4m is inside the window")
}

func TestSequencePartitionsByGroup(t *testing.T) {
	env := newTestEnv(t)
	env.add("seq", orderSequence())

	env.emit("order.created", orderData("A"))
	env.emit("order.created", orderData("B"))

	done := env.emit("payment.received", orderData("B"))
	require.Len(t, done, 1)
	got, _ := value.Lookup(done[0].Data, "orderId")
	assert.Equal(t, value.String("B"), got)

	done = env.emit("payment.received", orderData("A"))
	require.Len(t, done, 1)
	got, _ = value.Lookup(done[0].Data, "orderId")
	assert.Equal(t, value.String("A"), got)
}

func TestSequenceStrictResetsOnForeignEvent(t *testing.T) {
	env := newTestEnv(t)
	seq := rule.Sequence{
		Events: []rule.EventMatcher{
			{Topic: "job.started"},
			{Topic: "job.finished"},
		},
		Within:  5 * time.Minute,
		GroupBy: "jobId",
		Strict:  true,
	}
	env.add("strict", seq)

	data := value.Map{"jobId": value.String("j1")}
	env.emit("job.started", data)
	env.emit("worker.heartbeat", data)
	require.Empty(t, env.emit("job.finished", data), "foreign event resets strict progress")

	env.emit("job.started", data)
	require.Len(t, env.emit("job.finished", data), 1)
}

func TestSequenceFilterSubsetMatch(t *testing.T) {
	env := newTestEnv(t)
	seq := orderSequence()
	seq.Events[0].Filter = value.Map{"kind": value.String("express")}
	env.add("seq", seq)

	data := orderData("A")
	data["kind"] = value.String("standard")
	env.emit("order.created", data)
	require.Empty(t, env.emit("payment.received", orderData("A")), "filtered-out start must not arm the sequence")

	data["kind"] = value.String("express")
	env.emit("order.created", data)
	require.Len(t, env.emit("payment.received", orderData("A")), 1)
}

func absencePattern() rule.Absence {
	return rule.Absence{
		After:    rule.EventMatcher{Topic: "order.created"},
		Expected: rule.EventMatcher{Topic: "payment.received"},
		Within:   10 * time.Minute,
		GroupBy:  "orderId",
	}
}

func TestAbsenceFiresAfterDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.add("abs", absencePattern())

	env.emit("order.created", orderData("B"))
	env.advance(11 * time.Minute)

	require.Len(t, env.completed, 1)
	c := env.completed[0]
	assert.Equal(t, "abs", c.RuleID)
	got, _ := value.Lookup(c.Data, "orderId")
	assert.Equal(t, value.String("B"), got)
	assert.Equal(t, testStart.Add(10*time.Minute), c.At)

	env.advance(time.Hour)
	assert.Len(t, env.completed, 1, "a deadline fires exactly once")
}

func TestAbsenceCancelledByExpected(t *testing.T) {
	env := newTestEnv(t)
	env.add("abs", absencePattern())

	env.emit("order.created", orderData("B"))
	env.advance(5 * time.Minute)
	env.emit("payment.received", orderData("B"))
	env.advance(time.Hour)

	assert.Empty(t, env.completed)
	assert.Zero(t, env.engine.PartitionCount())
}

func TestAbsenceFirstArmingWins(t *testing.T) {
	env := newTestEnv(t)
	env.add("abs", absencePattern())

	env.emit("order.created", orderData("B"))
	env.advance(2 * time.Minute)
	env.emit("order.created", orderData("B"))

	env.advance(8*time.Minute + time.Second)
	require.Len(t, env.completed, 1, "the repeated after event must not move the deadline")
	assert.Equal(t, testStart.Add(10*time.Minute), env.completed[0].At)

	env.advance(time.Hour)
	assert.Len(t, env.completed, 1)
}

func TestAbsenceIsolatesPartitions(t *testing.T) {
	env := newTestEnv(t)
	env.add("abs", absencePattern())

	env.emit("order.created", orderData("A"))
	env.emit("order.created", orderData("B"))
	env.advance(5 * time.Minute)
	env.emit("payment.received", orderData("A"))
	env.advance(6 * time.Minute)

	require.Len(t, env.completed, 1)
	got, _ := value.Lookup(env.completed[0].Data, "orderId")
	assert.Equal(t, value.String("B"), got)
}

func loginFailure(user string) value.Map {
	return value.Map{"userId": value.String(user)}
}

func TestCountSlidingDebounces(t *testing.T) {
	env := newTestEnv(t)
	env.add("cnt", rule.Count{
		Event:     rule.EventMatcher{Topic: "auth.login_failed"},
		Threshold: 3,
		Window:    time.Minute,
		GroupBy:   "userId",
		Sliding:   true,
	})

	var fired []Completion
	for i := 0; i < 5; i++ {
		fired = append(fired, env.emit("auth.login_failed", loginFailure("u1"))...)
		env.advance(10 * time.Second)
	}
	require.Len(t, fired, 1, "fires once at the third failure, not again while above threshold")
	got, _ := value.Lookup(fired[0].Data, "count")
	assert.Equal(t, value.Number(3), got)
	got, _ = value.Lookup(fired[0].Data, "userId")
	assert.Equal(t, value.String("u1"), got)

	// After a quiet stretch the window empties and the latch re-arms.
	env.advance(2 * time.Minute)
	fired = fired[:0]
	for i := 0; i < 3; i++ {
		fired = append(fired, env.emit("auth.login_failed", loginFailure("u1"))...)
	}
	require.Len(t, fired, 1)
}

func TestCountTumblingWindows(t *testing.T) {
	env := newTestEnv(t)
	env.add("cnt", rule.Count{
		Event:     rule.EventMatcher{Topic: "api.throttle"},
		Threshold: 2,
		Window:    time.Minute,
	})

	data := value.Map{}
	var fired []Completion
	fired = append(fired, env.emit("api.throttle", data)...)
	env.advance(30 * time.Second)
	fired = append(fired, env.emit("api.throttle", data)...)
	require.Len(t, fired, 1, "second event inside the window satisfies the threshold")

	env.advance(20 * time.Second)
	fired = append(fired, env.emit("api.throttle", data)...)
	assert.Len(t, fired, 1, "latched while the window holds")

	// Past the window boundary the partition starts fresh.
	env.advance(time.Minute)
	fired = append(fired, env.emit("api.throttle", data)...)
	assert.Len(t, fired, 1)
	env.advance(10 * time.Second)
	fired = append(fired, env.emit("api.throttle", data)...)
	assert.Len(t, fired, 2)
}

func TestCountPartitionsIndependently(t *testing.T) {
	env := newTestEnv(t)
	env.add("cnt", rule.Count{
		Event:     rule.EventMatcher{Topic: "auth.login_failed"},
		Threshold: 2,
		Window:    time.Minute,
		GroupBy:   "userId",
		Sliding:   true,
	})

	require.Empty(t, env.emit("auth.login_failed", loginFailure("u1")))
	require.Empty(t, env.emit("auth.login_failed", loginFailure("u2")))
	require.Len(t, env.emit("auth.login_failed", loginFailure("u1")), 1)
}

func TestAggregateSum(t *testing.T) {
	env := newTestEnv(t)
	env.add("agg", rule.Aggregate{
		Event:     rule.EventMatcher{Topic: "order.created"},
		Field:     "amount",
		Function:  rule.AggSum,
		Threshold: 100,
		Window:    time.Minute,
		GroupBy:   "userId",
	})

	order := func(amount float64) value.Map {
		return value.Map{"userId": value.String("u1"), "amount": value.Number(amount)}
	}

	require.Empty(t, env.emit("order.created", order(40)))
	env.advance(10 * time.Second)
	require.Empty(t, env.emit("order.created", order(30)))
	env.advance(10 * time.Second)
	done := env.emit("order.created", order(40))
	require.Len(t, done, 1)

	got, _ := value.Lookup(done[0].Data, "aggregate.value")
	assert.Equal(t, value.Number(110), got)
	got, _ = value.Lookup(done[0].Data, "aggregate.function")
	assert.Equal(t, value.String("sum"), got)

	// Still above threshold: latched.
	require.Empty(t, env.emit("order.created", order(10)))

	// Window drains below threshold, then refills.
	env.advance(2 * time.Minute)
	require.Empty(t, env.emit("order.created", order(60)))
	require.Len(t, env.emit("order.created", order(50)), 1)
}

func TestAggregateIgnoresNonNumericField(t *testing.T) {
	env := newTestEnv(t)
	env.add("agg", rule.Aggregate{
		Event:     rule.EventMatcher{Topic: "order.created"},
		Field:     "amount",
		Function:  rule.AggSum,
		Threshold: 10,
		Window:    time.Minute,
	})

	require.Empty(t, env.emit("order.created", value.Map{"amount": value.String("lots")}))
	assert.Zero(t, env.engine.PartitionCount())
}

func TestSweepReclaimsIdlePartitions(t *testing.T) {
	env := newTestEnv(t)
	env.add("cnt", rule.Count{
		Event:     rule.EventMatcher{Topic: "x"},
		Threshold: 5,
		Window:    time.Minute,
		GroupBy:   "k",
		Sliding:   true,
	})
	env.add("abs", absencePattern())

	env.emit("x", value.Map{"k": value.String("a")})
	env.emit("order.created", orderData("B"))
	assert.Equal(t, 2, env.engine.PartitionCount())

	// Idle beyond twice the count window, but the armed absence stays.
	removed := env.engine.Sweep(env.clock.Now().Add(3 * time.Minute))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, env.engine.PartitionCount())
}

func TestRemoveCancelsPendingDeadlines(t *testing.T) {
	env := newTestEnv(t)
	env.add("abs", absencePattern())

	env.emit("order.created", orderData("B"))
	env.engine.Remove("abs")
	env.advance(time.Hour)

	assert.Empty(t, env.completed)
	assert.Zero(t, env.engine.PartitionCount())
}

func TestAddReplacesState(t *testing.T) {
	env := newTestEnv(t)
	cnt := rule.Count{
		Event:     rule.EventMatcher{Topic: "x"},
		Threshold: 3,
		Window:    time.Minute,
		Sliding:   true,
	}
	env.add("cnt", cnt)

	env.emit("x", value.Map{})
	env.emit("x", value.Map{})
	env.add("cnt", cnt)

	require.Empty(t, env.emit("x", value.Map{}), "replacing a rule resets its accumulated state")
}

func TestAddRejectsNonTemporalRule(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.Add(rule.Rule{ID: "r", Trigger: rule.EventTrigger{Topic: "a.b"}})
	assert.Error(t, err)
}
