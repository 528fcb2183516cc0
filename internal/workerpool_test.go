package internal

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func qpsPtr(v float64) *float64 { return &v }

// blockingASGFacade blocks GetStatus until release is closed, letting a test
// force one group's evaluation past its per-call timeout.
type blockingASGFacade struct {
	fakeASGFacadeForPool
	release chan struct{}
	calls   int32
}

func (f *blockingASGFacade) GetStatus(ctx context.Context, asgID string) (ASGStatus, error) {
	atomic.AddInt32(&f.calls, 1)
	select {
	case <-f.release:
	case <-ctx.Done():
		return ASGStatus{}, ctx.Err()
	}
	return f.fakeASGFacadeForPool.GetStatus(ctx, asgID)
}

// fakeASGFacadeForPool is a minimal ASGFacade fake local to this file, kept
// separate from decision_test.go's blackbox fake since whitebox tests here
// live in package internal, not internal_test.
type fakeASGFacadeForPool struct {
	status     ASGStatus
	activities []RecentActivity
}

func (f *fakeASGFacadeForPool) GetStatus(ctx context.Context, asgID string) (ASGStatus, error) {
	return f.status, nil
}
func (f *fakeASGFacadeForPool) IsActivityInProgress(ctx context.Context, asgID string) (bool, error) {
	return false, nil
}
func (f *fakeASGFacadeForPool) ListRecentActivities(ctx context.Context, asgID string, pageSize int32) ([]RecentActivity, error) {
	return f.activities, nil
}
func (f *fakeASGFacadeForPool) ModifyCapacity(ctx context.Context, asgID string, desired int) error {
	return nil
}

type fakeMetricsForPool struct {
	qps map[string]*float64
}

func (f *fakeMetricsForPool) BatchAverageQPS(ctx context.Context, lbIDs []string, window time.Duration, now time.Time) (map[string]*float64, error) {
	out := make(map[string]*float64, len(lbIDs))
	for _, id := range lbIDs {
		out[id] = f.qps[id]
	}
	return out, nil
}

type fakeStateForPool struct {
	mu     sync.Mutex
	states map[int64]GroupRuntimeState
}

func newFakeStateForPool() *fakeStateForPool {
	return &fakeStateForPool{states: make(map[int64]GroupRuntimeState)}
}
func (f *fakeStateForPool) GetState(ctx context.Context, groupID int64) (GroupRuntimeState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[groupID]
	return st, ok, nil
}
func (f *fakeStateForPool) UpsertState(ctx context.Context, groupID int64, update StateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[groupID]
	st.ResourceGroupID = groupID
	f.states[groupID] = st
	return nil
}
func (f *fakeStateForPool) IncrementConsecutiveErrors(ctx context.Context, groupID int64) (int, error) {
	return 1, nil
}
func (f *fakeStateForPool) RecordActivity(ctx context.Context, activity ScalingActivity) (bool, error) {
	return true, nil
}
func (f *fakeStateForPool) RecordError(ctx context.Context, groupID *int64, source, message string, contextBlob []byte) error {
	return nil
}

func TestEvaluateOne_TimesOutWithoutAffectingOtherGroups(t *testing.T) {
	slow := &blockingASGFacade{release: make(chan struct{})}
	fast := fakeASGFacadeForPool{status: ASGStatus{MinInstances: 1, MaxInstances: 10, CurrentInstances: 2}}

	groups := []ResourceGroup{
		{ID: 1, ASGID: "slow", LBID: "lb-1", TargetQPSPerInstance: 100, MetricPeriodSeconds: 60},
		{ID: 2, ASGID: "fast", LBID: "lb-2", TargetQPSPerInstance: 100, MetricPeriodSeconds: 60},
	}

	// Group 1 gets the blocking facade, group 2 the normal one. The real
	// Controller shares one Engine and one ASG facade across all groups;
	// here each group gets its own Engine so that only group 1 sees the
	// blocking facade. For this test the important thing is that
	// evaluateOne's per-group timeout fires for group 1 without affecting
	// group 2's result.
	engines := map[int64]*Engine{
		1: NewEngine(slow, &fakeMetricsForPool{qps: map[string]*float64{"lb-1": qpsPtr(50)}}, newFakeStateForPool(), discardLogger(), 5, time.Minute),
		2: NewEngine(&fast, &fakeMetricsForPool{qps: map[string]*float64{"lb-2": qpsPtr(50)}}, newFakeStateForPool(), discardLogger(), 5, time.Minute),
	}

	results := make([]Decision, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		i, g := i, g
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = evaluateOne(context.Background(), engines[g.ID], g, qpsPtr(50), 50*time.Millisecond, time.Now())
		}()
	}
	wg.Wait()
	close(slow.release)

	// Group 1's facade call exceeds its per-group timeout; the engine's own
	// error path (asg_read_error, from the context deadline surfacing as a
	// GetStatus error) fires before evaluateOne's outer timeout check does.
	require.Equal(t, ActionNone, results[0].Action)
	require.NotEmpty(t, results[0].Error)

	require.Equal(t, ActionScaleUp, results[1].Action)
	require.Empty(t, results[1].Error)
}

// panicASGFacade panics on GetStatus, exercising evaluateOne's recover().
type panicASGFacade struct{ fakeASGFacadeForPool }

func (f *panicASGFacade) GetStatus(ctx context.Context, asgID string) (ASGStatus, error) {
	panic("boom")
}

func TestEvaluateOne_RecoversFromPanic(t *testing.T) {
	facade := &panicASGFacade{}
	engine := NewEngine(facade, &fakeMetricsForPool{qps: map[string]*float64{"lb": qpsPtr(10)}}, newFakeStateForPool(), discardLogger(), 5, time.Minute)

	group := ResourceGroup{ID: 1, ASGID: "asg", LBID: "lb"}

	dec := evaluateOne(context.Background(), engine, group, qpsPtr(10), time.Second, time.Now())

	require.Equal(t, ActionNone, dec.Action)
	require.Equal(t, "panic", dec.Reason)
	require.NotEmpty(t, dec.Error)
}

func TestEvaluateGroups_RespectsPoolSizeLimit(t *testing.T) {
	const groupCount = 6
	const poolSize = 2

	groups := make([]ResourceGroup, groupCount)
	qpsByLB := make(map[string]*float64, groupCount)
	for i := range groups {
		lb := "lb"
		groups[i] = ResourceGroup{ID: int64(i + 1), ASGID: "asg", LBID: lb, TargetQPSPerInstance: 100, MetricPeriodSeconds: 60}
		qpsByLB[lb] = qpsPtr(10)
	}

	var inFlight int32
	var maxInFlight int32
	facade := &trackingASGFacade{status: ASGStatus{MinInstances: 1, MaxInstances: 10, CurrentInstances: 1}, inFlight: &inFlight, maxInFlight: &maxInFlight}
	engine := NewEngine(facade, &fakeMetricsForPool{}, newFakeStateForPool(), discardLogger(), 5, time.Minute)

	results := evaluateGroups(context.Background(), engine, groups, qpsByLB, poolSize, time.Second, time.Now())

	require.Len(t, results, groupCount)
	require.LessOrEqual(t, int(atomic.LoadInt32(&maxInFlight)), poolSize)
}

// trackingASGFacade records the peak number of concurrent GetStatus calls,
// pausing briefly inside the call so overlapping goroutines are observable.
type trackingASGFacade struct {
	status      ASGStatus
	inFlight    *int32
	maxInFlight *int32
}

func (f *trackingASGFacade) GetStatus(ctx context.Context, asgID string) (ASGStatus, error) {
	n := atomic.AddInt32(f.inFlight, 1)
	for {
		m := atomic.LoadInt32(f.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(f.maxInFlight, m, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(f.inFlight, -1)
	return f.status, nil
}
func (f *trackingASGFacade) IsActivityInProgress(ctx context.Context, asgID string) (bool, error) {
	return false, nil
}
func (f *trackingASGFacade) ListRecentActivities(ctx context.Context, asgID string, pageSize int32) ([]RecentActivity, error) {
	return nil, nil
}
func (f *trackingASGFacade) ModifyCapacity(ctx context.Context, asgID string, desired int) error {
	return nil
}
