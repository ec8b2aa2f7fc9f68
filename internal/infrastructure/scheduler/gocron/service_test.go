package timescheduler_test

import (
	"sync/atomic"
	"testing"
	"time"

	timescheduler "github.com/covault/covaultd/internal/infrastructure/scheduler/gocron"
	"github.com/stretchr/testify/require"
)

func TestScheduleTaskOnce(t *testing.T) {
	t.Parallel()

	svc := timescheduler.NewScheduler()
	svc.Start()
	t.Cleanup(svc.Stop)

	var called atomic.Bool
	err := svc.ScheduleTaskOnce(time.Now().Add(time.Second), func() {
		called.Store(true)
	})
	require.NoError(t, err)

	time.Sleep(3 * time.Second)
	require.True(t, called.Load())
}

func TestScheduleTaskEvery(t *testing.T) {
	t.Parallel()

	svc := timescheduler.NewScheduler()
	svc.Start()
	t.Cleanup(svc.Stop)

	var count atomic.Int32
	err := svc.ScheduleTaskEvery(time.Second, true, func() {
		count.Add(1)
	})
	require.NoError(t, err)

	time.Sleep(3 * time.Second)
	require.GreaterOrEqual(t, count.Load(), int32(2))
}
