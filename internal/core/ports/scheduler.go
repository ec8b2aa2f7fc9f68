package ports

import "time"

type SchedulerService interface {
	Start()
	Stop()
	// ScheduleTaskEvery runs task at the given interval, optionally once
	// immediately as well.
	ScheduleTaskEvery(interval time.Duration, immediately bool, task func()) error
	ScheduleTaskOnce(at time.Time, task func()) error
}
