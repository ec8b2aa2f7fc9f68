package timescheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/covault/covaultd/internal/core/ports"
)

type service struct {
	scheduler *gocron.Scheduler
}

func NewScheduler() ports.SchedulerService {
	svc := gocron.NewScheduler(time.UTC)
	return &service{svc}
}

func (s *service) Start() {
	s.scheduler.StartAsync()
}

func (s *service) Stop() {
	s.scheduler.Stop()
}

func (s *service) ScheduleTaskEvery(
	interval time.Duration, immediately bool, task func(),
) error {
	job := s.scheduler.Every(interval)
	if immediately {
		job = job.StartImmediately()
	} else {
		job = job.WaitForSchedule()
	}
	if _, err := job.Do(task); err != nil {
		return fmt.Errorf("failed to schedule task: %s", err)
	}
	return nil
}

func (s *service) ScheduleTaskOnce(at time.Time, task func()) error {
	if _, err := s.scheduler.Every(1).Day().StartAt(at).LimitRunsTo(1).Do(task); err != nil {
		return fmt.Errorf("failed to schedule task: %s", err)
	}
	return nil
}
