package queue

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/covault/covaultd/internal/core/ports"
)

type service struct {
	lock     sync.Mutex
	tasks    []func()
	draining bool
	stopped  bool
}

// NewService returns a FIFO task queue drained by at most one goroutine at a
// time. The drain goroutine is started lazily on the first enqueue and exits
// once the queue runs empty.
func NewService() ports.TaskQueue {
	return &service{}
}

func (s *service) Enqueue(task func()) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.stopped {
		return
	}
	s.tasks = append(s.tasks, task)
	if !s.draining {
		s.draining = true
		go s.drain()
	}
}

func (s *service) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.stopped = true
	s.tasks = nil
}

func (s *service) drain() {
	for {
		s.lock.Lock()
		if len(s.tasks) == 0 {
			s.draining = false
			s.lock.Unlock()
			return
		}
		task := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.lock.Unlock()

		s.run(task)
	}
}

func (s *service) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("task queue: recovered from panic: %v", r)
		}
	}()
	task()
}
