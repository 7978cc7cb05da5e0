package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sandboxrt/hostd/core"
)

// runScheduleGroup starts one goroutine per schedule and waits for all of
// them, mirroring the join-set pattern: the group ends when ctx is
// cancelled, and a panic in any one schedule aborts the whole group for
// this agent (not the supervisor's other agents).
func (s *Supervisor) runScheduleGroup(ctx context.Context, agent core.ID, schedules []core.Schedule) {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, sched := range schedules {
		wg.Add(1)
		go func(sched core.Schedule) {
			defer wg.Done()
			s.runSchedule(groupCtx, cancel, agent, sched)
		}(sched)
	}
	wg.Wait()
}

// runSchedule drives one schedule: either an immediate tick or, when not
// immediate, an initial delay; then a steady interval. Missed-tick policy is "delay":
// time.Ticker never queues more than one pending tick, so a slow consumer
// skips ticks rather than bursting to catch up, which is exactly the
// semantics wanted here.
func (s *Supervisor) runSchedule(ctx context.Context, abortGroup context.CancelFunc, agent core.ID, sched core.Schedule) {
	defer func() {
		if r := recover(); r != nil {
			s.emit(OutputEvent{Agent: agent, Kind: EventScheduleError, Err: fmt.Errorf("schedule task panicked: %v", r)})
			abortGroup()
		}
	}()

	fire := func() {
		if err := s.rt.RunSchedule(agent, sched.Method); err != nil {
			s.emit(OutputEvent{Agent: agent, Kind: EventScheduleError, Err: err})
			return
		}
		s.emit(OutputEvent{Agent: agent, Kind: EventScheduleTick})
	}

	if sched.Immediate {
		fire()
	}

	if !sched.Immediate && sched.DelaySec > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(sched.DelaySec) * time.Second):
		}
	}

	if sched.PeriodSec == 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(sched.PeriodSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire()
		}
	}
}
