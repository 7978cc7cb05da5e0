// Package supervisor owns every agent's long-running work: schedule fan-out
// and the single outbound WebSocket connection an agent may configure. Both
// are started once per installed agent and run until StopAgent or Stop is
// called; revoking an agent does not by itself stop its tasks.
package supervisor

import (
	"context"
	"sync"

	"github.com/sandboxrt/hostd/core"
	"github.com/sirupsen/logrus"
)

// EventKind classifies an OutputEvent.
type EventKind string

const (
	EventScheduleTick  EventKind = "schedule_tick"
	EventScheduleError EventKind = "schedule_error"
	EventWSOpen        EventKind = "ws_open"
	EventWSMessage     EventKind = "ws_message"
	EventWSError       EventKind = "ws_error"
	EventWSClose       EventKind = "ws_close"
)

// OutputEvent is one notable thing a supervised task did, drained by
// whatever the host wires to Supervisor.Events() (metrics, audit log, the
// HTTP surface's own event stream).
type OutputEvent struct {
	Agent core.ID
	Kind  EventKind
	Err   error
}

// Supervisor runs the schedule and WebSocket tasks for every installed
// agent. Each agent gets its own cancelable group; a panic inside one
// schedule task aborts only that agent's schedule group, not the whole
// supervisor.
type Supervisor struct {
	rt  *core.Runtime
	log *logrus.Logger

	out chan OutputEvent

	mu     sync.Mutex
	groups map[core.ID]context.CancelFunc
}

// New builds a Supervisor. outBuf bounds the output-event channel; once
// full, events are dropped rather than blocking a task (a slow consumer
// must not stall schedule ticks or websocket reads).
func New(rt *core.Runtime, log *logrus.Logger, outBuf int) *Supervisor {
	return &Supervisor{
		rt:     rt,
		log:    log,
		out:    make(chan OutputEvent, outBuf),
		groups: make(map[core.ID]context.CancelFunc),
	}
}

// Events returns the shared output-event channel.
func (s *Supervisor) Events() <-chan OutputEvent { return s.out }

func (s *Supervisor) emit(ev OutputEvent) {
	select {
	case s.out <- ev:
	default:
		s.log.WithField("agent", ev.Agent.String()).Warn("supervisor: output event dropped, channel full")
	}
}

// StartAgent launches the schedule tasks and (if configured) the WebSocket
// task for agent, per init. Calling it twice for the same agent first stops
// the previous group.
func (s *Supervisor) StartAgent(agent core.ID, init core.AgentInit) {
	s.StopAgent(agent)

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.groups[agent] = cancel
	s.mu.Unlock()

	if len(init.Schedules) > 0 {
		go s.runScheduleGroup(ctx, agent, init.Schedules)
	}
	if init.WS != nil {
		go s.runWSClient(ctx, agent, *init.WS)
	}
}

// StopAgent cancels agent's running tasks, if any.
func (s *Supervisor) StopAgent(agent core.ID) {
	s.mu.Lock()
	cancel, ok := s.groups[agent]
	delete(s.groups, agent)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop cancels every agent's running tasks.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	groups := s.groups
	s.groups = make(map[core.ID]context.CancelFunc)
	s.mu.Unlock()
	for _, cancel := range groups {
		cancel()
	}
}
