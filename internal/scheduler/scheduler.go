// Package scheduler implements priority-lane request scheduling with aging,
// deadline awareness and starvation prevention.
//
// Requests enter one of five lanes derived from their nominal priority,
// adaptively repriced by measured system load pushed in from the control
// loop (queue fill serves as a floor). A periodic drain tick dispatches
// work: the critical lane drains strictly first in FIFO order; the
// remaining lanes are served oldest-first, or, when deadline or cost
// awareness is enabled, by a composite score that blends lane weight, time
// waited, deadline urgency, estimated cost and user tier. Waiters that
// exceed the starvation threshold are promoted ahead of nominal order so
// no lane starves indefinitely. During the emergency phase background work
// is refused at admission. Every request settles exactly once: dispatched,
// timed out, evicted or rejected.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cboxdk/overload-manager/internal/config"
	"github.com/cboxdk/overload-manager/internal/telemetry"
	"github.com/cboxdk/overload-manager/internal/types"
	"go.uber.org/zap"
)

const laneCount = int(types.PriorityBackground) + 1

// Lane weights for the composite score, by priority.
var laneWeights = [laneCount]float64{100, 80, 60, 40, 20}

// Score shaping constants.
const (
	ageBonusPerSecond = 2.0
	ageBonusCap       = 30.0
	deadlineUrgencyMax = 25.0
	costBonusMax      = 10.0
	tierBonusPremium  = 8.0
	tierBonusInternal = 12.0
	retryPenalty      = 3.0

	// Queue-load fractions that trigger adaptive repricing.
	repriceHeavyLoad    = 0.8
	repriceModerateLoad = 0.6
)

// Handler is the unit of work dispatched for a request. A nil handler
// settles the request at dispatch time, which lets callers use the
// scheduler purely as an admission gate.
type Handler func(ctx context.Context) error

// Request is one unit of work submitted to the scheduler.
type Request struct {
	ID       string
	Endpoint string
	Meta     types.RequestMetadata
	Handler  Handler
}

// Ticket is the caller's handle on a queued request. Wait blocks until the
// request settles or the caller's context is canceled.
type Ticket struct {
	id     string
	result chan error
}

// Wait blocks until the request settles. Context cancellation returns the
// context error; the request itself stays queued and settles on its own.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the request identifier the ticket tracks.
func (t *Ticket) ID() string { return t.id }

// item is a queued request with its settlement state.
type item struct {
	req        Request
	lane       types.Priority
	enqueuedAt time.Time
	result     chan error
	settled    bool
}

// QueueStats is a point-in-time snapshot of scheduler state.
type QueueStats struct {
	Depths     map[string]int `json:"depths"`
	Total      int            `json:"total"`
	InFlight   int            `json:"in_flight"`
	Enqueued   uint64         `json:"enqueued"`
	Dispatched uint64         `json:"dispatched"`
	Completed  uint64         `json:"completed"`
	Failed     uint64         `json:"failed"`
	TimedOut   uint64         `json:"timed_out"`
	Evicted    uint64         `json:"evicted"`
	Rejected   uint64         `json:"rejected"`
}

// Scheduler owns the priority lanes and the dispatch loop state.
type Scheduler struct {
	cfg     config.SchedulerConfig
	emitter *telemetry.EventEmitter
	clock   types.Clock
	logger  *zap.Logger

	mu         sync.Mutex
	lanes      [laneCount][]*item
	total      int
	inFlight   int
	stopped    bool
	phase      types.Phase
	systemLoad float64
	stats      QueueStats
}

// New creates a scheduler. The emitter may be nil.
func New(cfg config.SchedulerConfig, emitter *telemetry.EventEmitter, clock types.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		emitter: emitter,
		clock:   clock,
		logger:  logger,
	}
}

// SetSystemState feeds the current phase and measured system load into the
// scheduler. The control loop pushes both on every evaluation tick; they
// drive adaptive repricing and emergency admission control.
func (s *Scheduler) SetSystemState(phase types.Phase, load float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
	s.systemLoad = load
}

// Enqueue admits a request into its priority lane. During the emergency
// phase background work is refused outright. When the queue is full it
// evicts the lowest-scored background or low waiter to make room for
// strictly more important work; otherwise the request is rejected.
func (s *Scheduler) Enqueue(ctx context.Context, req Request) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}

	lane := s.repriceLocked(req.Meta)

	if s.phase == types.PhaseEmergency && lane == types.PriorityBackground {
		s.stats.Rejected++
		s.logger.Warn("Background request blocked during emergency",
			zap.String("request_id", req.ID))
		return nil, ErrBlocked
	}

	if s.total >= s.cfg.MaxQueueSize {
		if !s.evictForLocked(ctx, lane) {
			s.stats.Rejected++
			s.logger.Warn("Request rejected, queue full",
				zap.String("request_id", req.ID),
				zap.String("priority", req.Meta.Priority.String()))
			return nil, ErrQueueFull
		}
	}

	it := &item{
		req:        req,
		lane:       lane,
		enqueuedAt: s.clock.Now(),
		result:     make(chan error, 1),
	}
	s.lanes[lane] = append(s.lanes[lane], it)
	s.total++
	s.stats.Enqueued++

	s.emitRequestEvent(ctx, telemetry.EventTypeRequestQueued, it, nil)

	return &Ticket{id: req.ID, result: it.result}, nil
}

// repriceLocked maps nominal priority to an effective lane based on load:
// under heavy load low and medium work is demoted one lane, under moderate
// load only non-premium low work is; lightly loaded systems promote
// internal and premium callers one lane. Load is the measured system load
// pushed in via SetSystemState, with queue fill as a floor.
func (s *Scheduler) repriceLocked(meta types.RequestMetadata) types.Priority {
	lane := meta.Priority
	if lane < types.PriorityCritical {
		lane = types.PriorityCritical
	}
	if lane > types.PriorityBackground {
		lane = types.PriorityBackground
	}

	load := float64(s.total) / float64(s.cfg.MaxQueueSize)
	if s.systemLoad > load {
		load = s.systemLoad
	}
	switch {
	case load > repriceHeavyLoad:
		if lane == types.PriorityLow || lane == types.PriorityMedium {
			lane++
		}
	case load > repriceModerateLoad:
		if lane == types.PriorityLow && meta.UserTier != types.TierPremium && meta.UserTier != types.TierInternal {
			lane++
		}
	default:
		if (meta.UserTier == types.TierInternal || meta.UserTier == types.TierPremium) && lane > types.PriorityCritical {
			lane--
		}
	}
	return lane
}

// evictForLocked frees one slot for an incoming request by settling the
// lowest-scored waiter from the background lane, then the low lane. Only
// strictly more important work may evict.
func (s *Scheduler) evictForLocked(ctx context.Context, incoming types.Priority) bool {
	now := s.clock.Now()
	for _, victim := range []types.Priority{types.PriorityBackground, types.PriorityLow} {
		if incoming >= victim {
			continue
		}
		lane := s.lanes[victim]
		if len(lane) == 0 {
			continue
		}
		worst, worstScore := 0, s.score(lane[0], now)
		for i := 1; i < len(lane); i++ {
			if sc := s.score(lane[i], now); sc < worstScore {
				worst, worstScore = i, sc
			}
		}
		it := lane[worst]
		s.removeLocked(victim, worst)
		s.total--
		s.settleLocked(it, ErrEvicted)
		s.stats.Evicted++
		s.emitRequestEvent(ctx, telemetry.EventTypeRequestFailed, it, ErrEvicted)
		return true
	}
	return false
}

// Drain runs one dispatch tick: expire overdue waiters, then dispatch up to
// the concurrency limit. Returns the number of requests dispatched.
func (s *Scheduler) Drain(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0
	}

	now := s.clock.Now()
	s.expireLocked(ctx, now)

	dispatched := 0
	for s.inFlight < s.cfg.MaxConcurrent && s.total > 0 {
		it := s.nextLocked(now)
		if it == nil {
			break
		}
		s.dispatchLocked(ctx, it, now)
		dispatched++
	}
	return dispatched
}

// expireLocked settles waiters past their maximum wait or their deadline.
func (s *Scheduler) expireLocked(ctx context.Context, now time.Time) {
	for lane := range s.lanes {
		kept := s.lanes[lane][:0]
		for _, it := range s.lanes[lane] {
			maxWait := it.req.Meta.MaxWait
			if maxWait <= 0 {
				maxWait = s.cfg.MaxWait
			}
			overdue := now.Sub(it.enqueuedAt) >= maxWait
			if !overdue && s.cfg.DeadlineAware && !it.req.Meta.Deadline.IsZero() {
				overdue = now.After(it.req.Meta.Deadline)
			}
			if overdue {
				s.total--
				s.settleLocked(it, ErrTimedOut)
				s.stats.TimedOut++
				s.emitRequestEvent(ctx, telemetry.EventTypeRequestTimeout, it, ErrTimedOut)
				continue
			}
			kept = append(kept, it)
		}
		s.lanes[lane] = kept
	}
}

// nextLocked selects the next request to dispatch. The critical lane is
// strict FIFO and always first. A waiter past the starvation threshold in
// the background, low or medium lane overrides nominal order. Otherwise the
// first non-empty lane is served oldest-first, or by best score when
// deadline or cost awareness is enabled.
func (s *Scheduler) nextLocked(now time.Time) *item {
	if len(s.lanes[types.PriorityCritical]) > 0 {
		return s.takeLocked(types.PriorityCritical, 0)
	}

	if s.cfg.StarvationThreshold > 0 {
		for _, lane := range []types.Priority{types.PriorityBackground, types.PriorityLow, types.PriorityMedium} {
			for i, it := range s.lanes[lane] {
				if now.Sub(it.enqueuedAt) >= s.cfg.StarvationThreshold {
					return s.takeLocked(lane, i)
				}
			}
		}
	}

	scored := s.cfg.DeadlineAware || s.cfg.CostAware
	for lane := types.PriorityHigh; lane <= types.PriorityBackground; lane++ {
		if len(s.lanes[lane]) == 0 {
			continue
		}
		if !scored {
			// Lanes are append-ordered, so index 0 is the oldest waiter.
			return s.takeLocked(lane, 0)
		}
		best, bestScore := 0, s.score(s.lanes[lane][0], now)
		for i := 1; i < len(s.lanes[lane]); i++ {
			if sc := s.score(s.lanes[lane][i], now); sc > bestScore {
				best, bestScore = i, sc
			}
		}
		return s.takeLocked(lane, best)
	}
	return nil
}

// score computes the composite dispatch score. Score is monotone in time
// waited up to the age cap.
func (s *Scheduler) score(it *item, now time.Time) float64 {
	score := laneWeights[it.lane]

	age := now.Sub(it.enqueuedAt).Seconds() * ageBonusPerSecond
	if age > ageBonusCap {
		age = ageBonusCap
	}
	score += age

	if s.cfg.DeadlineAware && !it.req.Meta.Deadline.IsZero() {
		remaining := it.req.Meta.Deadline.Sub(now).Seconds()
		if remaining <= 0 {
			score += deadlineUrgencyMax
		} else {
			score += deadlineUrgencyMax / (1 + remaining)
		}
	}

	if s.cfg.CostAware && it.req.Meta.EstimatedCost > 0 {
		score += costBonusMax / (1 + it.req.Meta.EstimatedCost)
	}

	switch it.req.Meta.UserTier {
	case types.TierInternal:
		score += tierBonusInternal
	case types.TierPremium:
		score += tierBonusPremium
	}

	score -= float64(it.req.Meta.RetryCount) * retryPenalty
	return score
}

func (s *Scheduler) takeLocked(lane types.Priority, idx int) *item {
	it := s.lanes[lane][idx]
	s.removeLocked(lane, idx)
	s.total--
	return it
}

func (s *Scheduler) removeLocked(lane types.Priority, idx int) {
	l := s.lanes[lane]
	s.lanes[lane] = append(l[:idx], l[idx+1:]...)
}

// dispatchLocked hands a request to its handler. A nil handler settles
// immediately so the scheduler can serve as a pure admission gate.
func (s *Scheduler) dispatchLocked(ctx context.Context, it *item, now time.Time) {
	s.stats.Dispatched++
	s.emitRequestEvent(ctx, telemetry.EventTypeRequestProcessing, it, nil)

	if it.req.Handler == nil {
		s.settleLocked(it, nil)
		s.stats.Completed++
		s.emitRequestEvent(ctx, telemetry.EventTypeRequestCompleted, it, nil)
		return
	}

	s.inFlight++
	go func() {
		err := it.req.Handler(ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.inFlight--
		s.settleLocked(it, err)
		if err != nil {
			s.stats.Failed++
			s.emitRequestEvent(ctx, telemetry.EventTypeRequestFailed, it, err)
		} else {
			s.stats.Completed++
			s.emitRequestEvent(ctx, telemetry.EventTypeRequestCompleted, it, nil)
		}
	}()
}

// settleLocked delivers the request outcome exactly once.
func (s *Scheduler) settleLocked(it *item, err error) {
	if it.settled {
		return
	}
	it.settled = true
	it.result <- err
}

// emitRequestEvent reports a request lifecycle event, best effort.
func (s *Scheduler) emitRequestEvent(ctx context.Context, eventType telemetry.EventType, it *item, err error) {
	if s.emitter == nil {
		return
	}
	details := telemetry.RequestEventDetails{
		RequestID: it.req.ID,
		Priority:  it.req.Meta.Priority.String(),
		Endpoint:  it.req.Endpoint,
		WaitMs:    s.clock.Now().Sub(it.enqueuedAt).Milliseconds(),
	}
	if err != nil {
		details.Error = err.Error()
	}
	s.emitter.EmitRequestEvent(ctx, eventType, details)
}

// Stats returns a snapshot of queue depths and counters.
func (s *Scheduler) Stats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Depths = make(map[string]int, laneCount)
	for lane := types.PriorityCritical; lane <= types.PriorityBackground; lane++ {
		stats.Depths[lane.String()] = len(s.lanes[lane])
	}
	stats.Total = s.total
	stats.InFlight = s.inFlight
	return stats
}

// Stop settles every queued request with ErrStopped and refuses further
// enqueues. In-flight handlers run to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	for lane := range s.lanes {
		for _, it := range s.lanes[lane] {
			s.settleLocked(it, ErrStopped)
		}
		s.lanes[lane] = nil
	}
	s.total = 0
}
