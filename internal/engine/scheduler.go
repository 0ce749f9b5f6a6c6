package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Phase enumerates the upload scheduler's states.
type Phase string

const (
	// PhaseIdle has no local changes and no user activity; progress 0.
	PhaseIdle Phase = "idle"
	// PhaseUserActive pins progress at 100 while the user is mid-edit; the
	// countdown never runs under the user's fingers.
	PhaseUserActive Phase = "user_active"
	// PhaseJustAppeared snaps progress to 100 when changes first appear and
	// waits a grace delay before the countdown so the UI can paint the
	// pending state.
	PhaseJustAppeared Phase = "just_appeared"
	// PhaseCountingDown decreases progress linearly toward 1 over the fixed
	// countdown window, then triggers an upload after a settle delay.
	PhaseCountingDown Phase = "counting_down"
	// PhaseUploading disables the countdown until the upload completes.
	PhaseUploading Phase = "uploading"
)

// SchedulerConfig fixes the debounce timing.
type SchedulerConfig struct {
	Grace     time.Duration
	Countdown time.Duration
	Settle    time.Duration
	Tick      time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Grace <= 0 {
		c.Grace = 400 * time.Millisecond
	}
	if c.Countdown <= 0 {
		c.Countdown = 3 * time.Second
	}
	if c.Settle <= 0 {
		c.Settle = 250 * time.Millisecond
	}
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	return c
}

// Decision is the outcome of one transition evaluation.
type Decision struct {
	Phase          Phase
	Progress       float64
	StartGrace     bool
	StartCountdown bool
	StopTimers     bool
}

// Decide is the scheduler's pure transition function: given the current
// session flags and phase it returns the next phase and the timer actions to
// take. Keeping it pure makes the debounce logic testable without timers.
func Decide(flags Flags, current Phase) Decision {
	switch {
	case flags.IsUploading:
		return Decision{Phase: PhaseUploading, Progress: 0, StopTimers: true}
	case !flags.HasLocalChanges && !flags.IsUserActive:
		return Decision{Phase: PhaseIdle, Progress: 0, StopTimers: true}
	case flags.IsUserActive:
		return Decision{Phase: PhaseUserActive, Progress: 100, StopTimers: true}
	case current == PhaseJustAppeared:
		// Grace delay still pending; leave its timer alone.
		return Decision{Phase: PhaseJustAppeared, Progress: 100}
	case current == PhaseCountingDown:
		return Decision{Phase: PhaseCountingDown, Progress: 100, StartCountdown: true}
	case current == PhaseUserActive:
		// The changes were already pending while the user typed; when the
		// activity hold releases the countdown restarts immediately, with
		// no second grace delay.
		return Decision{Phase: PhaseCountingDown, Progress: 100, StartCountdown: true}
	default:
		return Decision{Phase: PhaseJustAppeared, Progress: 100, StartGrace: true}
	}
}

// CountdownProgress maps elapsed countdown time onto the 100→1 progress
// ramp.
func CountdownProgress(elapsed, total time.Duration) float64 {
	if total <= 0 || elapsed >= total {
		return 1
	}
	progress := 100 * (1 - float64(elapsed)/float64(total))
	if progress < 1 {
		progress = 1
	}
	return progress
}

// Scheduler runs the debounce state machine against real timers. It decides
// when to call the upload trigger and reports progress for the UI; the
// session flags themselves are owned by the Engine.
type Scheduler struct {
	mu             sync.Mutex
	cfg            SchedulerConfig
	clock          func() time.Time
	logger         *zap.Logger
	phase          Phase
	countdownStart time.Time
	graceTimer     *time.Timer
	tickTimer      *time.Timer
	settleTimer    *time.Timer
	onProgress     func(float64)
	trigger        func()
	stopped        bool
}

// NewScheduler builds a scheduler. trigger is invoked (without the internal
// lock held) whenever the machine decides an upload is due.
func NewScheduler(cfg SchedulerConfig, clock func() time.Time, onProgress func(float64), trigger func(), logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	if onProgress == nil {
		onProgress = func(float64) {}
	}
	if trigger == nil {
		trigger = func() {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		clock:      clock,
		onProgress: onProgress,
		trigger:    trigger,
		logger:     logger,
		phase:      PhaseIdle,
	}
}

// Phase returns the current machine phase.
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Evaluate re-runs the transition function against fresh flags. Call it
// whenever HasLocalChanges, IsUploading or IsUserActive change.
func (s *Scheduler) Evaluate(flags Flags) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	decision := Decide(flags, s.phase)
	s.phase = decision.Phase
	if decision.StopTimers {
		s.stopTimersLocked()
	}
	if decision.StartGrace {
		s.stopTimersLocked()
		s.graceTimer = time.AfterFunc(s.cfg.Grace, s.beginCountdown)
	}
	if decision.StartCountdown {
		s.stopTimersLocked()
		s.startCountdownLocked()
	}
	progress := decision.Progress
	report := s.onProgress
	s.mu.Unlock()
	report(progress)
}

// ForceFlush cancels any pending countdown and, when there are unsynced
// changes and no upload in flight, invokes the trigger immediately. It
// reports whether an upload was started. Cancelling before triggering
// prevents the countdown from double-firing.
func (s *Scheduler) ForceFlush(flags Flags) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.stopTimersLocked()
	shouldUpload := flags.HasLocalChanges && !flags.IsUploading
	if shouldUpload {
		s.phase = PhaseUploading
	} else {
		s.phase = Decide(flags, s.phase).Phase
	}
	trigger := s.trigger
	s.mu.Unlock()
	if shouldUpload {
		trigger()
		return true
	}
	return false
}

// Stop halts all timers permanently. Used at logout.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.stopTimersLocked()
	s.phase = PhaseIdle
	s.mu.Unlock()
}

func (s *Scheduler) beginCountdown() {
	s.mu.Lock()
	if s.stopped || s.phase != PhaseJustAppeared {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseCountingDown
	s.startCountdownLocked()
	s.mu.Unlock()
}

func (s *Scheduler) startCountdownLocked() {
	s.countdownStart = s.clock()
	s.tickTimer = time.AfterFunc(s.cfg.Tick, s.tick)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.stopped || s.phase != PhaseCountingDown {
		s.mu.Unlock()
		return
	}
	elapsed := s.clock().Sub(s.countdownStart)
	progress := CountdownProgress(elapsed, s.cfg.Countdown)
	if elapsed >= s.cfg.Countdown {
		s.settleTimer = time.AfterFunc(s.cfg.Settle, s.fireTrigger)
	} else {
		s.tickTimer = time.AfterFunc(s.cfg.Tick, s.tick)
	}
	report := s.onProgress
	s.mu.Unlock()
	report(progress)
}

func (s *Scheduler) fireTrigger() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	trigger := s.trigger
	s.mu.Unlock()
	trigger()
}

func (s *Scheduler) stopTimersLocked() {
	for _, timer := range []*time.Timer{s.graceTimer, s.tickTimer, s.settleTimer} {
		if timer != nil {
			timer.Stop()
		}
	}
	s.graceTimer = nil
	s.tickTimer = nil
	s.settleTimer = nil
}
