// Package consensus monitors liveness of a finality controller's state
// machine: it watches for accepted-block-header and irreversible-block
// signals and raises a stall alert when neither has been seen within a
// configurable threshold (§4.7's progression is the liveness signal here -
// there is no separate peer/height fetcher to poll, unlike a full node).
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"

	"github.com/savanna/finality/pkg/controller"
)

var (
	// ErrFinalityStalled indicates no block has been accepted or
	// finalized for longer than the configured stall threshold.
	ErrFinalityStalled = errors.New("finality stalled: no progress from the controller")
)

// StallMonitor watches a *controller.Controller for liveness by
// subscribing to its accepted-block-header and irreversible-block
// signals, grounded on the teacher's consensus health monitor but
// repurposed to poll the finality state machine instead of a CometBFT
// RPC status endpoint.
type StallMonitor struct {
	mu sync.RWMutex

	ctrl *controller.Controller

	stallThreshold time.Duration
	checkInterval  time.Duration
	clock          controller.Clock

	lastProgress      time.Time
	lastBlockNum      uint32
	lastFinalizedNum  uint32
	isStalled         bool
	stallStartTime    time.Time
	consecutiveStalls int

	onStallDetected func(lastBlockNum uint32, stallDuration time.Duration)
	onRecovery      func(lastBlockNum uint32)

	logger log.Logger

	subIDs []uuid.UUID

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// Config tunes a StallMonitor.
type Config struct {
	StallThreshold time.Duration // Default: 2 minutes
	CheckInterval  time.Duration // Default: 10 seconds
}

// DefaultConfig returns the teacher's defaults, unchanged.
func DefaultConfig() Config {
	return Config{
		StallThreshold: 2 * time.Minute,
		CheckInterval:  10 * time.Second,
	}
}

// NewStallMonitor builds a StallMonitor over ctrl. If clock is nil,
// controller.SystemClock is used; if logger is nil, a no-op logger is used.
func NewStallMonitor(ctrl *controller.Controller, cfg Config, clock controller.Clock, logger log.Logger) *StallMonitor {
	if clock == nil {
		clock = controller.SystemClock{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StallMonitor{
		ctrl:           ctrl,
		stallThreshold: cfg.StallThreshold,
		checkInterval:  cfg.CheckInterval,
		clock:          clock,
		lastProgress:   clock.Now(),
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SetOnStallDetected sets the callback fired the moment a stall is first
// observed (not on every subsequent check while still stalled).
func (m *StallMonitor) SetOnStallDetected(fn func(lastBlockNum uint32, stallDuration time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStallDetected = fn
}

// SetOnRecovery sets the callback fired the first check after a stall
// clears.
func (m *StallMonitor) SetOnRecovery(fn func(lastBlockNum uint32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRecovery = fn
}

// Start subscribes to the controller's signals and begins the periodic
// stall check.
func (m *StallMonitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("consensus: stall monitor already running")
	}
	m.running = true
	m.mu.Unlock()

	headerSub := m.ctrl.OnAcceptedBlockHeader(func(evt controller.AcceptedBlockHeaderEvent) {
		m.recordProgress(0)
	})
	finalSub := m.ctrl.OnIrreversibleBlock(func(evt controller.IrreversibleBlockEvent) {
		m.recordProgress(evt.BlockNum)
	})

	m.mu.Lock()
	m.subIDs = []uuid.UUID{headerSub, finalSub}
	m.mu.Unlock()

	m.logger.Info("stall_monitor_start", "stall_threshold", m.stallThreshold.String(), "check_interval", m.checkInterval.String())
	go m.monitorLoop()
	return nil
}

// Stop halts the periodic check and unsubscribes from the controller.
func (m *StallMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	for _, id := range m.subIDs {
		m.ctrl.Unsubscribe(id)
	}
	m.subIDs = nil
	m.cancel()
	m.running = false
	m.logger.Info("stall_monitor_stop")
}

func (m *StallMonitor) recordProgress(finalizedNum uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastProgress = m.clock.Now()
	if finalizedNum > m.lastFinalizedNum {
		m.lastFinalizedNum = finalizedNum
	}
}

// Check performs a single stall evaluation against the clock.
func (m *StallMonitor) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	stallDuration := now.Sub(m.lastProgress)

	if stallDuration <= m.stallThreshold {
		if m.isStalled {
			m.isStalled = false
			m.logger.Info("finality_recovered", "last_finalized", m.lastFinalizedNum)
			if m.onRecovery != nil {
				go m.onRecovery(m.lastFinalizedNum)
			}
		}
		return nil
	}

	if !m.isStalled {
		m.isStalled = true
		m.stallStartTime = m.lastProgress
		m.consecutiveStalls++
		m.logger.Error("finality_stalled", "last_finalized", m.lastFinalizedNum, "stall_duration", stallDuration.String(), "consecutive", m.consecutiveStalls)
		if m.onStallDetected != nil {
			go m.onStallDetected(m.lastFinalizedNum, stallDuration)
		}
	}
	return ErrFinalityStalled
}

func (m *StallMonitor) monitorLoop() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			_ = m.Check()
		}
	}
}

// Status reports the monitor's current view of liveness.
type Status struct {
	Stalled           bool
	StallDuration     time.Duration
	ConsecutiveStalls int
	LastFinalizedNum  uint32
}

// GetStatus returns the current liveness status.
func (m *StallMonitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stallDuration time.Duration
	if m.isStalled {
		stallDuration = m.clock.Now().Sub(m.stallStartTime)
	}
	return Status{
		Stalled:           m.isStalled,
		StallDuration:     stallDuration,
		ConsecutiveStalls: m.consecutiveStalls,
		LastFinalizedNum:  m.lastFinalizedNum,
	}
}

// ResetStallCounter resets the consecutive stall counter, for use after a
// manual intervention.
func (m *StallMonitor) ResetStallCounter() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveStalls = 0
}
