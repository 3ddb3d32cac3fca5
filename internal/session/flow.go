// Package session drives the kiosk screens from controller events and timers.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"vending-kiosk/internal/controller"
	"vending-kiosk/internal/models"
	"vending-kiosk/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Stage is the screen currently shown
type Stage int

const (
	StageWelcome Stage = iota
	StageShopping
	StageDispensing
	StageThankYou
)

func (s Stage) String() string {
	switch s {
	case StageWelcome:
		return "WELCOME"
	case StageShopping:
		return "SHOPPING"
	case StageDispensing:
		return "DISPENSING"
	case StageThankYou:
		return "THANK_YOU"
	}
	return "UNKNOWN"
}

// Timer is a pending scheduled call
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler schedules on the runtime timer heap
type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Driver is the part of the controller the flow steers
type Driver interface {
	StartSession(ctx context.Context) error
	FinishDispensing() error
	EndSession(ctx context.Context) (decimal.Decimal, error)
	Subscribe(l controller.Listener) func()
}

// Config holds the fixed display delays
type Config struct {
	DispenseDelay time.Duration
	DisplayDelay  time.Duration
}

// StageListener is told about every stage change
type StageListener func(stage Stage)

// Flow is the screen state machine. It follows the controller and never
// changes balance or cart itself.
type Flow struct {
	driver Driver
	sched  Scheduler
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	stage     Stage
	pending   Timer
	listeners []StageListener

	unsubscribe func()
}

// NewFlow creates a flow on the welcome screen and subscribes it to driver
func NewFlow(driver Driver, sched Scheduler, cfg Config) *Flow {
	f := &Flow{
		driver: driver,
		sched:  sched,
		cfg:    cfg,
		logger: util.GetLogger().With(zap.String("component", "session")),
		stage:  StageWelcome,
	}
	f.unsubscribe = driver.Subscribe(f.handle)
	return f
}

// Stage returns the current screen
func (f *Flow) Stage() Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stage
}

// OnStage registers a stage listener
func (f *Flow) OnStage(l StageListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

// Begin starts a customer session. The flow only leaves Welcome if the controller
// managed to start; otherwise the error is returned for the customer to retry.
func (f *Flow) Begin(ctx context.Context) error {
	if err := f.driver.StartSession(ctx); err != nil {
		return err
	}
	f.setStage(StageShopping)
	return nil
}

// Abandon ends a shopping session early and returns the change paid out
func (f *Flow) Abandon(ctx context.Context) (decimal.Decimal, error) {
	change, err := f.driver.EndSession(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	f.cancelPending()
	f.setStage(StageWelcome)
	return change, nil
}

// Close stops pending timers and detaches from the controller
func (f *Flow) Close() {
	f.cancelPending()
	f.unsubscribe()
}

func (f *Flow) cancelPending() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending != nil {
		f.pending.Stop()
		f.pending = nil
	}
}

func (f *Flow) handle(ev models.KioskEvent) {
	switch ev.EventType {
	case models.EventTypeDispensingStarted:
		f.setStage(StageDispensing)
		f.schedule(f.cfg.DispenseDelay, f.finishDispensing)
	case models.EventTypeDispensingFinished:
		f.setStage(StageThankYou)
		f.schedule(f.cfg.DisplayDelay, f.endSession)
	}
}

func (f *Flow) finishDispensing() {
	if err := f.driver.FinishDispensing(); err != nil {
		f.logger.Error("Failed to finish dispensing", zap.Error(err))
	}
}

// endSession returns the flow to Welcome. If the change cannot be paid out the
// thank-you screen stays up and the attempt is repeated after another delay.
func (f *Flow) endSession() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := f.driver.EndSession(ctx)
	if errors.Is(err, controller.ErrInvalidState) {
		// already ended elsewhere
		f.setStage(StageWelcome)
		return
	}
	if err != nil {
		f.logger.Warn("Failed to end session, retrying", zap.Error(err))
		f.schedule(f.cfg.DisplayDelay, f.endSession)
		return
	}
	f.setStage(StageWelcome)
}

func (f *Flow) schedule(d time.Duration, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending != nil {
		f.pending.Stop()
	}
	f.pending = f.sched.AfterFunc(d, fn)
}

func (f *Flow) setStage(s Stage) {
	f.mu.Lock()
	if f.stage == s {
		f.mu.Unlock()
		return
	}
	prev := f.stage
	f.stage = s
	listeners := make([]StageListener, len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()

	f.logger.Info("Stage changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", s))
	for _, l := range listeners {
		l(s)
	}
}
