package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultShutdownTimeout = 30 * time.Second

// ErrShutdownInProgress is returned by a second call to Shutdown
var ErrShutdownInProgress = errors.New("shutdown already in progress")

// shutdownStep is one stage of the shutdown sequence
type shutdownStep struct {
	name string
	run  func(ctx context.Context) error
}

// ShutdownManager runs the graceful shutdown sequence for a node. Steps run
// in order; a failing step is logged and the sequence continues.
type ShutdownManager struct {
	steps          []shutdownStep
	logger         *zap.Logger
	timeout        time.Duration
	mu             sync.Mutex
	isShuttingDown bool
}

// NewShutdownManager creates a new ShutdownManager instance
func NewShutdownManager(logger *zap.Logger, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownManager{
		logger:  logger,
		timeout: timeout,
	}
}

// Add appends a step to the sequence
func (sm *ShutdownManager) Add(name string, run func(ctx context.Context) error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.steps = append(sm.steps, shutdownStep{name: name, run: run})
}

// Shutdown performs the graceful shutdown sequence. The returned error
// combines the failures of every step.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	if sm.isShuttingDown {
		sm.mu.Unlock()
		return ErrShutdownInProgress
	}
	sm.isShuttingDown = true
	steps := append([]shutdownStep(nil), sm.steps...)
	sm.mu.Unlock()

	sm.logger.Info("Starting graceful shutdown sequence")

	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	var err error
	for _, step := range steps {
		sm.logger.Debug("Shutdown step", zap.String("step", step.name))
		if serr := step.run(ctx); serr != nil {
			sm.logger.Error("Shutdown step failed", zap.String("step", step.name), zap.Error(serr))
			err = multierr.Append(err, fmt.Errorf("%s: %w", step.name, serr))
		}
	}

	if err != nil {
		sm.logger.Warn("Graceful shutdown completed with errors", zap.Error(err))
		return err
	}
	sm.logger.Info("Graceful shutdown completed successfully")
	return nil
}
