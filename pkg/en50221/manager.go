// Package en50221 is the entry point of the Common Interface stack. A
// Manager owns one stack per CAM (transport layer, session layer and the
// stdcam glue) and polls them together.
package en50221

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
	"github.com/braice/MuMuDVB-sub000/pkg/session"
	"github.com/braice/MuMuDVB-sub000/pkg/stdcam"
	"github.com/braice/MuMuDVB-sub000/pkg/transport"
)

// ErrRunning is returned by Run when the manager is already running
var ErrRunning = errors.New("manager already running")

// StatusFunc receives the status changes of every CAM of a manager
type StatusFunc func(id string, old, new stdcam.Status)

// Manager is the root object of the stack
type Manager struct {
	cams   map[string]*CAM
	mu     sync.RWMutex
	logger logger.Logger

	onStatus callback.Hook[StatusFunc]

	// set while Run is active
	group  *errgroup.Group
	runCtx context.Context
}

// NewManager creates a manager logging to the package default logger
func NewManager() *Manager {
	return NewManagerWithLogger(logger.GetDefault())
}

// NewManagerWithLogger creates a manager with a custom logger
func NewManagerWithLogger(log logger.Logger) *Manager {
	return &Manager{
		cams:   make(map[string]*CAM),
		logger: logger.OrNoOp(log),
	}
}

// OnStatus registers the status change callback
func (m *Manager) OnStatus(fn StatusFunc) { m.onStatus.Store(fn) }

// camLogger tags the lines of one CAM stack when the logger supports fields
func (m *Manager) camLogger(id string) logger.Logger {
	if dl, ok := m.logger.(*logger.DefaultLogger); ok {
		return dl.WithFields(logger.Fields{"cam": id})
	}
	return m.logger
}

// AddCAM builds the stack for one CAM. The interface type of the slot
// selects link layer or high level glue. When the manager is running the
// CAM is polled at once.
func (m *Manager) AddCAM(ctx context.Context, config CAMConfig) (*CAM, error) {
	if config.Device == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, config.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cams[config.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrCAMExists, config.ID)
	}

	log := m.camLogger(config.ID)
	tl := transport.New(config.Transport, log)
	sl := session.New(tl, config.Session, log)
	sc, err := stdcam.New(ctx, config.Device, config.Slot, tl, sl, config.LLCI, log)
	if err != nil {
		return nil, fmt.Errorf("CAM %s: %w", config.ID, err)
	}

	c := &CAM{config: config, cam: sc}
	if _, ok := sc.(*stdcam.LLCI); ok {
		c.tl, c.sl = tl, sl
	}
	c.status.Store(int32(stdcam.StatusNone))
	c.runner = stdcam.NewRunner(sc, config.PollInterval, log)
	c.runner.OnStatus(func(old, new stdcam.Status) {
		c.status.Store(int32(new))
		if fn := m.onStatus.Load(); fn != nil {
			fn(config.ID, old, new)
		}
	})

	m.cams[config.ID] = c
	if m.group != nil {
		m.group.Go(c.start(m.runCtx))
	}
	m.logger.Info("Manager: added CAM %s (slot %d)", config.ID, config.Slot)
	return c, nil
}

// RemoveCAM stops polling a CAM and closes its stack
func (m *Manager) RemoveCAM(id string) error {
	m.mu.Lock()
	c, exists := m.cams[id]
	if exists {
		delete(m.cams, id)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrCAMNotFound, id)
	}
	if err := c.close(); err != nil {
		m.logger.Error("Error closing CAM %s: %v", id, err)
	}
	m.logger.Info("Manager: removed CAM %s", id)
	return nil
}

// CAM returns a CAM by ID
func (m *Manager) CAM(id string) (*CAM, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, exists := m.cams[id]
	return c, exists
}

// CAMCount returns the number of CAMs
func (m *Manager) CAMCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cams)
}

// Run polls every CAM, each in its own goroutine, until ctx is cancelled.
// CAMs added while running join the group.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	m.mu.Lock()
	if m.group != nil {
		m.mu.Unlock()
		return ErrRunning
	}
	m.group, m.runCtx = g, gctx
	// keeps the group open for CAMs added later
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	for _, c := range m.cams {
		g.Go(c.start(gctx))
	}
	m.mu.Unlock()

	m.logger.Info("Manager: running")
	err := g.Wait()

	m.mu.Lock()
	m.group, m.runCtx = nil, nil
	m.mu.Unlock()
	return err
}

// Shutdown closes every CAM
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	cams := m.cams
	m.cams = make(map[string]*CAM)
	m.mu.Unlock()

	m.logger.Info("Manager: Shutting down")
	var errs []error
	for id, c := range cams {
		if err := c.close(); err != nil {
			m.logger.Error("Error closing CAM %s: %v", id, err)
			errs = append(errs, fmt.Errorf("CAM %s: %w", id, err))
		}
	}
	m.logger.Info("Manager: Shutdown complete")
	return errors.Join(errs...)
}

// SetLogger sets the logger used for CAMs added afterwards
func (m *Manager) SetLogger(log logger.Logger) {
	m.mu.Lock()
	m.logger = logger.OrNoOp(log)
	m.mu.Unlock()
}
