package en50221

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/braice/MuMuDVB-sub000/pkg/device"
	"github.com/braice/MuMuDVB-sub000/pkg/session"
	"github.com/braice/MuMuDVB-sub000/pkg/stdcam"
	"github.com/braice/MuMuDVB-sub000/pkg/transport"
)

// CAM is one module stack owned by a Manager: a transport layer, a session
// layer and the stdcam glue for one device slot
type CAM struct {
	config CAMConfig
	tl     *transport.Layer
	sl     *session.Layer
	cam    stdcam.StdCAM
	runner *stdcam.Runner

	status atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Statistics gathers the counters of one CAM stack
type Statistics struct {
	TPDUsTx      uint64 // TPDUs sent to the module
	TPDUsRx      uint64 // TPDUs received from the module
	Polls        uint64 // Poll TPDUs sent
	BadCAMData   uint64 // malformed module TPDUs
	Timeouts     uint64 // module response timeouts
	SPDUsTx      uint64
	SPDUsRx      uint64
	APDUsRx      uint64 // APDUs delivered to resources
	BadSPDUs     uint64
	RefusedOpens uint64 // session opens refused by the host
	Device       device.Stats
}

// ID returns the CAM name
func (c *CAM) ID() string { return c.config.ID }

// StdCAM returns the glue driving the module
func (c *CAM) StdCAM() stdcam.StdCAM { return c.cam }

// LLCI returns the link layer glue, or false for a high level module
func (c *CAM) LLCI() (*stdcam.LLCI, bool) {
	l, ok := c.cam.(*stdcam.LLCI)
	return l, ok
}

// Status returns the status seen by the last poll
func (c *CAM) Status() stdcam.Status { return stdcam.Status(c.status.Load()) }

// Statistics returns the transport and session counters of the stack
func (c *CAM) Statistics() Statistics {
	s := Statistics{Device: c.config.Device.Statistics()}
	if c.tl != nil {
		t := c.tl.Statistics()
		s.TPDUsTx = t.GetTxTPDUs()
		s.TPDUsRx = t.GetRxTPDUs()
		s.Polls = t.GetPolls()
		s.BadCAMData = t.GetBadCAMData()
		s.Timeouts = t.GetTimeouts()
	}
	if c.sl != nil {
		ss := c.sl.Statistics()
		s.SPDUsTx = ss.GetTxSPDUs()
		s.SPDUsRx = ss.GetRxSPDUs()
		s.APDUsRx = ss.GetRxAPDUs()
		s.BadSPDUs = ss.GetBadSPDUs()
		s.RefusedOpens = ss.GetRefusedOpens()
	}
	return s
}

// start runs the poll loop in its own goroutine until ctx ends or stop is
// called
func (c *CAM) start(ctx context.Context) func() error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()
	return func() error {
		defer close(done)
		return c.runner.Run(ctx)
	}
}

// stop cancels a running poll loop and waits for it
func (c *CAM) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *CAM) close() error {
	c.stop()
	return c.cam.Close(!c.config.KeepDevice)
}
