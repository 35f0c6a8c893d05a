package device

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// Server exports a local Device to one Remote client at a time.
// A new client replaces the previous one.
type Server struct {
	dev          Device
	logger       logger.Logger
	PollInterval time.Duration // How often module frames and slot states are checked
}

// NewServer creates a server for dev
func NewServer(dev Device, log logger.Logger) *Server {
	return &Server{
		dev:          dev,
		logger:       logger.OrNoOp(log),
		PollInterval: 10 * time.Millisecond,
	}
}

// Serve accepts clients until ctx is cancelled
func (s *Server) Serve(ctx context.Context, acc Acceptor) error {
	defer acc.Close()

	var (
		cancelPrev context.CancelFunc
		donePrev   chan struct{}
	)
	defer func() {
		if cancelPrev != nil {
			cancelPrev()
			<-donePrev
		}
	}()

	for {
		rwc, err := acc.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Device server: accept failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		if cancelPrev != nil {
			s.logger.Info("Device server: replacing client")
			cancelPrev()
			<-donePrev
		}

		cctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		cancelPrev, donePrev = cancel, done
		go func() {
			defer close(done)
			if err := s.ServeConn(cctx, rwc); err != nil {
				s.logger.Warn("Device server: client session ended: %v", err)
			}
		}()
	}
}

// ServeConn runs one client session over rwc until either side stops
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	g, gctx := errgroup.WithContext(ctx)
	var writeMu sync.Mutex
	send := func(m Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return WriteMessage(rwc, m)
	}

	g.Go(func() error {
		<-gctx.Done()
		rwc.Close()
		return nil
	})

	var statusLock sync.Mutex
	last := make(map[uint8]remoteSlot)
	pushStatus := func(force bool) error {
		statusLock.Lock()
		defer statusLock.Unlock()
		for slot := 0; slot < s.dev.SlotCount(); slot++ {
			state, err := s.dev.SlotState(gctx, uint8(slot))
			if err != nil {
				return err
			}
			iface, err := s.dev.InterfaceType(gctx, uint8(slot))
			if err != nil {
				return err
			}
			cur := remoteSlot{state: state, iface: iface}
			if prev, ok := last[uint8(slot)]; ok && prev == cur && !force {
				continue
			}
			last[uint8(slot)] = cur
			if err := send(Message{Type: MsgSlotStatus, Slot: uint8(slot), Payload: slotStatusPayload(state, iface)}); err != nil {
				return err
			}
		}
		return nil
	}

	g.Go(func() error {
		for {
			m, err := ReadMessage(rwc)
			if err != nil {
				if gctx.Err() != nil || isClosedConn(err) {
					return io.EOF
				}
				return err
			}
			if err := s.handle(gctx, m, send, pushStatus); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(s.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
			for {
				f, err := s.dev.ReadFrame(gctx)
				if err != nil {
					return err
				}
				if f == nil {
					break
				}
				if err := send(Message{Type: MsgFrame, Slot: f.Slot, ConnectionID: f.ConnectionID, Payload: f.Data}); err != nil {
					return err
				}
			}
			if err := pushStatus(false); err != nil {
				return err
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) handle(ctx context.Context, m Message, send func(Message) error, pushStatus func(bool) error) error {
	switch m.Type {
	case MsgFrame:
		if err := s.dev.WriteFrame(ctx, Frame{Slot: m.Slot, ConnectionID: m.ConnectionID, Data: m.Payload}); err != nil {
			s.logger.Warn("Device server: slot %d write failed: %v", m.Slot, err)
		}
	case MsgHLCIAPDU:
		if err := s.dev.WriteAPDU(ctx, m.Slot, m.Payload); err != nil {
			s.logger.Warn("Device server: slot %d HLCI write failed: %v", m.Slot, err)
		}
	case MsgHLCIRequest:
		tag, err := parseTag(m.Payload)
		if err != nil {
			s.logger.Warn("Device server: bad HLCI request for slot %d", m.Slot)
			return send(Message{Type: MsgHLCIAPDU, Slot: m.Slot})
		}
		apdu, err := s.dev.ReadAPDU(ctx, m.Slot, tag)
		if err != nil {
			s.logger.Warn("Device server: slot %d HLCI read failed: %v", m.Slot, err)
			apdu = nil
		}
		return send(Message{Type: MsgHLCIAPDU, Slot: m.Slot, Payload: apdu})
	case MsgReset:
		if err := s.dev.Reset(ctx, m.Slot); err != nil {
			s.logger.Warn("Device server: slot %d reset failed: %v", m.Slot, err)
		}
	case MsgSlotStatus:
		return pushStatus(true)
	}
	return nil
}
