package pmt

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astits"

	"github.com/braice/MuMuDVB-sub000/pkg/app"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// ErrEndOfStream is returned by Next once the stream is exhausted
var ErrEndOfStream = errors.New("end of transport stream")

// Watcher follows the PMT of one program in a transport stream
type Watcher struct {
	demuxer       *astits.Demuxer
	cancel        context.CancelFunc
	programNumber uint16
	logger        logger.Logger

	last    app.PMT
	seen    bool
	version uint8
}

// NewWatcher demuxes r looking for the PMT of programNumber
func NewWatcher(r io.Reader, programNumber uint16, log logger.Logger) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		demuxer:       astits.NewDemuxer(ctx, r),
		cancel:        cancel,
		programNumber: programNumber,
		logger:        logger.OrNoOp(log),
	}
}

// Next returns the next PMT of the program whose content differs from the
// previous one. Versions are numbered locally, starting at 0 and wrapping
// at 32.
func (w *Watcher) Next(ctx context.Context) (app.PMT, error) {
	for {
		if err := ctx.Err(); err != nil {
			return app.PMT{}, err
		}
		d, err := w.demuxer.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				return app.PMT{}, ErrEndOfStream
			}
			return app.PMT{}, fmt.Errorf("demux: %w", err)
		}
		if d == nil || d.PMT == nil || d.PMT.ProgramNumber != w.programNumber {
			continue
		}

		p := FromAstits(d.PMT, 0, true)
		if w.seen && Equal(p, w.last) {
			continue
		}
		if w.seen {
			w.version = (w.version + 1) & 0x1f
		}
		w.seen = true
		p.Version = w.version
		w.last = p
		w.logger.Debug("pmt: program %d version %d with %d streams", p.ProgramNumber, p.Version, len(p.Streams))
		return p, nil
	}
}

// Close stops the demuxer
func (w *Watcher) Close() {
	w.cancel()
}
