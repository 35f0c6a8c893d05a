package transport

import (
	"sync/atomic"
	"time"
)

// Statistics tracks transport layer metrics
type Statistics struct {
	// TPDU counts
	TxTPDUs uint64
	RxTPDUs uint64

	// Delivered data blocks
	RxBlocks uint64

	// Poll probes sent to modules
	Polls uint64

	// Error counts
	BadCAMData      uint64
	Timeouts        uint64
	BufferOverflows uint64

	// Timing (stored as Unix nano for atomic operations)
	lastTxTimeNano int64
	lastRxTimeNano int64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{}
}

// IncrementTxTPDUs increments transmitted TPDU count
func (s *Statistics) IncrementTxTPDUs() {
	atomic.AddUint64(&s.TxTPDUs, 1)
	atomic.StoreInt64(&s.lastTxTimeNano, time.Now().UnixNano())
}

// IncrementRxTPDUs increments received TPDU count
func (s *Statistics) IncrementRxTPDUs() {
	atomic.AddUint64(&s.RxTPDUs, 1)
	atomic.StoreInt64(&s.lastRxTimeNano, time.Now().UnixNano())
}

// IncrementRxBlocks increments delivered data block count
func (s *Statistics) IncrementRxBlocks() {
	atomic.AddUint64(&s.RxBlocks, 1)
}

// IncrementPolls increments poll probe count
func (s *Statistics) IncrementPolls() {
	atomic.AddUint64(&s.Polls, 1)
}

// IncrementBadCAMData increments malformed module data count
func (s *Statistics) IncrementBadCAMData() {
	atomic.AddUint64(&s.BadCAMData, 1)
}

// IncrementTimeouts increments response timeout count
func (s *Statistics) IncrementTimeouts() {
	atomic.AddUint64(&s.Timeouts, 1)
}

// IncrementBufferOverflows increments reassembly overflow count
func (s *Statistics) IncrementBufferOverflows() {
	atomic.AddUint64(&s.BufferOverflows, 1)
}

// GetTxTPDUs returns transmitted TPDU count
func (s *Statistics) GetTxTPDUs() uint64 {
	return atomic.LoadUint64(&s.TxTPDUs)
}

// GetRxTPDUs returns received TPDU count
func (s *Statistics) GetRxTPDUs() uint64 {
	return atomic.LoadUint64(&s.RxTPDUs)
}

// GetRxBlocks returns delivered data block count
func (s *Statistics) GetRxBlocks() uint64 {
	return atomic.LoadUint64(&s.RxBlocks)
}

// GetPolls returns poll probe count
func (s *Statistics) GetPolls() uint64 {
	return atomic.LoadUint64(&s.Polls)
}

// GetBadCAMData returns malformed module data count
func (s *Statistics) GetBadCAMData() uint64 {
	return atomic.LoadUint64(&s.BadCAMData)
}

// GetTimeouts returns response timeout count
func (s *Statistics) GetTimeouts() uint64 {
	return atomic.LoadUint64(&s.Timeouts)
}

// GetBufferOverflows returns reassembly overflow count
func (s *Statistics) GetBufferOverflows() uint64 {
	return atomic.LoadUint64(&s.BufferOverflows)
}

// GetLastTxTime returns the time of last transmission
func (s *Statistics) GetLastTxTime() time.Time {
	nano := atomic.LoadInt64(&s.lastTxTimeNano)
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// GetLastRxTime returns the time of last reception
func (s *Statistics) GetLastRxTime() time.Time {
	nano := atomic.LoadInt64(&s.lastRxTimeNano)
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// Reset resets all statistics
func (s *Statistics) Reset() {
	atomic.StoreUint64(&s.TxTPDUs, 0)
	atomic.StoreUint64(&s.RxTPDUs, 0)
	atomic.StoreUint64(&s.RxBlocks, 0)
	atomic.StoreUint64(&s.Polls, 0)
	atomic.StoreUint64(&s.BadCAMData, 0)
	atomic.StoreUint64(&s.Timeouts, 0)
	atomic.StoreUint64(&s.BufferOverflows, 0)
	atomic.StoreInt64(&s.lastTxTimeNano, 0)
	atomic.StoreInt64(&s.lastRxTimeNano, 0)
}
