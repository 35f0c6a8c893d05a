package session

import "sync/atomic"

// Statistics tracks session layer metrics
type Statistics struct {
	TxSPDUs      uint64
	RxSPDUs      uint64
	RxAPDUs      uint64
	BadSPDUs     uint64
	RefusedOpens uint64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{}
}

// IncrementTxSPDUs increments transmitted SPDU count
func (s *Statistics) IncrementTxSPDUs() {
	atomic.AddUint64(&s.TxSPDUs, 1)
}

// IncrementRxSPDUs increments received SPDU count
func (s *Statistics) IncrementRxSPDUs() {
	atomic.AddUint64(&s.RxSPDUs, 1)
}

// IncrementRxAPDUs increments the count of APDUs handed to resources
func (s *Statistics) IncrementRxAPDUs() {
	atomic.AddUint64(&s.RxAPDUs, 1)
}

// IncrementBadSPDUs increments dropped SPDU count
func (s *Statistics) IncrementBadSPDUs() {
	atomic.AddUint64(&s.BadSPDUs, 1)
}

// IncrementRefusedOpens increments refused open request count
func (s *Statistics) IncrementRefusedOpens() {
	atomic.AddUint64(&s.RefusedOpens, 1)
}

// GetTxSPDUs returns transmitted SPDU count
func (s *Statistics) GetTxSPDUs() uint64 {
	return atomic.LoadUint64(&s.TxSPDUs)
}

// GetRxSPDUs returns received SPDU count
func (s *Statistics) GetRxSPDUs() uint64 {
	return atomic.LoadUint64(&s.RxSPDUs)
}

// GetRxAPDUs returns the count of APDUs handed to resources
func (s *Statistics) GetRxAPDUs() uint64 {
	return atomic.LoadUint64(&s.RxAPDUs)
}

// GetBadSPDUs returns dropped SPDU count
func (s *Statistics) GetBadSPDUs() uint64 {
	return atomic.LoadUint64(&s.BadSPDUs)
}

// GetRefusedOpens returns refused open request count
func (s *Statistics) GetRefusedOpens() uint64 {
	return atomic.LoadUint64(&s.RefusedOpens)
}

// Reset resets all statistics
func (s *Statistics) Reset() {
	atomic.StoreUint64(&s.TxSPDUs, 0)
	atomic.StoreUint64(&s.RxSPDUs, 0)
	atomic.StoreUint64(&s.RxAPDUs, 0)
	atomic.StoreUint64(&s.BadSPDUs, 0)
	atomic.StoreUint64(&s.RefusedOpens, 0)
}
