package retrieval

import "sync"

// Snapshot is a point-in-time copy of the run counters.
type Snapshot struct {
	DocumentsProcessed int `json:"documents_processed"`
	BatchesSucceeded   int `json:"batches_succeeded"`
	BatchesFailed      int `json:"batches_failed"`
	UploadsTotal       int `json:"uploads_total"`
	UploadsCompleted   int `json:"uploads_completed"`
	UploadsFailed      int `json:"uploads_failed"`
	UploadsPending     int `json:"uploads_pending"`
	QueueDepth         int `json:"queue_depth"`
}

// Ledger accumulates run metrics. The upload worker writes to it while
// foreground callers read snapshots.
type Ledger struct {
	mu        sync.Mutex
	s         Snapshot
	queueLen  func() int
	failedIDs map[uint64]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{failedIDs: make(map[uint64]struct{})}
}

func (l *Ledger) setQueueLen(fn func() int) {
	l.mu.Lock()
	l.queueLen = fn
	l.mu.Unlock()
}

func (l *Ledger) BatchSucceeded(docs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.BatchesSucceeded++
	l.s.DocumentsProcessed += docs
}

func (l *Ledger) BatchFailed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.BatchesFailed++
}

func (l *Ledger) UploadQueued() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.UploadsTotal++
}

func (l *Ledger) UploadCompleted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s.UploadsCompleted++
}

// UploadFailed records a permanent failure. Repeated calls for the same point count once.
func (l *Ledger) UploadFailed(pointID uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.failedIDs[pointID]; seen {
		return false
	}
	l.failedIDs[pointID] = struct{}{}
	l.s.UploadsFailed++
	return true
}

// Reset clears all counters and detaches the queue, as after a collection clear.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.s = Snapshot{}
	l.queueLen = nil
	l.failedIDs = make(map[uint64]struct{})
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	s := l.s
	queueLen := l.queueLen
	l.mu.Unlock()

	s.UploadsPending = max(s.UploadsTotal-s.UploadsCompleted-s.UploadsFailed, 0)
	if queueLen != nil {
		s.QueueDepth = queueLen()
	}
	return s
}
