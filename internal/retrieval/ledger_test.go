package retrieval

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_Snapshot(t *testing.T) {
	l := NewLedger()
	l.BatchSucceeded(2)
	l.BatchSucceeded(1)
	l.BatchFailed()
	for i := 0; i < 5; i++ {
		l.UploadQueued()
	}
	l.UploadCompleted()
	l.UploadCompleted()
	assert.True(t, l.UploadFailed(4))

	s := l.Snapshot()
	assert.Equal(t, 3, s.DocumentsProcessed)
	assert.Equal(t, 2, s.BatchesSucceeded)
	assert.Equal(t, 1, s.BatchesFailed)
	assert.Equal(t, 5, s.UploadsTotal)
	assert.Equal(t, 2, s.UploadsCompleted)
	assert.Equal(t, 1, s.UploadsFailed)
	assert.Equal(t, 2, s.UploadsPending)
}

func TestLedger_FailureCountedOncePerPoint(t *testing.T) {
	l := NewLedger()
	l.UploadQueued()

	assert.True(t, l.UploadFailed(9))
	assert.False(t, l.UploadFailed(9))
	assert.Equal(t, 1, l.Snapshot().UploadsFailed)
}

func TestLedger_ConcurrentWriters(t *testing.T) {
	l := NewLedger()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.UploadQueued()
				l.UploadCompleted()
				_ = l.Snapshot()
			}
		}()
	}
	wg.Wait()

	s := l.Snapshot()
	assert.Equal(t, 1000, s.UploadsTotal)
	assert.Equal(t, 1000, s.UploadsCompleted)
	assert.Zero(t, s.UploadsPending)
}

func TestLedger_Reset(t *testing.T) {
	l := NewLedger()
	l.setQueueLen(func() int { return 7 })
	l.UploadQueued()
	l.UploadFailed(1)
	require.Equal(t, 7, l.Snapshot().QueueDepth)
	l.Reset()

	assert.Equal(t, Snapshot{}, l.Snapshot())
	assert.True(t, l.UploadFailed(1))
}
