package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pagelens/internal/imaging"
)

var pngCodec = imaging.Codec{Format: imaging.FormatPNG}

func newTestWorker(cfg WorkerConfig, objects *MockObjectStore, points *MockIndex, deps WorkerDeps) *UploadWorker {
	deps.Objects = objects
	deps.Points = points
	return NewUploadWorker(cfg, pngCodec, deps)
}

func TestUploadWorker_Success(t *testing.T) {
	objects := new(MockObjectStore)
	points := new(MockIndex)
	objects.On("Upload", mock.Anything, "a_pdf_idx3.png", mock.Anything, "image/png").Return("http://minio/b/a_pdf_idx3.png", nil)
	points.On("SetImageURL", mock.Anything, uint64(3), "http://minio/b/a_pdf_idx3.png", mock.MatchedBy(func(extra map[string]any) bool {
		hash, _ := extra[PayloadImageHash].(string)
		return extra[PayloadImageName] == "a_pdf_idx3.png" && len(hash) == 16
	})).Return(nil)

	ledger := NewLedger()
	w := newTestWorker(WorkerConfig{QueueSize: 2, MaxAttempts: 3}, objects, points, WorkerDeps{Ledger: ledger})
	w.Start(context.Background())

	require.NoError(t, w.Enqueue(context.Background(), UploadTask{PointID: 3, ObjectName: "a_pdf_idx3.png", Image: testImage()}))
	require.NoError(t, w.Shutdown(2*time.Second))

	objects.AssertExpectations(t)
	points.AssertExpectations(t)
	snap := ledger.Snapshot()
	assert.Equal(t, 1, snap.UploadsTotal)
	assert.Equal(t, 1, snap.UploadsCompleted)
	assert.Zero(t, snap.UploadsPending)
	assert.Zero(t, snap.QueueDepth)
}

func TestUploadWorker_RetriesThenFailsOnce(t *testing.T) {
	objects := new(MockObjectStore)
	points := new(MockIndex)
	journal := new(MockJournal)
	events := &recordingPublisher{}
	boom := errors.New("503 service unavailable")

	objects.On("Upload", mock.Anything, "o.png", mock.Anything, "image/png").Return("", boom)
	journal.On("RecordFailure", mock.Anything, mock.MatchedBy(func(task UploadTask) bool {
		return task.PointID == 9 && task.Attempt == 2
	}), mock.Anything, "image/png", boom).Return(nil).Once()

	ledger := NewLedger()
	w := newTestWorker(WorkerConfig{QueueSize: 2, MaxAttempts: 3, RetryDelay: time.Millisecond, FailureTopic: "uploads.failed"},
		objects, points, WorkerDeps{Ledger: ledger, Journal: journal, Events: events})
	w.Start(context.Background())

	require.NoError(t, w.Enqueue(context.Background(), UploadTask{PointID: 9, ObjectName: "o.png", Image: testImage(), RunID: "run-1"}))
	require.NoError(t, w.Shutdown(5*time.Second))

	objects.AssertNumberOfCalls(t, "Upload", 3)
	points.AssertNotCalled(t, "SetImageURL", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	journal.AssertExpectations(t)

	msgs := events.get("uploads.failed")
	require.Len(t, msgs, 1)
	var ev UploadFailedEvent
	require.NoError(t, json.Unmarshal(msgs[0], &ev))
	assert.Equal(t, uint64(9), ev.PointID)
	assert.Equal(t, "run-1", ev.RunID)
	assert.Contains(t, ev.Error, "503")

	snap := ledger.Snapshot()
	assert.Equal(t, 1, snap.UploadsFailed)
	assert.Zero(t, snap.UploadsCompleted)
	assert.Zero(t, snap.UploadsPending)
}

func TestUploadWorker_PermanentErrorNotRetried(t *testing.T) {
	objects := new(MockObjectStore)
	points := new(MockIndex)
	objects.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("http://x/o.png", nil)
	points.On("SetImageURL", mock.Anything, uint64(1), mock.Anything, mock.Anything).Return(Permanent(errors.New("bad payload")))

	ledger := NewLedger()
	w := newTestWorker(WorkerConfig{QueueSize: 1, MaxAttempts: 5}, objects, points, WorkerDeps{Ledger: ledger})
	w.Start(context.Background())

	require.NoError(t, w.Enqueue(context.Background(), UploadTask{PointID: 1, ObjectName: "o.png", Image: testImage()}))
	require.NoError(t, w.Shutdown(2*time.Second))

	objects.AssertNumberOfCalls(t, "Upload", 1)
	assert.Equal(t, 1, ledger.Snapshot().UploadsFailed)
}

func TestUploadWorker_EncodeFailureIsPermanent(t *testing.T) {
	objects := new(MockObjectStore)
	ledger := NewLedger()
	w := newTestWorker(WorkerConfig{QueueSize: 1, MaxAttempts: 3}, objects, new(MockIndex), WorkerDeps{Ledger: ledger})
	w.Start(context.Background())

	require.NoError(t, w.Enqueue(context.Background(), UploadTask{PointID: 4, ObjectName: "o.png"}))
	require.NoError(t, w.Shutdown(2*time.Second))

	objects.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 1, ledger.Snapshot().UploadsFailed)
}

func TestUploadWorker_BestEffortShutdownKeepsDraining(t *testing.T) {
	release := make(chan struct{})
	objects := new(MockObjectStore)
	points := new(MockIndex)
	objects.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return("http://x/o.png", nil)
	points.On("SetImageURL", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	ledger := NewLedger()
	w := newTestWorker(WorkerConfig{QueueSize: 4, MaxAttempts: 1, ShutdownMode: ShutdownBestEffort}, objects, points, WorkerDeps{Ledger: ledger})
	w.Start(context.Background())

	for id := uint64(1); id <= 2; id++ {
		require.NoError(t, w.Enqueue(context.Background(), UploadTask{PointID: id, ObjectName: "o.png", Image: testImage()}))
	}

	err := w.Shutdown(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrDrainTimeout)
	assert.Equal(t, 2, ledger.Snapshot().UploadsPending)

	close(release)
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish draining")
	}
	snap := ledger.Snapshot()
	assert.Equal(t, 2, snap.UploadsCompleted)
	assert.Zero(t, snap.UploadsPending)
}

func TestUploadWorker_HardCancelStopsConsumer(t *testing.T) {
	objects := new(MockObjectStore)
	objects.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return("", context.Canceled)

	ledger := NewLedger()
	w := newTestWorker(WorkerConfig{QueueSize: 4, MaxAttempts: 3, ShutdownMode: ShutdownHardCancel}, objects, new(MockIndex), WorkerDeps{Ledger: ledger})
	w.Start(context.Background())

	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, w.Enqueue(context.Background(), UploadTask{PointID: id, ObjectName: "o.png", Image: testImage()}))
	}

	err := w.Shutdown(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrDrainTimeout)

	select {
	case <-w.Done():
	default:
		t.Fatal("consumer still running after hard cancel")
	}
	snap := ledger.Snapshot()
	assert.Zero(t, snap.UploadsCompleted)
	assert.Zero(t, snap.UploadsFailed)
	assert.Equal(t, 3, snap.UploadsPending)
	objects.AssertNumberOfCalls(t, "Upload", 1)
}

func TestUploadWorker_EnqueueAfterShutdown(t *testing.T) {
	w := newTestWorker(WorkerConfig{QueueSize: 1}, new(MockObjectStore), new(MockIndex), WorkerDeps{})
	w.Start(context.Background())
	require.NoError(t, w.Shutdown(time.Second))

	err := w.Enqueue(context.Background(), UploadTask{PointID: 1})
	assert.ErrorIs(t, err, ErrWorkerClosed)
	require.NoError(t, w.Shutdown(time.Second))
}

func TestUploadWorker_ShutdownWithoutStart(t *testing.T) {
	w := newTestWorker(WorkerConfig{}, new(MockObjectStore), new(MockIndex), WorkerDeps{})
	assert.NoError(t, w.Shutdown(time.Millisecond))
}
