package config

const (
	// TopicIndexCompleted is the NSQ topic announcing a finished index run.
	TopicIndexCompleted = "pagelens.index.completed"

	// TopicUploadFailed is the NSQ topic for uploads that exhausted their retries.
	TopicUploadFailed = "pagelens.upload.failed"
)
