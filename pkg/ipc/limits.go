package ipc

const (
	maxRequestBodyBytes = 1 << 20

	maxEventStreamClients = 128

	maxWSReadBytes = 256 << 10

	// sendQueueSize bounds per-connection outbound buffering before the
	// consumer is considered too slow and dropped.
	sendQueueSize = 64
)
