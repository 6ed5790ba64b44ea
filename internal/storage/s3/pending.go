package s3

// PendingTransfer is a handle for an in-flight upload or download started
// by EnqueueUpload or EnqueueDownload. It is owned by the gateway that
// created it and resolved by DrainPending.
type PendingTransfer struct {
	Operation string // "upload" or "download"
	Key       string
	LocalPath string

	done chan struct{}
	err  error
	size int64
}

func newPendingTransfer(operation, key, localPath string) *PendingTransfer {
	return &PendingTransfer{
		Operation: operation,
		Key:       key,
		LocalPath: localPath,
		done:      make(chan struct{}),
	}
}

// resolve records the outcome and unblocks Wait. Must be called exactly once.
func (t *PendingTransfer) resolve(size int64, err error) {
	t.size = size
	t.err = err
	close(t.done)
}

// Wait blocks until the transfer completes and returns its error, if any.
func (t *PendingTransfer) Wait() error {
	<-t.done
	return t.err
}

// Size returns the number of bytes transferred. Only meaningful after Wait.
func (t *PendingTransfer) Size() int64 {
	return t.size
}
