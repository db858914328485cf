package blob

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// flusher coalesces asynchronous index persistence: any number of mutations
// between flushes results in a single write per index. A failed write is
// logged and left dirty so the next scheduled flush retries it; it is never
// surfaced to the caller that triggered it.
type flusher struct {
	writeSessions func() error
	writeBlobs    func() error

	sessionsDirty atomic.Bool
	blobsDirty    atomic.Bool

	wake    chan struct{}
	syncReq chan chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newFlusher(writeSessions, writeBlobs func() error) *flusher {
	f := &flusher{
		writeSessions: writeSessions,
		writeBlobs:    writeBlobs,
		wake:          make(chan struct{}, 1),
		syncReq:       make(chan chan struct{}),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go f.loop()
	return f
}

// ScheduleSessions marks the session index dirty and wakes the flusher.
func (f *flusher) ScheduleSessions() {
	f.sessionsDirty.Store(true)
	f.signal()
}

// ScheduleBlobs marks the blob index dirty and wakes the flusher.
func (f *flusher) ScheduleBlobs() {
	f.blobsDirty.Store(true)
	f.signal()
}

// signal wakes the flusher without queuing duplicate work.
func (f *flusher) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// WaitForIdle flushes anything pending and returns once the flusher has
// caught up, or once the context expires.
func (f *flusher) WaitForIdle(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case f.syncReq <- ack:
	case <-f.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the flusher down. Anything still dirty is the caller's problem;
// Registry.Close follows up with a synchronous flush of both indices.
func (f *flusher) Stop() {
	select {
	case <-f.done:
		return
	default:
		close(f.done)
	}
	<-f.stopped
}

func (f *flusher) loop() {
	defer close(f.stopped)
	for {
		select {
		case <-f.done:
			return
		case <-f.wake:
			f.flushPending()
		case ack := <-f.syncReq:
			f.flushPending()
			close(ack)
		}
	}
}

func (f *flusher) flushPending() {
	if f.sessionsDirty.Swap(false) {
		if err := f.writeSessions(); err != nil {
			log.Warn().Err(err).Msg("session index flush failed; will retry on next flush")
			f.sessionsDirty.Store(true)
		}
	}
	if f.blobsDirty.Swap(false) {
		if err := f.writeBlobs(); err != nil {
			log.Warn().Err(err).Msg("blob index flush failed; will retry on next flush")
			f.blobsDirty.Store(true)
		}
	}
}
