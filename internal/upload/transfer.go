package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/eargollo/vidlift/internal/apperr"
	"github.com/eargollo/vidlift/internal/progress"
	"github.com/eargollo/vidlift/internal/session"
)

// launch starts the transfer loop for t from offset. The loop runs on its
// own context so it outlives the request that started it.
func (e *Engine) launch(t *transfer, offset int64) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		cancel()
		t.paused.Store(true)
		t.sent.Store(offset)
		e.pause(t, offset)
		return
	}
	t.cancel = cancel
	// Added under mu so Shutdown's Wait always covers this loop.
	e.wg.Add(1)
	e.mu.Unlock()

	t.sent.Store(offset)
	e.publish(t, progress.StatusTransferring, nil)

	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(ctx, t, offset)
	}()
}

func (e *Engine) run(ctx context.Context, t *transfer, offset int64) {
	f, err := os.Open(t.resourceID)
	if err != nil {
		e.fail(t, offset, fmt.Errorf("open %s: %w", t.resourceID, err))
		return
	}
	defer f.Close()

	lastFlush := time.Now()
	for offset < t.total {
		end := min(offset+e.cfg.ChunkSize, t.total) - 1
		body := io.NewSectionReader(f, offset, end-offset+1)

		res, err := e.remote.PutChunk(ctx, t.handle, body, offset, end, t.total)
		if err != nil {
			if t.paused.Load() {
				e.pause(t, offset)
				return
			}
			e.fail(t, offset, err)
			return
		}
		if res.Complete {
			e.rec.ChunkSent(t.total - offset)
			e.complete(t, res.RemoteID)
			return
		}
		if res.Received <= offset {
			e.fail(t, offset, fmt.Errorf("remote still holds %d bytes after chunk %d-%d: %w",
				res.Received, offset, end, apperr.ErrTransientNetwork))
			return
		}

		e.rec.ChunkSent(res.Received - offset)
		offset = res.Received
		t.sent.Store(offset)

		if t.paused.Load() {
			e.pause(t, offset)
			return
		}
		if time.Since(lastFlush) >= e.cfg.ProgressInterval {
			if err := e.persist(t, offset, session.StatusTransferring); err != nil {
				e.log.Warn("upload: checkpoint failed", "resource", t.resourceID, "error", err)
			}
			e.publish(t, progress.StatusTransferring, nil)
			lastFlush = time.Now()
		}
	}

	// Every byte is sent but no chunk answer declared the object complete.
	// Empty files land here directly.
	res, err := e.remote.Probe(ctx, t.handle, t.total)
	switch {
	case err != nil && t.paused.Load():
		e.pause(t, offset)
	case err != nil:
		e.fail(t, offset, err)
	case res.Complete:
		e.complete(t, res.RemoteID)
	default:
		e.fail(t, offset, fmt.Errorf("remote holds %d of %d bytes after final chunk: %w",
			res.Received, t.total, apperr.ErrTransientNetwork))
	}
}

func (e *Engine) persist(t *transfer, offset int64, status string) error {
	err := e.store.Put(context.Background(), session.Session{
		ResourceID:       t.resourceID,
		RemoteHandle:     t.handle,
		BytesTransferred: offset,
		BytesTotal:       t.total,
		Label:            t.label,
		Status:           status,
		UpdatedAt:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", t.resourceID, err)
	}
	return nil
}

func (e *Engine) drop(resourceID string) {
	if err := e.store.Delete(context.Background(), resourceID); err != nil {
		e.log.Warn("upload: delete session failed", "resource", resourceID, "error", err)
	}
}

func (e *Engine) pause(t *transfer, offset int64) {
	if err := e.persist(t, offset, session.StatusPaused); err != nil {
		e.log.Error("upload: pause checkpoint failed", "resource", t.resourceID, "error", err)
	}
	e.log.Info("upload: paused", "resource", t.resourceID, "offset", offset)
	e.finish(t, progress.StatusPaused, nil)
}

func (e *Engine) fail(t *transfer, offset int64, err error) {
	if errors.Is(err, apperr.ErrSessionExpired) {
		e.drop(t.resourceID)
	} else if perr := e.persist(t, offset, session.StatusError); perr != nil {
		e.log.Error("upload: error checkpoint failed", "resource", t.resourceID, "error", perr)
	}
	e.log.Error("upload: failed", "resource", t.resourceID, "offset", offset, "error", err)
	e.finish(t, progress.StatusError, err)
}

func (e *Engine) complete(t *transfer, remoteID string) {
	t.sent.Store(t.total)
	e.drop(t.resourceID)

	e.mu.Lock()
	hooks := append([]CompletionHook(nil), e.hooks...)
	e.mu.Unlock()
	c := Completion{
		ResourceID:  t.resourceID,
		OperationID: t.opID,
		RemoteID:    remoteID,
		Label:       t.label,
		BytesTotal:  t.total,
	}
	for _, h := range hooks {
		h(context.Background(), c)
	}

	e.log.Info("upload: complete", "resource", t.resourceID, "remote_id", remoteID,
		"took", time.Since(t.startedAt).Round(time.Millisecond))
	e.finish(t, progress.StatusComplete, nil)
}

// finish frees the resource before the terminal snapshot goes out, so a
// subscriber that reacts to it can start or resume straight away.
func (e *Engine) finish(t *transfer, status progress.Status, err error) {
	e.release(t)
	e.publish(t, status, err)
	e.rec.UploadFinished(status)

	opID := t.opID
	time.AfterFunc(e.cfg.RetainProgress, func() { e.bc.Forget(opID) })
}

func (e *Engine) publish(t *transfer, status progress.Status, err error) {
	snap := progress.Snapshot{
		OperationID:      t.opID,
		ResourceID:       t.resourceID,
		BytesTransferred: t.sent.Load(),
		BytesTotal:       t.total,
		Percent:          progress.Percent(t.sent.Load(), t.total),
		Status:           status,
	}
	if status == progress.StatusComplete {
		snap.Percent = 100
	}
	if err != nil {
		snap.Error = err.Error()
		snap.ErrorCode = apperr.Code(err)
	}
	e.bc.Publish(snap)
}
