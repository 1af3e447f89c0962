package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"coderoom/internal/sandbox"
)

type pendingRecord struct {
	ownerID  string
	res      *sandbox.ExecutionResult
	code     string
	filePath string
	at       time.Time
}

// Writer records executions in the background so the caller does not wait
// on storage. A single consumer keeps each owner's entries in submit order.
type Writer struct {
	ledger *Ledger
	ch     chan pendingRecord
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
}

func NewWriter(l *Ledger, bufferSize int) *Writer {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &Writer{
		ledger: l,
		ch:     make(chan pendingRecord, bufferSize),
		done:   make(chan struct{}),
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// RecordExecution enqueues the run. It satisfies sandbox.Recorder; a full
// buffer drops the record with a warning.
func (w *Writer) RecordExecution(_ context.Context, req sandbox.ExecutionRequest, res *sandbox.ExecutionResult) error {
	if req.OwnerID == "" || res == nil {
		return ErrInvalidArgument
	}
	select {
	case <-w.done:
		return errWriterClosed
	default:
	}
	rec := pendingRecord{
		ownerID:  req.OwnerID,
		res:      res,
		code:     req.Code,
		filePath: req.FilePath,
		at:       w.ledger.now(),
	}
	select {
	case w.ch <- rec:
		return nil
	default:
		log.Warn().Str("exec_id", res.ID).Str("owner_id", req.OwnerID).Msg("ledger buffer full, dropping entry")
		w.ledger.countWrite("dropped")
		return errBufferFull
	}
}

var (
	errBufferFull   = errors.New("ledger buffer full")
	errWriterClosed = errors.New("ledger writer closed")
)

// Flush stops accepting work and waits up to timeout for queued records.
func (w *Writer) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("ledger writer flushed")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.ch)).Msg("ledger writer flush timed out")
	}
}

func (w *Writer) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.ch:
			w.writeWithRetry(rec)
		case <-w.done:
			for {
				select {
				case rec := <-w.ch:
					w.writeWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) writeWithRetry(rec pendingRecord) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := w.ledger.recordAt(ctx, rec.ownerID, rec.res, rec.code, rec.filePath, rec.at)
		cancel()

		if err == nil {
			return
		}
		if errors.Is(err, ErrInvalidArgument) {
			log.Error().Err(err).Str("exec_id", rec.res.ID).Msg("ledger entry rejected")
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("exec_id", rec.res.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("ledger write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", rec.res.ID).
				Msg("ledger write failed permanently after retries")
		}
	}
}
