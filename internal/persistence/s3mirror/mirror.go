package s3mirror

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"crowdsim/internal/logging"
)

const uploadAttempts = 4

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

type Options struct {
	Prefix        string
	Workers       int
	QueueCapacity int
	// EnqueueWait bounds how long Push blocks on a full queue before dropping.
	EnqueueWait time.Duration
	// RetryBackoff scales the quadratic backoff between upload attempts.
	RetryBackoff time.Duration
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 256
	}
	if o.EnqueueWait <= 0 {
		o.EnqueueWait = 25 * time.Millisecond
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
}

type upload struct {
	key string
	art Artifact
}

// Mirror uploads run artifacts in the background. A nil *Mirror accepts and
// ignores everything, so callers need not check whether mirroring is on.
type Mirror struct {
	bucket *Bucket
	opts   Options
	log    logging.Log

	queue chan upload
	wg    sync.WaitGroup

	enqueued, saturated, dropped atomic.Uint64
	succeeded, failed            atomic.Uint64
	lastOK, lastErr              atomic.Int64
}

func NewMirror(bucket *Bucket, opts Options, log logging.Log) *Mirror {
	if log == nil {
		log = logging.NewNop()
	}
	opts.applyDefaults()
	m := &Mirror{
		bucket: bucket,
		opts:   opts,
		log:    log,
		queue:  make(chan upload, opts.QueueCapacity),
	}
	m.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go m.worker()
	}
	return m
}

// Push queues an artifact. Artifacts with an unusable key are logged and
// skipped; a queue that stays full past EnqueueWait drops the artifact.
func (m *Mirror) Push(a Artifact) {
	if m == nil {
		return
	}
	key, err := a.Key(m.opts.Prefix)
	if err != nil {
		m.log.Warn("mirror skip", logging.Err(err))
		return
	}
	m.enqueued.Add(1)
	u := upload{key: key, art: a}
	select {
	case m.queue <- u:
		return
	default:
	}

	m.saturated.Add(1)
	t := time.NewTimer(m.opts.EnqueueWait)
	defer t.Stop()
	select {
	case m.queue <- u:
	case <-t.C:
		m.log.Warn("mirror queue full; artifact dropped",
			logging.String("key", key),
			logging.Uint64("dropped_total", m.dropped.Add(1)),
		)
	}
}

// Close drains the queue and waits for in-flight uploads.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.queue)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.queue),
		QueueCapacity:       cap(m.queue),
		EnqueuedTotal:       m.enqueued.Load(),
		QueueSaturatedTotal: m.saturated.Load(),
		DroppedTotal:        m.dropped.Load(),
		UploadSuccessTotal:  m.succeeded.Load(),
		UploadFailTotal:     m.failed.Load(),
		LastSuccessUnix:     m.lastOK.Load(),
		LastErrorUnix:       m.lastErr.Load(),
	}
}

func (m *Mirror) worker() {
	defer m.wg.Done()
	for u := range m.queue {
		fields := []logging.Field{
			logging.String("key", u.key),
			logging.String("kind", string(u.art.Kind)),
		}
		if err := m.send(u); err != nil {
			m.failed.Add(1)
			m.lastErr.Store(time.Now().Unix())
			m.log.Error("mirror upload failed", append(fields, logging.Err(err))...)
			continue
		}
		m.succeeded.Add(1)
		m.lastOK.Store(time.Now().Unix())
		m.log.Debug("mirror uploaded", fields...)
	}
}

// send retries transport errors and non-2xx replies. A missing local file is
// not retried.
func (m *Mirror) send(u upload) error {
	var err error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration((attempt-1)*(attempt-1)) * m.opts.RetryBackoff)
		}
		var f *os.File
		f, err = os.Open(u.art.Local)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = m.bucket.Put(ctx, u.key, f)
		cancel()
		f.Close()
		if err == nil {
			return nil
		}
	}
	return err
}
