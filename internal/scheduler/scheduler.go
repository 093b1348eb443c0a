// Package scheduler runs the periodic sync cycle: drain the retry queue,
// stream changed appointments, reconcile them in batches, advance the
// watermark, and trigger plan projections. It owns no business rules of its
// own; it routes records and typed failures between the other components.
package scheduler

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stomaflow/bridge/internal/metrics"
	"github.com/stomaflow/bridge/internal/model"
	"github.com/stomaflow/bridge/internal/queue"
	"github.com/stomaflow/bridge/internal/reconcile"
)

// AppointmentStream is a cursor over changed source rows.
type AppointmentStream interface {
	Next() bool
	Appointment() model.Appointment
	Err() error
	Close() error
}

// Source reads the clinic database.
type Source interface {
	ReadSince(ctx context.Context, since time.Time) (AppointmentStream, error)
	Ping(ctx context.Context) error
}

// Transformer renders appointments into canonical records.
type Transformer interface {
	Transform(model.Appointment) (model.CanonicalRecord, error)
}

// Reconciler drives canonical records into the CRM.
type Reconciler interface {
	ReconcileBatch(ctx context.Context, records []model.CanonicalRecord) ([]reconcile.Result, error)
}

// RetryQueue is the durable store for failed records.
type RetryQueue interface {
	Enqueue(rec model.CanonicalRecord, cause error, now time.Time) error
	Due(now time.Time, limit int) ([]queue.Item, error)
	MarkSuccess(externalID string) error
	MarkFailure(externalID string, cause error, now time.Time) error
	Depth() (int, error)
}

// Projector keeps treatment-plan fields current. Best-effort.
type Projector interface {
	Sync(ctx context.Context, externalID, dealID string)
	Flush() error
}

// Pinger probes the CRM at startup.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options carries the cycle parameters.
type Options struct {
	Interval        time.Duration
	BatchSize       int
	InitialSyncDays int
}

// Scheduler wires one branch's sync loop.
type Scheduler struct {
	source     Source
	transform  Transformer
	reconciler Reconciler
	queue      RetryQueue
	projector  Projector
	crm        Pinger
	watermarks *WatermarkStore
	opts       Options
	metrics    *metrics.Set

	// now is swapped out by tests.
	now func() time.Time
}

// New wires a Scheduler. |m| may be nil.
func New(src Source, tr Transformer, rec Reconciler, q RetryQueue, proj Projector,
	crmPinger Pinger, wm *WatermarkStore, opts Options, m *metrics.Set) *Scheduler {
	return &Scheduler{
		source:     src,
		transform:  tr,
		reconciler: rec,
		queue:      q,
		projector:  proj,
		crm:        crmPinger,
		watermarks: wm,
		opts:       opts,
		metrics:    m,
		now:        time.Now,
	}
}

// Run executes cycles every interval until |ctx| is cancelled. The current
// cycle finishes its in-flight record, the watermark and plan cache are
// persisted, and Run returns nil. A corrupt watermark store aborts before
// the first cycle.
func (s *Scheduler) Run(ctx context.Context) error {
	s.probe(ctx)

	var initial = s.now().AddDate(0, 0, -s.opts.InitialSyncDays)
	watermark, err := s.watermarks.Load(initial)
	if err != nil {
		return err
	}
	log.WithField("watermark", watermark).Info("sync loop starting")

	var ticker = time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		watermark = s.Cycle(ctx, watermark)
		select {
		case <-ctx.Done():
			if err := s.projector.Flush(); err != nil {
				log.WithField("err", err).Warn("plan cache not flushed on shutdown")
			}
			log.WithField("watermark", watermark).Info("sync loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// probe checks both ends once at startup. Failures are logged, not fatal:
// the cycle retries forever anyway.
func (s *Scheduler) probe(ctx context.Context) {
	if err := s.source.Ping(ctx); err != nil {
		log.WithField("err", err).Warn("source database not reachable at startup")
	}
	if err := s.crm.Ping(ctx); err != nil {
		log.WithField("err", err).Warn("CRM webhook not reachable at startup")
	}
}

// Cycle runs one full pass and returns the new watermark. The watermark only
// moves across records that were reconciled or durably enqueued; a record
// that could be lost pins the cursor so the next cycle re-reads it.
func (s *Scheduler) Cycle(ctx context.Context, watermark time.Time) time.Time {
	var started = s.now()
	s.drainQueue(ctx)

	var next = s.streamSource(ctx, watermark)
	if next.After(watermark) {
		if err := s.watermarks.Store(next); err != nil {
			log.WithField("err", err).Error("watermark not persisted, next cycle will re-read")
		} else {
			watermark = next
			s.metrics.SetWatermarkUnix(next.Unix())
		}
	}

	if depth, err := s.queue.Depth(); err == nil {
		s.metrics.SetQueueDepth(depth)
	}
	s.metrics.ObserveCycle(time.Since(started).Seconds())
	return watermark
}

// drainQueue re-attempts every due item in reconcile batches.
func (s *Scheduler) drainQueue(ctx context.Context) {
	var now = s.now()
	items, err := s.queue.Due(now, 0)
	if err != nil {
		log.WithField("err", err).Error("retry queue unreadable, skipping drain")
		return
	}
	if len(items) == 0 {
		return
	}
	log.WithField("due", len(items)).Info("draining retry queue")

	for start := 0; start < len(items); start += s.opts.BatchSize {
		if ctx.Err() != nil {
			return
		}
		var chunk = items[start:min(start+s.opts.BatchSize, len(items))]
		var records = make([]model.CanonicalRecord, len(chunk))
		for i, it := range chunk {
			records[i] = it.Record
		}

		results, err := s.reconciler.ReconcileBatch(ctx, records)
		if err != nil {
			log.WithField("err", err).Warn("queue batch lookup failed")
			for _, it := range chunk {
				if ferr := s.queue.MarkFailure(it.ExternalID, err, s.now()); ferr != nil {
					log.WithField("err", ferr).Error("retry item not rescheduled")
				}
			}
			continue
		}
		for _, res := range results {
			s.settleQueued(ctx, res)
		}
	}
}

func (s *Scheduler) settleQueued(ctx context.Context, res reconcile.Result) {
	var id = res.Record.ExternalID
	switch {
	case res.Succeeded():
		if err := s.queue.MarkSuccess(id); err != nil {
			log.WithField("err", err).Error("retry item not removed")
		}
		s.metrics.RecordSucceeded()
		s.projector.Sync(ctx, id, res.DealID)
	case model.KindOf(res.Err) == model.KindAutoBindAmbiguous:
		// Retrying cannot disambiguate; a human must merge the deals first.
		if err := s.queue.MarkFailure(id, res.Err, s.now()); err != nil {
			log.WithField("err", err).Error("retry item not rescheduled")
		}
		s.metrics.RecordDropped(model.KindAutoBindAmbiguous.String())
	default:
		if err := s.queue.MarkFailure(id, res.Err, s.now()); err != nil {
			log.WithField("err", err).Error("retry item not rescheduled")
		}
	}
}

// streamSource reads everything past the watermark, reconciles it in
// batches, and returns the candidate watermark.
func (s *Scheduler) streamSource(ctx context.Context, watermark time.Time) time.Time {
	stream, err := s.source.ReadSince(ctx, watermark)
	if err != nil {
		log.WithFields(log.Fields{
			"watermark": watermark,
			"err":       err,
		}).Error("source read failed, watermark unchanged")
		return watermark
	}
	defer stream.Close()

	var cursor = newCursor(watermark)
	var batch []model.CanonicalRecord

	for stream.Next() {
		if ctx.Err() != nil {
			break
		}
		var appt = stream.Appointment()
		rec, err := s.transform.Transform(appt)
		if err != nil {
			// Deterministic rejection; re-reading cannot fix the row.
			log.WithFields(log.Fields{
				"externalID": appt.ExternalID(),
				"err":        err,
			}).Warn("appointment dropped")
			s.metrics.RecordDropped(model.KindDataQuality.String())
			cursor.advance(appt.ChangeMax())
			continue
		}

		batch = append(batch, rec)
		if len(batch) >= s.opts.BatchSize {
			s.processBatch(ctx, batch, cursor)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 && ctx.Err() == nil {
		s.processBatch(ctx, batch, cursor)
	}
	if err := stream.Err(); err != nil {
		log.WithField("err", err).Error("source stream broke mid-cycle")
		// Rows already settled are covered; the cursor stops where we stopped.
	}
	return cursor.value()
}

// processBatch reconciles one batch and routes each result: success feeds the
// projector, durable failures feed the queue, the rest are counted drops.
func (s *Scheduler) processBatch(ctx context.Context, records []model.CanonicalRecord, cur *cursor) {
	for range records {
		s.metrics.RecordAttempted()
	}

	results, err := s.reconciler.ReconcileBatch(ctx, records)
	if err != nil {
		log.WithField("err", err).Warn("batch lookup failed, enqueueing batch")
		for _, rec := range records {
			s.settleStreamed(ctx, reconcile.Result{Record: rec, Err: err}, cur)
		}
		return
	}
	for _, res := range results {
		s.settleStreamed(ctx, res, cur)
	}
}

func (s *Scheduler) settleStreamed(ctx context.Context, res reconcile.Result, cur *cursor) {
	var rec = res.Record
	switch {
	case res.Succeeded():
		s.metrics.RecordSucceeded()
		cur.advance(rec.SourceTimestampsMax)
		s.projector.Sync(ctx, rec.ExternalID, res.DealID)
	case model.KindOf(res.Err) == model.KindAutoBindAmbiguous:
		// Skipped on purpose; the row stays behind the watermark until a
		// human merges the candidate deals, then the next edit resyncs it.
		s.metrics.RecordDropped(model.KindAutoBindAmbiguous.String())
		cur.advance(rec.SourceTimestampsMax)
	default:
		if err := s.queue.Enqueue(rec, res.Err, s.now()); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				s.metrics.RecordDropped("queue_full")
			} else {
				log.WithFields(log.Fields{
					"externalID": rec.ExternalID,
					"err":        err,
				}).Error("record not enqueued")
			}
			// Not durably held anywhere: pin the watermark behind this row.
			cur.block()
			return
		}
		s.metrics.RecordEnqueued()
		cur.advance(rec.SourceTimestampsMax)
	}
}

// cursor accumulates the candidate watermark. Once blocked it stops moving,
// so rows after an unrecoverable record are re-read next cycle.
type cursor struct {
	at      time.Time
	blocked bool
}

func newCursor(at time.Time) *cursor { return &cursor{at: at} }

func (c *cursor) advance(t time.Time) {
	if !c.blocked && t.After(c.at) {
		c.at = t
	}
}

func (c *cursor) block()           { c.blocked = true }
func (c *cursor) value() time.Time { return c.at }
