package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reportd/internal/eventbus"
	"reportd/internal/report"
	"reportd/internal/task/engine"
	logx "reportd/pkg/logx"
)

// fireDue dispatches every entry that is due.
func (c *Core) fireDue() {
	now := c.now()
	for {
		e := c.queue.popDue(now)
		if e == nil {
			break
		}
		t, ok := c.jobs[e.id]
		if !ok {
			continue
		}
		c.dispatch(t, e.slot, now)
	}
	c.metrics.SetArmed(c.queue.Len())
}

// dispatch hands one firing to the engine. Recurring jobs are re-armed for
// their next slot right away, so a slow firing never delays the next one.
func (c *Core) dispatch(t *tracked, slot, now time.Time) {
	job := t.job.Clone()
	gen := t.gen

	task := engine.Task{
		Name:    "report:" + job.ID,
		Timeout: c.cfg.FiringTimeout,
		Run: func(ctx context.Context) (string, error) {
			out := report.Outcome{
				JobID:   job.ID,
				Dataset: job.DatasetName,
				FiredAt: slot,
				Status:  report.StatusFailed,
				Error:   "firing aborted",
			}
			// Deferred so a panicking executor still reports back.
			defer func() { c.post(func() { c.onComplete(gen, out) }) }()
			out = c.exec.Execute(ctx, job, slot)
			if out.Status == report.StatusFailed {
				return string(out.Status), errors.New(out.Error)
			}
			return string(out.Status), nil
		},
		OnDrop: func(reason error) {
			c.post(func() { c.onDropped(job.ID, gen, slot, reason) })
		},
	}

	if err := c.eng.Enqueue(task); err != nil {
		retry := now.Add(c.cfg.DispatchRetry)
		c.queue.arm(job.ID, slot, retry)
		c.log.Warn("firing not dispatched; retrying",
			logx.String("job", job.ID),
			logx.Time("slot", slot),
			logx.Time("retry_at", retry),
			logx.Err(err),
		)
		return
	}
	c.inFlight++
	c.log.Debug("firing dispatched", logx.String("job", job.ID), logx.Time("slot", slot))

	if job.Schedule.Recurring() {
		c.rearm(t, slot, now)
	}
}

// rearm arms the slot strictly after the one that just fired. After
// downtime the slot may be far in the past; catching up fires once, not
// once per missed slot.
func (c *Core) rearm(t *tracked, slot, now time.Time) {
	base := slot
	if now.After(base) {
		base = now
	}
	next, err := c.calc.NextAfter(t.job.Schedule, base)
	if err != nil || next.IsZero() {
		c.log.Error("re-arm failed; job stays idle until replaced", logx.String("job", t.job.ID), logx.Any("err", err))
		return
	}
	c.queue.arm(t.job.ID, next, next)
}

func (c *Core) onComplete(gen uint64, out report.Outcome) {
	c.inFlight--
	ok, failed := out.Counts()
	c.publish(firingEventType(out.Status), eventbus.FiringEvent{
		FiringID:  out.FiringID,
		JobID:     out.JobID,
		Dataset:   out.Dataset,
		FiredAt:   out.FiredAt,
		Status:    string(out.Status),
		Succeeded: ok,
		Failed:    failed,
		Error:     out.Error,
		Duration:  out.Duration,
	})

	t, found := c.jobs[out.JobID]
	if !found || t.gen != gen {
		c.log.Debug("outcome of cancelled or replaced job discarded", logx.String("job", out.JobID))
		return
	}

	st := &t.job.State
	st.LastFiredAt = out.FiredAt
	st.LastStatus = out.Status
	st.LastError = out.Error
	st.LastSucceeded = ok
	st.LastFailed = failed
	st.Firings++
	if out.Status != report.StatusSuccess {
		st.Failures++
	}

	ctx := context.Background()
	if !t.job.Schedule.Recurring() {
		delete(c.jobs, out.JobID)
		if _, err := c.store.Delete(ctx, out.JobID); err != nil {
			c.metrics.RegistryError("delete")
			c.log.Error("one-time job not removed; it will fire again after restart", logx.String("job", out.JobID), logx.Err(err))
		}
		return
	}

	if e, armed := c.queue.get(out.JobID); armed {
		st.NextFireAt = e.slot
	}
	if err := c.store.Put(ctx, t.job); err != nil {
		c.metrics.RegistryError("put")
		c.log.Error("firing state not persisted", logx.String("job", out.JobID), logx.Err(err))
	}
}

// onDropped handles a firing the engine accepted but discarded. One-time
// jobs are re-armed; a recurring job just records the miss since its next
// slot is already armed.
func (c *Core) onDropped(id string, gen uint64, slot time.Time, reason error) {
	c.inFlight--
	c.metrics.ObserveFiring(string(report.StatusDropped), 0)
	c.publish(eventbus.TypeFiringFailed, eventbus.FiringEvent{
		JobID:   id,
		FiredAt: slot,
		Status:  string(report.StatusDropped),
		Error:   fmt.Sprint(reason),
	})

	t, found := c.jobs[id]
	if !found || t.gen != gen {
		return
	}
	if c.draining {
		// Left for the next start: the registry still holds the old slot.
		return
	}
	c.log.Warn("firing dropped", logx.String("job", id), logx.Time("slot", slot), logx.Err(reason))

	if !t.job.Schedule.Recurring() {
		at := c.now().Add(c.cfg.DispatchRetry)
		c.queue.arm(id, slot, at)
		c.metrics.SetArmed(c.queue.Len())
		return
	}
	t.job.State.LastStatus = report.StatusDropped
	t.job.State.LastError = fmt.Sprint(reason)
	if e, armed := c.queue.get(id); armed {
		t.job.State.NextFireAt = e.slot
	}
	if err := c.store.Put(context.Background(), t.job); err != nil {
		c.metrics.RegistryError("put")
		c.log.Error("firing state not persisted", logx.String("job", id), logx.Err(err))
	}
}

func firingEventType(s report.Status) string {
	switch s {
	case report.StatusSuccess:
		return eventbus.TypeFiringSucceeded
	case report.StatusDegraded:
		return eventbus.TypeFiringDegraded
	default:
		return eventbus.TypeFiringFailed
	}
}
