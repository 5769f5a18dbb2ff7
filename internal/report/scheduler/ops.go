package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"reportd/internal/eventbus"
	"reportd/internal/report"
	"reportd/internal/report/trigger"
	logx "reportd/pkg/logx"
)

// Put persists job and arms it, replacing any job with the same id. The
// registry write happens first: when it fails nothing is armed and the
// previous definition (if any) stays in effect. It returns the armed fire
// time.
func (c *Core) Put(ctx context.Context, job report.Job) (time.Time, error) {
	var (
		next time.Time
		err  error
	)
	if derr := c.do(ctx, func() { next, err = c.putLocked(ctx, job) }); derr != nil {
		return time.Time{}, derr
	}
	return next, err
}

func (c *Core) putLocked(ctx context.Context, job report.Job) (time.Time, error) {
	now := c.now()
	slot, err := c.calc.Next(job.Schedule, now)
	if err != nil {
		var fe *trigger.FieldError
		if errors.As(err, &fe) {
			return time.Time{}, report.InvalidConfig(fe.Field, "%s", fe.Reason)
		}
		return time.Time{}, report.InvalidConfig("schedule", "%v", err)
	}

	job = job.Clone()
	job.State = report.JobState{NextFireAt: slot}
	if prev, ok := c.jobs[job.ID]; ok {
		// Keep history across a replace; only the arming restarts.
		st := prev.job.State
		st.NextFireAt = slot
		job.State = st
	}

	if err := c.store.Put(ctx, job); err != nil {
		c.metrics.RegistryError("put")
		c.log.Error("schedule not armed: registry write failed", logx.String("job", job.ID), logx.Err(err))
		return time.Time{}, err
	}

	c.gen++
	c.jobs[job.ID] = &tracked{job: job, gen: c.gen}
	c.queue.arm(job.ID, slot, slot)
	c.metrics.SetArmed(c.queue.Len())
	c.log.Info("schedule armed",
		logx.String("job", job.ID),
		logx.String("dataset", job.DatasetName),
		logx.String("schedule", job.Schedule.String()),
		logx.Time("next", slot),
	)
	c.publish(eventbus.TypeJobArmed, eventbus.JobEvent{JobID: job.ID, NextFireAt: slot})
	return slot, nil
}

// Cancel removes a job from the registry and disarms it. It reports whether
// the job existed. A firing already handed to the engine still completes
// but its outcome is not persisted.
func (c *Core) Cancel(ctx context.Context, id string) (bool, error) {
	var (
		removed bool
		err     error
	)
	if derr := c.do(ctx, func() { removed, err = c.cancelLocked(ctx, id) }); derr != nil {
		return false, derr
	}
	return removed, err
}

func (c *Core) cancelLocked(ctx context.Context, id string) (bool, error) {
	existed, err := c.store.Delete(ctx, id)
	if err != nil {
		c.metrics.RegistryError("delete")
		return false, err
	}
	_, known := c.jobs[id]
	delete(c.jobs, id)
	disarmed := c.queue.disarm(id)
	c.metrics.SetArmed(c.queue.Len())

	removed := existed || known || disarmed
	if removed {
		c.log.Info("schedule cancelled", logx.String("job", id))
		c.publish(eventbus.TypeJobCancelled, eventbus.JobEvent{JobID: id})
	}
	return removed, nil
}

// List returns every known job with its live state, ordered by creation.
func (c *Core) List(ctx context.Context) ([]report.Job, error) {
	var out []report.Job
	err := c.do(ctx, func() {
		out = make([]report.Job, 0, len(c.jobs))
		for _, t := range c.jobs {
			out = append(out, c.liveLocked(t))
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns one job with its live state.
func (c *Core) Get(ctx context.Context, id string) (report.Job, bool, error) {
	var (
		job report.Job
		ok  bool
	)
	err := c.do(ctx, func() {
		if t, found := c.jobs[id]; found {
			job, ok = c.liveLocked(t), true
		}
	})
	return job, ok, err
}

// liveLocked returns the job with NextFireAt taken from the armed timer. A
// job that is not armed (one-time job in flight) reports a zero NextFireAt.
func (c *Core) liveLocked(t *tracked) report.Job {
	j := t.job.Clone()
	if e, ok := c.queue.get(j.ID); ok {
		j.State.NextFireAt = e.at
	} else {
		j.State.NextFireAt = time.Time{}
	}
	return j
}

// Armed returns the number of armed jobs.
func (c *Core) Armed(ctx context.Context) (int, error) {
	var n int
	err := c.do(ctx, func() { n = c.queue.Len() })
	return n, err
}

// SetLocation switches the timezone used for trigger math and re-arms every
// recurring job from now. Armed one-time jobs keep their instant.
func (c *Core) SetLocation(ctx context.Context, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	return c.do(ctx, func() {
		if c.cfg.Location.String() == loc.String() {
			return
		}
		c.cfg.Location = loc
		c.calc = trigger.New(loc, c.cfg.OneTimeDelay)

		now := c.now()
		rearmed := 0
		for id, t := range c.jobs {
			if !t.job.Schedule.Recurring() {
				continue
			}
			if _, armed := c.queue.get(id); !armed {
				continue
			}
			slot, err := c.calc.Next(t.job.Schedule, now)
			if err != nil {
				c.log.Error("re-arm failed", logx.String("job", id), logx.Err(err))
				continue
			}
			c.queue.arm(id, slot, slot)
			t.job.State.NextFireAt = slot
			if err := c.store.Put(ctx, t.job); err != nil {
				c.metrics.RegistryError("put")
				c.log.Warn("persist re-armed job failed", logx.String("job", id), logx.Err(err))
			}
			rearmed++
		}
		c.log.Info("scheduler timezone changed", logx.String("tz", loc.String()), logx.Int("rearmed", rearmed))
	})
}
