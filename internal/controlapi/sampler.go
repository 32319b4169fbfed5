package controlapi

import (
	"context"
	"time"

	"github.com/taskdaemon/taskdaemon/internal/eventbus"
	"github.com/taskdaemon/taskdaemon/internal/model"
)

const sampleInterval = 10 * time.Second

var sampledCollections = []string{"plans", "specs", "phases", "runs"}

type iterKey struct {
	runID     string
	iteration int
}

// sampleMetrics periodically refreshes the gauges that have no natural
// publish point of their own (run counts by status, coordinator queue
// depth) and consumes the event bus to observe delivery lag and per-
// iteration duration (paired from KindIterationStarted to
// KindIterationCompleted, since neither engine.go nor eventbus.Event itself
// records a duration).
func (s *Server) sampleMetrics(ctx context.Context) {
	ch, unsub := s.bus.Subscribe()
	defer unsub()

	started := map[iterKey]time.Time{}
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshRunGauges(ctx)
			s.metrics.CoordQueueDepth.Set(float64(s.coord.QueueDepth()))
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.observeLag(e)
			s.observeIterationDuration(e, started)
		}
	}
}

func (s *Server) observeIterationDuration(e eventbus.Event, started map[iterKey]time.Time) {
	key := iterKey{runID: e.RunID, iteration: e.Iteration}
	switch e.Kind {
	case eventbus.KindIterationStarted:
		started[key] = time.UnixMilli(e.TimeMs)
	case eventbus.KindIterationCompleted:
		start, ok := started[key]
		if !ok {
			return
		}
		delete(started, key)
		s.metrics.IterationDuration.WithLabelValues(string(model.KindRalph)).Observe(time.UnixMilli(e.TimeMs).Sub(start).Seconds())
	}
}

func (s *Server) refreshRunGauges(ctx context.Context) {
	s.metrics.RunsByStatus.Reset()
	for _, col := range sampledCollections {
		recs, err := s.store.List(ctx, col)
		if err != nil {
			s.log.WithError(err).WithField("collection", col).Warn("controlapi: metrics sample failed")
			continue
		}
		counts := map[model.Status]int{}
		var kind model.Kind
		for _, r := range recs {
			run, ok := r.(*model.Run)
			if !ok {
				continue
			}
			kind = run.Kind
			counts[run.Status]++
		}
		for status, n := range counts {
			s.metrics.RunsByStatus.WithLabelValues(string(kind), string(status)).Set(float64(n))
		}
	}
}

func (s *Server) observeLag(e eventbus.Event) {
	if e.TimeMs <= 0 {
		return
	}
	lag := time.Since(time.UnixMilli(e.TimeMs)).Seconds()
	if lag < 0 {
		lag = 0
	}
	s.metrics.EventBusLag.Observe(lag)
}
