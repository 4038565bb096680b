package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"noticore/internal/eventbus"
	"noticore/internal/notify"
	"noticore/internal/resolver"
	"noticore/pkg/logx"
)

type pendingBatch struct {
	key      string
	events   []notify.Event
	openedAt time.Time
}

func batchFlushKey(key string) string { return "batch:" + key }

// addToBatch folds the event into the open window for its batch key. The
// first event opens the window and arms the flush timer; reaching the
// configured maximum flushes immediately.
func (s *Service) addToBatch(eff resolver.GlobalConfig, ev notify.Event, now time.Time) {
	window := time.Duration(eff.Batching.SimilarEventWindowMS) * time.Millisecond
	if window <= 0 {
		window = 5 * time.Second
	}
	maxSize := eff.Batching.MaxBatchSize
	if maxSize <= 0 {
		maxSize = 5
	}

	s.mu.Lock()
	b, ok := s.batches[ev.BatchKey]
	if !ok {
		b = &pendingBatch{key: ev.BatchKey, openedAt: now}
		s.batches[ev.BatchKey] = b
	}
	b.events = append(b.events, ev)
	full := len(b.events) >= maxSize
	s.mu.Unlock()

	s.publish(eventbus.TypeNotifyBatched, map[string]any{
		"batch_key": ev.BatchKey, "title": ev.Title,
	})

	if full {
		if s.sched != nil {
			s.sched.Cancel(batchFlushKey(ev.BatchKey))
		}
		s.flushBatch(ev.BatchKey)
		return
	}
	if !ok && s.sched != nil {
		key := ev.BatchKey
		s.sched.After(batchFlushKey(key), window, func(ctx context.Context) {
			s.flushBatch(key)
		})
	}
}

// flushBatch closes the window for a key and enqueues either the lone
// event unchanged or a summarized notification for the group.
func (s *Service) flushBatch(key string) {
	s.mu.Lock()
	b, ok := s.batches[key]
	if ok {
		delete(s.batches, key)
	}
	s.mu.Unlock()
	if !ok || len(b.events) == 0 {
		return
	}

	eff := s.src.EffectiveConfig()
	now := s.now()

	if len(b.events) == 1 {
		s.enqueue(s.buildRequest(eff, b.events[0], now))
		return
	}

	s.log.Debug("flushing notification batch",
		logx.String("batch_key", key), logx.Int("count", len(b.events)))
	s.enqueue(s.buildRequest(eff, summarize(b.events, eff.Privacy.HideActorNames), now))
}

// FlushBatches closes every open batch window immediately. Used on
// shutdown so buffered events are not lost.
func (s *Service) FlushBatches() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.batches))
	for k := range s.batches {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	for _, k := range keys {
		if s.sched != nil {
			s.sched.Cancel(batchFlushKey(k))
		}
		s.flushBatch(k)
	}
}

// summarize collapses a group of similar events into one event carrying
// the count, the highest severity seen, and the distinct actors.
func summarize(events []notify.Event, hideActors bool) notify.Event {
	first := events[0]
	highest := first.Severity
	actorSet := map[string]struct{}{}
	for _, ev := range events {
		if ev.Severity > highest {
			highest = ev.Severity
		}
		if ev.Actor != "" {
			actorSet[ev.Actor] = struct{}{}
		}
	}
	actors := make([]string, 0, len(actorSet))
	for a := range actorSet {
		actors = append(actors, a)
	}
	sort.Strings(actors)

	msg := fmt.Sprintf("%d similar events", len(events))
	if len(actors) > 0 && !hideActors {
		msg = fmt.Sprintf("%s from %s", msg, strings.Join(actors, ", "))
	} else if len(actors) > 1 {
		msg = fmt.Sprintf("%s from %d sources", msg, len(actors))
	}

	out := notify.Event{
		Category: first.Category,
		Severity: highest,
		Class:    first.Class,
		Title:    first.Title,
		Message:  msg,
		Data: map[string]any{
			"batch_key":   first.BatchKey,
			"batch_count": len(events),
		},
	}
	if len(actors) > 0 && !hideActors {
		out.Data["actors"] = actors
	}
	return out
}
