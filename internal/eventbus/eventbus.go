// Package eventbus is the process-wide fine-grained activity broadcast
// described in SPEC_FULL.md section 4.6, distinct from the Store's
// change-event broadcaster: every lifecycle/LLM/tool/validation/error
// event carries a run id and iteration, is appended to a per-run jsonl
// replay file by Publish itself on the publishing goroutine (there is no
// separate consumer goroutine), and optionally mirrored to Redis
// Pub/Sub for external dashboards, following the teacher's
// queue/redis.Queue Redis-client-construction shape
// (NewQueue(ctx, Config) with a RedisURL/prefix, generalized from a work
// queue to a fire-and-forget publish).
package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Kind identifies one of the event categories from SPEC_FULL.md section 4.6.
type Kind string

const (
	KindLoopStarted         Kind = "loop_started"
	KindPhaseStarted        Kind = "phase_started"
	KindIterationStarted    Kind = "iteration_started"
	KindIterationCompleted  Kind = "iteration_completed"
	KindLoopCompleted       Kind = "loop_completed"
	KindPromptSent          Kind = "prompt_sent"
	KindTokenReceived       Kind = "token_received"
	KindResponseCompleted   Kind = "response_completed"
	KindToolCallStarted     Kind = "tool_call_started"
	KindToolCallCompleted   Kind = "tool_call_completed"
	KindValidationStarted   Kind = "validation_started"
	KindValidationOutput    Kind = "validation_output"
	KindValidationCompleted Kind = "validation_completed"
	KindError               Kind = "error"
	KindWarning             Kind = "warning"
	KindRebaseStarted       Kind = "rebase_started"
	KindRebaseCompleted     Kind = "rebase_completed"
)

// Event is one observability event.
type Event struct {
	Kind      Kind                   `json:"kind"`
	RunID     string                 `json:"run_id"`
	Iteration int                    `json:"iteration"`
	Data      map[string]interface{} `json:"data,omitempty"`
	TimeMs    int64                  `json:"time_ms"`
}

// RedisConfig configures the optional mirror. Empty URL disables it.
type RedisConfig struct {
	URL     string
	Channel string // default "taskdaemon:events"
}

// Bus is the process-wide broadcaster. Safe for concurrent Publish and
// Subscribe from many runs' goroutines.
type Bus struct {
	mu        sync.Mutex
	subs      map[int]chan Event
	next      int
	replayDir string
	redis     *redis.Client
	redisCh   string
	log       *logrus.Entry
}

// New builds a Bus that appends every event to a per-run jsonl file under
// replayDir, and optionally mirrors to Redis Pub/Sub when redisCfg.URL is
// set.
func New(replayDir string, redisCfg RedisConfig, log *logrus.Logger) (*Bus, error) {
	if err := os.MkdirAll(replayDir, 0o755); err != nil {
		return nil, fmt.Errorf("eventbus: create replay dir: %w", err)
	}
	b := &Bus{
		subs:      make(map[int]chan Event),
		replayDir: replayDir,
		log:       log.WithField("component", "eventbus"),
	}
	if redisCfg.URL != "" {
		opts, err := redis.ParseURL(redisCfg.URL)
		if err != nil {
			return nil, fmt.Errorf("eventbus: parse redis url: %w", err)
		}
		b.redis = redis.NewClient(opts)
		b.redisCh = redisCfg.Channel
		if b.redisCh == "" {
			b.redisCh = "taskdaemon:events"
		}
	}
	return b, nil
}

// Close releases the Redis connection, if any.
func (b *Bus) Close() error {
	if b.redis != nil {
		return b.redis.Close()
	}
	return nil
}

// Subscribe returns a channel receiving every published event from now
// on, and an unsubscribe func.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 256)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
	}
}

// Publish appends e to its run's replay file, fans it out to live
// subscribers (a subscriber whose channel is full misses the event and a
// warning is logged; no lag notice is sent to it), and mirrors to Redis
// when configured.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if err := b.appendReplay(e); err != nil {
		b.log.WithError(err).WithField("run_id", e.RunID).Warn("eventbus: replay append failed")
	}

	b.mu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.WithField("run_id", e.RunID).Warn("eventbus: subscriber channel full, dropping event")
		}
	}
	b.mu.Unlock()

	if b.redis != nil {
		payload, err := json.Marshal(e)
		if err != nil {
			return
		}
		if err := b.redis.Publish(ctx, b.redisCh, payload).Err(); err != nil {
			b.log.WithError(err).Warn("eventbus: redis publish failed")
		}
	}
}

func (b *Bus) appendReplay(e Event) error {
	path := filepath.Join(b.replayDir, e.RunID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// Replay reads back a run's full event history from its jsonl file, for
// a subscriber that fell behind (observed a gap, or subscribed late).
func Replay(replayDir, runID string) ([]Event, error) {
	path := filepath.Join(replayDir, runID+".jsonl")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventbus: read replay for %s: %w", runID, err)
	}
	var events []Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			break
		}
		events = append(events, e)
	}
	return events, nil
}
