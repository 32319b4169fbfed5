// Package coordinator mediates all inter-run communication: Alert
// (broadcast), Share (point-to-point), Query (request/reply with timeout
// and cycle detection), and Stop. Every message is persisted through the
// Store before dispatch, matching SPEC_FULL.md section 4.2. The dispatch
// and bookkeeping logic generalizes the teacher's coordinator.Coordinator
// (a websocket service coordinator with a handlers map, a non-blocking
// send channel, and a reconnect/ping loop) from a single external
// connection to an in-process router over many runs, with the same
// "never block the publisher, drop and log" discipline.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
	"github.com/taskdaemon/taskdaemon/internal/model"
	"github.com/taskdaemon/taskdaemon/internal/store"
)

const (
	defaultRateLimit  = 100
	defaultRateWindow = time.Second
	inboxCapacity     = 256
	subscriberCapacity = 64
)

// Coordinator is the in-process message router. All state (subscriber
// registry, inboxes, pending queries, in-flight cycle-detection set, and
// per-sender rate limiters) is owned exclusively by its actor goroutine.
type Coordinator struct {
	st  *store.Store
	log *logrus.Entry

	reqCh  chan interface{}
	doneCh chan struct{}
	wg     sync.WaitGroup

	subscribers map[string]map[string]chan model.CoordinationMessage // topic -> runID -> chan
	inboxes     map[string]chan model.CoordinationMessage            // runID -> chan
	pending     map[string]*pendingQuery                             // query id -> pending
	inFlight    map[string]map[string]bool                           // sender -> set of recipients awaited
	rates       map[string]*slidingWindow

	rateLimit  int
	rateWindow time.Duration
}

type pendingQuery struct {
	msg   *model.CoordinationMessage
	reply chan queryResult
	timer *time.Timer
}

type queryResult struct {
	answer map[string]interface{}
	err    error
}

// New constructs a Coordinator over st. Collection "coordination" must
// already be registered on st with a *model.CoordinationMessage factory.
func New(st *store.Store, log *logrus.Entry) *Coordinator {
	c := &Coordinator{
		st:          st,
		log:         log,
		reqCh:       make(chan interface{}, 256),
		doneCh:      make(chan struct{}),
		subscribers: make(map[string]map[string]chan model.CoordinationMessage),
		inboxes:     make(map[string]chan model.CoordinationMessage),
		pending:     make(map[string]*pendingQuery),
		inFlight:    make(map[string]map[string]bool),
		rates:       make(map[string]*slidingWindow),
		rateLimit:   defaultRateLimit,
		rateWindow:  defaultRateWindow,
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Close stops the actor; pending query waiters receive ErrQueryTimeout.
func (c *Coordinator) Close() {
	close(c.doneCh)
	c.wg.Wait()
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.doneCh:
			for id, pq := range c.pending {
				pq.timer.Stop()
				pq.reply <- queryResult{err: fmt.Errorf("%w: query %s", daemonerr.ErrQueryTimeout, id)}
			}
			return
		case req := <-c.reqCh:
			c.handle(req)
		}
	}
}

// --- public API -----------------------------------------------------------

type alertReq struct {
	from, topic string
	data        map[string]interface{}
}

type shareReq struct {
	from, to, kind string
	data           map[string]interface{}
}

type queryReq struct {
	from, to, question string
	timeout            time.Duration
	reply              chan queryResult
}

type replyQueryReq struct {
	queryID string
	answer  map[string]interface{}
}

type stopReq struct {
	from, to, reason string
}

type subscribeReq struct {
	runID, topic string
	reply        chan chan model.CoordinationMessage
}

type unsubscribeReq struct {
	runID, topic string
}

type inboxReq struct {
	runID string
	reply chan chan model.CoordinationMessage
}

type timeoutReq struct {
	queryID string
}

// Alert broadcasts data under topic to every run subscribed to it.
// Non-blocking: undeliverable alerts are persisted anyway for replay.
func (c *Coordinator) Alert(from, topic string, data map[string]interface{}) {
	c.reqCh <- alertReq{from: from, topic: topic, data: data}
}

// Share delivers a point-to-point data drop to to's inbox.
func (c *Coordinator) Share(from, to, kind string, data map[string]interface{}) {
	c.reqCh <- shareReq{from: from, to: to, kind: kind, data: data}
}

// Query sends a request/reply query, blocking the caller until answered,
// timed out, or refused for forming a cycle.
func (c *Coordinator) Query(ctx context.Context, from, to, question string, timeout time.Duration) (map[string]interface{}, error) {
	reply := make(chan queryResult, 1)
	select {
	case c.reqCh <- queryReq{from: from, to: to, question: question, timeout: timeout, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.answer, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReplyQuery answers a previously received query by id.
func (c *Coordinator) ReplyQuery(queryID string, answer map[string]interface{}) {
	c.reqCh <- replyQueryReq{queryID: queryID, answer: answer}
}

// Stop sends a graceful-termination request; the target decides when to
// observe it by polling its inbox.
func (c *Coordinator) Stop(from, to, reason string) {
	c.reqCh <- stopReq{from: from, to: to, reason: reason}
}

// Subscribe registers runID as a listener on topic, returning a buffered
// channel of delivered alerts.
func (c *Coordinator) Subscribe(runID, topic string) <-chan model.CoordinationMessage {
	reply := make(chan chan model.CoordinationMessage, 1)
	c.reqCh <- subscribeReq{runID: runID, topic: topic, reply: reply}
	return <-reply
}

// Unsubscribe removes runID's subscription to topic.
func (c *Coordinator) Unsubscribe(runID, topic string) {
	c.reqCh <- unsubscribeReq{runID: runID, topic: topic}
}

// Inbox returns (creating if absent) the buffered channel receiving Share,
// Stop, and Query messages addressed to runID.
func (c *Coordinator) Inbox(runID string) <-chan model.CoordinationMessage {
	reply := make(chan chan model.CoordinationMessage, 1)
	c.reqCh <- inboxReq{runID: runID, reply: reply}
	return <-reply
}

// QueueDepth reports how many requests are currently queued on the actor's
// request channel, for the control surface's coordinator queue depth metric.
func (c *Coordinator) QueueDepth() int {
	return len(c.reqCh)
}

// Requeue puts msg back on runID's inbox. Callers that drain the inbox
// looking for one message kind (stopRequested scanning for MessageStop)
// use this to put back any Share or Query they pulled out along the way
// instead of discarding them.
func (c *Coordinator) Requeue(runID string, msg model.CoordinationMessage) {
	msg.Recipient = runID
	c.reqCh <- inboxDeliverRecovered{cm: &msg}
}

// --- actor handlers ---------------------------------------------------------

func (c *Coordinator) handle(req interface{}) {
	switch r := req.(type) {
	case alertReq:
		c.handleAlert(r)
	case shareReq:
		c.handleShare(r)
	case queryReq:
		c.handleQuery(r)
	case replyQueryReq:
		c.handleReplyQuery(r)
	case stopReq:
		c.handleStop(r)
	case subscribeReq:
		c.handleSubscribe(r)
	case unsubscribeReq:
		c.handleUnsubscribe(r)
	case inboxReq:
		r.reply <- c.getOrCreateInbox(r.runID)
	case timeoutReq:
		c.handleTimeout(r)
	case inboxDeliverRecovered:
		c.deliver(r.cm.Recipient, *r.cm)
	}
}

func (c *Coordinator) allowed(sender string) bool {
	w, ok := c.rates[sender]
	if !ok {
		w = &slidingWindow{}
		c.rates[sender] = w
	}
	return w.Allow(time.Now(), c.rateLimit, c.rateWindow)
}

func (c *Coordinator) handleAlert(r alertReq) {
	if !c.allowed(r.from) {
		c.log.WithField("sender", r.from).Warn("coordinator: alert rate limited, dropping")
		return
	}
	now := nowMs()
	msg := &model.CoordinationMessage{
		ID: uuid.NewString(), Sender: r.from, Topic: r.topic, Kind: model.MessageAlert,
		Payload: r.data, CreatedAtMs: now, UpdatedAtMsV: now, ResolvedAtMs: now,
	}
	if _, err := c.st.Create(context.Background(), "coordination", msg); err != nil {
		c.log.WithError(err).Error("coordinator: persist alert")
	}
	for runID, ch := range c.subscribers[r.topic] {
		wsMsg := *msg
		select {
		case ch <- wsMsg:
		default:
			c.log.WithField("run_id", runID).WithField("topic", r.topic).Warn("coordinator: subscriber inbox full, dropping alert")
		}
	}
}

func (c *Coordinator) handleShare(r shareReq) {
	if !c.allowed(r.from) {
		c.log.WithField("sender", r.from).Warn("coordinator: share rate limited, dropping")
		return
	}
	now := nowMs()
	payload := r.data
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["_share_kind"] = r.kind
	msg := &model.CoordinationMessage{
		ID: uuid.NewString(), Sender: r.from, Recipient: r.to, Kind: model.MessageShare,
		Payload: payload, CreatedAtMs: now, UpdatedAtMsV: now, ResolvedAtMs: now,
	}
	if _, err := c.st.Create(context.Background(), "coordination", msg); err != nil {
		c.log.WithError(err).Error("coordinator: persist share")
	}
	c.deliver(r.to, *msg)
}

func (c *Coordinator) handleStop(r stopReq) {
	now := nowMs()
	msg := &model.CoordinationMessage{
		ID: uuid.NewString(), Sender: r.from, Recipient: r.to, Kind: model.MessageStop,
		Payload: map[string]interface{}{"reason": r.reason}, CreatedAtMs: now, UpdatedAtMsV: now, ResolvedAtMs: now,
	}
	if _, err := c.st.Create(context.Background(), "coordination", msg); err != nil {
		c.log.WithError(err).Error("coordinator: persist stop")
	}
	c.deliver(r.to, *msg)
}

func (c *Coordinator) handleQuery(r queryReq) {
	if !c.allowed(r.from) {
		r.reply <- queryResult{err: fmt.Errorf("%w: sender=%s", daemonerr.ErrRateLimited, r.from)}
		return
	}
	if c.inFlight[r.to] != nil && c.inFlight[r.to][r.from] {
		r.reply <- queryResult{err: fmt.Errorf("%w: %s -> %s", daemonerr.ErrQueryCycle, r.from, r.to)}
		return
	}
	now := nowMs()
	msg := &model.CoordinationMessage{
		ID: uuid.NewString(), Sender: r.from, Recipient: r.to, Kind: model.MessageQuery,
		Payload: map[string]interface{}{"question": r.question}, CreatedAtMs: now, UpdatedAtMsV: now,
	}
	if _, err := c.st.Create(context.Background(), "coordination", msg); err != nil {
		r.reply <- queryResult{err: err}
		return
	}
	if c.inFlight[r.from] == nil {
		c.inFlight[r.from] = make(map[string]bool)
	}
	c.inFlight[r.from][r.to] = true

	pq := &pendingQuery{msg: msg, reply: r.reply}
	c.pending[msg.ID] = pq
	c.deliver(r.to, *msg)

	timeout := r.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pq.timer = time.AfterFunc(timeout, func() {
		select {
		case c.reqCh <- timeoutReq{queryID: msg.ID}:
		case <-c.doneCh:
		}
	})
}

func (c *Coordinator) handleReplyQuery(r replyQueryReq) {
	ctx := context.Background()
	rec, found, err := c.st.Get(ctx, "coordination", r.queryID)
	if err != nil || !found {
		return
	}
	cm, ok := rec.(*model.CoordinationMessage)
	if !ok {
		return
	}
	now := nowMs()
	pq, stillPending := c.pending[r.queryID]
	if !stillPending {
		// Already timed out, or this process never saw it issued (post-crash
		// recovery); a late reply is recorded but not delivered to a waiter.
		cm.Outcome = model.OutcomeLate
		cm.Answer = r.answer
		cm.ResolvedAtMs = now
		cm.UpdatedAtMsV = now
		_ = c.st.Update(ctx, "coordination", cm)
		return
	}
	pq.timer.Stop()
	delete(c.pending, r.queryID)
	if set := c.inFlight[cm.Sender]; set != nil {
		delete(set, cm.Recipient)
	}
	cm.Outcome = model.OutcomeAnswer
	cm.Answer = r.answer
	cm.ResolvedAtMs = now
	cm.UpdatedAtMsV = now
	_ = c.st.Update(ctx, "coordination", cm)
	pq.reply <- queryResult{answer: r.answer}
}

func (c *Coordinator) handleTimeout(r timeoutReq) {
	pq, ok := c.pending[r.queryID]
	if !ok {
		return // already answered
	}
	delete(c.pending, r.queryID)
	ctx := context.Background()
	rec, found, err := c.st.Get(ctx, "coordination", r.queryID)
	if err == nil && found {
		if cm, ok := rec.(*model.CoordinationMessage); ok {
			if set := c.inFlight[cm.Sender]; set != nil {
				delete(set, cm.Recipient)
			}
			now := nowMs()
			cm.Outcome = model.OutcomeTimeout
			cm.ResolvedAtMs = now
			cm.UpdatedAtMsV = now
			_ = c.st.Update(ctx, "coordination", cm)
		}
	}
	pq.reply <- queryResult{err: fmt.Errorf("%w: query %s", daemonerr.ErrQueryTimeout, r.queryID)}
}

func (c *Coordinator) handleSubscribe(r subscribeReq) {
	if c.subscribers[r.topic] == nil {
		c.subscribers[r.topic] = make(map[string]chan model.CoordinationMessage)
	}
	ch := make(chan model.CoordinationMessage, subscriberCapacity)
	c.subscribers[r.topic][r.runID] = ch
	r.reply <- ch
}

func (c *Coordinator) handleUnsubscribe(r unsubscribeReq) {
	if subs := c.subscribers[r.topic]; subs != nil {
		if ch, ok := subs[r.runID]; ok {
			close(ch)
			delete(subs, r.runID)
		}
	}
}

func (c *Coordinator) getOrCreateInbox(runID string) chan model.CoordinationMessage {
	ch, ok := c.inboxes[runID]
	if !ok {
		ch = make(chan model.CoordinationMessage, inboxCapacity)
		c.inboxes[runID] = ch
	}
	return ch
}

func (c *Coordinator) deliver(runID string, msg model.CoordinationMessage) {
	ch := c.getOrCreateInbox(runID)
	select {
	case ch <- msg:
	default:
		c.log.WithField("run_id", runID).Warn("coordinator: inbox full, dropping message")
	}
}

// Recover scans the Store for unresolved coordination messages on startup.
// For each, if isLive reports both sender and recipient live, the message
// is re-delivered to the recipient's inbox; otherwise it is resolved as
// outcome=lost.
func (c *Coordinator) Recover(ctx context.Context, isLive func(runID string) bool) error {
	recs, err := c.st.List(ctx, "coordination", store.Filter{Field: "outcome", Op: store.OpEq, Value: ""})
	if err != nil {
		return fmt.Errorf("coordinator: recover list: %w", err)
	}
	for _, rec := range recs {
		cm, ok := rec.(*model.CoordinationMessage)
		if !ok || cm.Kind != model.MessageQuery || cm.Resolved() {
			continue
		}
		if isLive(cm.Sender) && isLive(cm.Recipient) {
			c.reqCh <- inboxDeliverRecovered{cm: cm}
			continue
		}
		now := nowMs()
		cm.Outcome = model.OutcomeLost
		cm.ResolvedAtMs = now
		cm.UpdatedAtMsV = now
		if err := c.st.Update(ctx, "coordination", cm); err != nil {
			c.log.WithError(err).WithField("id", cm.ID).Error("coordinator: recover mark lost")
		}
	}
	return nil
}

type inboxDeliverRecovered struct {
	cm *model.CoordinationMessage
}

func nowMs() int64 { return time.Now().UnixMilli() }
