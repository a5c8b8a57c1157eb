package eventbridge

import (
	"strings"
	"sync"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router delivers task run events to per-execution subscribers with
// buffering, deduplication and bounded channel semantics.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]TaskRunEvent
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	dedupeWindow int
	logger       Logger
}

// Subscription represents an active execution subscription.
type Subscription struct {
	Events <-chan TaskRunEvent
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]TaskRunEvent{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		logger:       nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop/diagnostic messages.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.channelSize = size
		}
	}
}

// RouterWithBacklogLimit overrides the backlog size for pre-subscription buffering.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// RouterWithDedupeWindow controls how many recent event IDs are retained.
func RouterWithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// Subscribe registers for events of one execution. Events routed before the
// first subscriber arrived are replayed in order.
func (r *Router) Subscribe(executionID string) Subscription {
	key := normalizeKey(executionID)
	sub := newSubscriber(r.channelSize, r.logger)
	r.mu.Lock()
	if r.subscribers[key] == nil {
		r.subscribers[key] = map[*subscriber]struct{}{}
	}
	r.subscribers[key][sub] = struct{}{}
	for _, event := range r.backlog[key] {
		sub.deliver(event)
	}
	delete(r.backlog, key)
	r.mu.Unlock()
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(key, sub)
		},
	}
}

// HandleEvent satisfies the EventProcessor interface.
func (r *Router) HandleEvent(event TaskRunEvent) error {
	r.Route(event)
	return nil
}

// Route delivers the event to subscribers or buffers it when no subscriber exists.
func (r *Router) Route(event TaskRunEvent) {
	key := normalizeKey(event.ExecutionID)
	if key == "" {
		return
	}
	if event.EventID != "" && r.isDuplicate(event.EventID) {
		return
	}
	// deliver never blocks, so it runs under the lock: a concurrent Subscribe
	// either finds the event in the backlog or receives it after the replay.
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subscribers[key]
	if len(subs) == 0 {
		r.bufferLocked(key, event)
		return
	}
	for sub := range subs {
		sub.deliver(event)
	}
}

// Forget discards the backlog kept for an execution nobody will follow.
func (r *Router) Forget(executionID string) {
	r.mu.Lock()
	delete(r.backlog, normalizeKey(executionID))
	r.mu.Unlock()
}

// Pending reports how many events are buffered for executionID.
func (r *Router) Pending(executionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backlog[normalizeKey(executionID)])
}

func (r *Router) removeSubscriber(key string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, key)
		}
	}
	sub.close()
}

// bufferLocked must be called with r.mu held.
func (r *Router) bufferLocked(key string, event TaskRunEvent) {
	queue := r.backlog[key]
	if len(queue) >= r.backlogLimit {
		queue = queue[1:]
		r.logger.Printf("eventbridge: backlog drop for %s (limit %d)", key, r.backlogLimit)
	}
	queue = append(queue, event)
	r.backlog[key] = queue
}

func (r *Router) isDuplicate(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[eventID]; ok {
		return true
	}
	r.recentIDs[eventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, eventID)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}

func normalizeKey(executionID string) string {
	return strings.TrimSpace(executionID)
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan TaskRunEvent
	logger Logger
	closed bool
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan TaskRunEvent, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan TaskRunEvent {
	return s.ch
}

// deliver never blocks. On overflow a terminal report always survives over a
// progress report.
func (s *subscriber) deliver(event TaskRunEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	var oldest TaskRunEvent
	select {
	case oldest = <-s.ch:
	default:
		// the reader drained the channel meanwhile
		s.ch <- event
		return
	}
	if shouldDropOldest(oldest, event) {
		s.logger.Printf("eventbridge: dropped %s of task run %s (queue overflow)", oldest.State, oldest.TaskRunID)
		s.ch <- event
		return
	}
	s.ch <- oldest
	s.logger.Printf("eventbridge: dropped %s of task run %s (queue overflow:incoming)", event.State, event.TaskRunID)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming TaskRunEvent) bool {
	return !oldest.State.IsTerminal() || incoming.State.IsTerminal()
}
