package eventbridge

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/flowstate/internal/state"
)

func TestRouterBuffersAndFlushes(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(4))
	first := TaskRunEvent{EventID: "evt-1", ExecutionID: "exec", TaskRunID: "tr", State: state.Running}
	second := TaskRunEvent{EventID: "evt-2", ExecutionID: "exec", TaskRunID: "tr", State: state.Success}
	router.Route(first)
	router.Route(second)
	if router.Pending("exec") != 2 {
		t.Fatalf("expected 2 buffered events, got %d", router.Pending("exec"))
	}
	sub := router.Subscribe("exec")
	defer sub.Close()
	if got := <-sub.Events; got.EventID != first.EventID {
		t.Fatalf("expected first buffered event, got %s", got.EventID)
	}
	if got := <-sub.Events; got.EventID != second.EventID {
		t.Fatalf("expected second buffered event, got %s", got.EventID)
	}
	if router.Pending("exec") != 0 {
		t.Fatalf("backlog must be flushed on subscribe")
	}
}

func TestRouterKeepsExecutionsApart(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe("a")
	defer sub.Close()
	router.Route(TaskRunEvent{EventID: "evt-b", ExecutionID: "b", State: state.Running})
	router.Route(TaskRunEvent{EventID: "evt-a", ExecutionID: "a", State: state.Running})
	if got := <-sub.Events; got.EventID != "evt-a" {
		t.Fatalf("received event of another execution: %s", got.EventID)
	}
	if router.Pending("b") != 1 {
		t.Fatalf("expected event for b to be buffered")
	}
	router.Forget("b")
	if router.Pending("b") != 0 {
		t.Fatalf("Forget must drop the backlog")
	}
}

func TestRouterDedupeByEventID(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe("exec")
	defer sub.Close()
	event := TaskRunEvent{EventID: "evt-1", ExecutionID: "exec", State: state.Running}
	router.Route(event)
	router.Route(event)
	select {
	case got := <-sub.Events:
		if got.EventID != event.EventID {
			t.Fatalf("unexpected event: %s", got.EventID)
		}
	default:
		t.Fatalf("expected first delivery")
	}
	select {
	case <-sub.Events:
		t.Fatalf("duplicate event delivered")
	default:
	}
}

func TestRouterDedupeWindowForgetsOldIDs(t *testing.T) {
	router := NewRouter(RouterWithDedupeWindow(1))
	router.Route(TaskRunEvent{EventID: "evt-1", ExecutionID: "exec", State: state.Running})
	router.Route(TaskRunEvent{EventID: "evt-2", ExecutionID: "exec", State: state.Running})
	router.Route(TaskRunEvent{EventID: "evt-1", ExecutionID: "exec", State: state.Running})
	if got := router.Pending("exec"); got != 3 {
		t.Fatalf("expected evt-1 to be accepted again once out of the window, got %d", got)
	}
}

func TestRouterBacklogLimit(t *testing.T) {
	router := NewRouter(RouterWithBacklogLimit(2))
	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		router.Route(TaskRunEvent{EventID: id, ExecutionID: "exec", State: state.Running})
	}
	sub := router.Subscribe("exec")
	defer sub.Close()
	if got := <-sub.Events; got.EventID != "evt-2" {
		t.Fatalf("expected oldest backlog entry dropped, got %s", got.EventID)
	}
}

func TestRouterTerminalReplacesProgressOnOverflow(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe("exec")
	defer sub.Close()
	router.Route(TaskRunEvent{EventID: "evt-1", ExecutionID: "exec", State: state.Running})
	router.Route(TaskRunEvent{EventID: "evt-2", ExecutionID: "exec", State: state.Failed})
	if got := <-sub.Events; got.EventID != "evt-2" {
		t.Fatalf("expected terminal event to replace progress, got %s", got.EventID)
	}
}

func TestRouterKeepsTerminalOnOverflow(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	sub := router.Subscribe("exec")
	defer sub.Close()
	router.Route(TaskRunEvent{EventID: "evt-1", ExecutionID: "exec", State: state.Success})
	router.Route(TaskRunEvent{EventID: "evt-2", ExecutionID: "exec", State: state.Running})
	if got := <-sub.Events; got.EventID != "evt-1" {
		t.Fatalf("expected terminal event to remain, got %s", got.EventID)
	}
	select {
	case <-sub.Events:
		t.Fatalf("unexpected extra event")
	default:
	}
}

func TestRouterIgnoresEventsWithoutExecution(t *testing.T) {
	router := NewRouter()
	router.Route(TaskRunEvent{EventID: "evt", State: state.Running})
	if router.Pending("") != 0 {
		t.Fatalf("event without execution id must be dropped")
	}
}

func TestRouterDeliversEventsRoutedWhileSubscribing(t *testing.T) {
	const events = 20
	for round := 0; round < 200; round++ {
		router := NewRouter(RouterWithSubscriberCapacity(events), RouterWithBacklogLimit(events))
		var (
			wg  sync.WaitGroup
			sub Subscription
		)
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < events; i++ {
				router.Route(TaskRunEvent{EventID: fmt.Sprintf("evt-%d", i), ExecutionID: "exec", TaskRunID: "tr", State: state.Running})
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			sub = router.Subscribe("exec")
		}()
		close(start)
		wg.Wait()

		seen := map[string]bool{}
		timeout := time.After(time.Second)
		for len(seen) < events {
			select {
			case evt := <-sub.Events:
				seen[evt.EventID] = true
			case <-timeout:
				t.Fatalf("round %d: received %d of %d events, %d left in backlog", round, len(seen), events, router.Pending("exec"))
			}
		}
		if pending := router.Pending("exec"); pending != 0 {
			t.Fatalf("round %d: %d events stranded in backlog", round, pending)
		}
		sub.Close()
	}
}
