package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mkarlsen/quantd/internal/model"
	"github.com/mkarlsen/quantd/internal/work"
)

type sseEvent struct {
	name string
	data string
}

// readSSE parses named SSE events from body until the stream ends.
func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()

	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" || cur.data != "" {
				events = append(events, cur)
				cur = sseEvent{}
			}
		}
	}
	return events
}

func openStream(t *testing.T, env *testEnv, id string) *http.Response {
	t.Helper()
	resp, err := http.Get(env.srv.URL + "/v1/jobs/" + id + "/events")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}
	return resp
}

func TestStreamUnknownJob(t *testing.T) {
	env := newTestEnv(t)

	resp := openStream(t, env, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	defer resp.Body.Close()

	events := readSSE(t, resp.Body)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}
	if events[0].name != "error" {
		t.Errorf("event name = %q, want %q", events[0].name, "error")
	}
}

func TestStreamCompletedJob(t *testing.T) {
	env := newTestEnv(t)
	env.registerInstant(model.ClassBacktest, `{"pnl":7}`)

	j := env.submitJob(t, model.ClassBacktest, `{}`)
	env.waitForStatus(t, j.ID, model.StatusCompleted)

	resp := openStream(t, env, j.ID)
	defer resp.Body.Close()

	events := readSSE(t, resp.Body)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}
	if events[0].name != "completed" {
		t.Errorf("event name = %q, want %q", events[0].name, "completed")
	}
	var ev model.Event
	if err := json.Unmarshal([]byte(events[0].data), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if string(ev.Data) != `{"pnl":7}` {
		t.Errorf("event data = %s", ev.Data)
	}
}

func TestStreamEvictedJobFromStore(t *testing.T) {
	env := newTestEnv(t)
	env.registerInstant(model.ClassBacktest, `{}`)

	j := env.submitJob(t, model.ClassBacktest, `{}`)
	env.waitForStatus(t, j.ID, model.StatusCompleted)
	env.reg.CleanupOld(0)

	resp := openStream(t, env, j.ID)
	defer resp.Body.Close()

	events := readSSE(t, resp.Body)
	if len(events) != 1 || events[0].name != "completed" {
		t.Fatalf("events = %v, want single completed event", events)
	}
}

func TestStreamLiveJob(t *testing.T) {
	env := newTestEnv(t)

	release := make(chan struct{})
	env.table.Register(model.ClassScreening, func(payload json.RawMessage) work.Func {
		return func(ctx context.Context, report work.ProgressFunc) (json.RawMessage, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			report(model.Progress{Current: 3, Total: 3, Message: "scored universe"})
			return json.RawMessage(`{"matches":3}`), nil
		}
	})

	j := env.submitJob(t, model.ClassScreening, `{}`)
	env.waitForStatus(t, j.ID, model.StatusRunning)

	resp := openStream(t, env, j.ID)
	defer resp.Body.Close()

	// Wait for the handler to attach before letting the job finish, so the
	// stream observes the running state first.
	deadline := time.Now().Add(5 * time.Second)
	for env.reg.Notifier().Subscribers(j.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(release)

	events := readSSE(t, resp.Body)
	if len(events) < 2 {
		t.Fatalf("got %d events, want at least 2: %v", len(events), events)
	}

	first := events[0]
	if first.name != "status" {
		t.Errorf("first event = %q, want %q", first.name, "status")
	}
	var firstEv model.Event
	if err := json.Unmarshal([]byte(first.data), &firstEv); err != nil {
		t.Fatalf("decode first event: %v", err)
	}
	if firstEv.Status != model.StatusRunning {
		t.Errorf("first status = %q, want %q", firstEv.Status, model.StatusRunning)
	}

	last := events[len(events)-1]
	if last.name != "completed" {
		t.Errorf("last event = %q, want %q", last.name, "completed")
	}
	var lastEv model.Event
	if err := json.Unmarshal([]byte(last.data), &lastEv); err != nil {
		t.Fatalf("decode last event: %v", err)
	}
	if string(lastEv.Data) != `{"matches":3}` {
		t.Errorf("result data = %s", lastEv.Data)
	}

	// The progress report lands before the terminal event.
	sawProgress := false
	for _, e := range events[:len(events)-1] {
		var ev model.Event
		if err := json.Unmarshal([]byte(e.data), &ev); err != nil {
			continue
		}
		if ev.Progress != nil && ev.Progress.Current == 3 {
			sawProgress = true
		}
	}
	if !sawProgress {
		t.Error("never saw the progress update before completion")
	}
}

func TestStreamCancelledJob(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	defer close(release)
	env.registerBlocking(model.ClassDatasetBuild, release)

	j := env.submitJob(t, model.ClassDatasetBuild, "")
	env.waitForStatus(t, j.ID, model.StatusRunning)

	resp := openStream(t, env, j.ID)
	defer resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for env.reg.Notifier().Subscribers(j.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancelResp := cancelJob(t, env, j.ID)
	cancelResp.Body.Close()

	events := readSSE(t, resp.Body)
	if len(events) == 0 {
		t.Fatal("no events received")
	}
	if last := events[len(events)-1]; last.name != "cancelled" {
		t.Errorf("last event = %q, want %q", last.name, "cancelled")
	}
}
