package marketdata_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mkarlsen/quantd/internal/client"
	"github.com/mkarlsen/quantd/internal/marketdata"
	"github.com/mkarlsen/quantd/internal/model"
)

// fakeProvider serves a two-instrument universe with a page of candles each.
func fakeProvider(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/instruments", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"instruments": [{"symbol":"AAPL"},{"symbol":"MSFT"}]}`)
	})
	mux.HandleFunc("/v1/candles", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "" {
			t.Error("candles request missing symbol parameter")
		}
		io.WriteString(w, `{"candles": [{"c":101.2},{"c":102.5},{"c":99.8}]}`)
	})
	return httptest.NewServer(mux)
}

func newSyncer(t *testing.T, baseURL string) *marketdata.Syncer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	c, err := client.New(client.Config{
		BaseURL:    baseURL,
		RPS:        1000,
		Burst:      1000,
		ListFields: marketdata.ListFields,
	}, logger)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	return marketdata.NewSyncer(c, logger)
}

func TestSyncFullUniverse(t *testing.T) {
	ts := fakeProvider(t)
	defer ts.Close()

	s := newSyncer(t, ts.URL)
	fn := s.Build(nil)

	var mu sync.Mutex
	var reports []model.Progress
	out, err := fn(context.Background(), func(p model.Progress) {
		mu.Lock()
		reports = append(reports, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	var result struct {
		Instruments int `json:"instruments"`
		Candles     int `json:"candles"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Instruments != 2 {
		t.Errorf("instruments = %d, want 2", result.Instruments)
	}
	if result.Candles != 6 {
		t.Errorf("candles = %d, want 6", result.Candles)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 3 {
		t.Fatalf("got %d progress reports, want 3", len(reports))
	}
	last := reports[len(reports)-1]
	if last.Current != 2 || last.Total != 2 {
		t.Errorf("final progress = %+v, want 2/2", last)
	}
}

func TestSyncExplicitSymbols(t *testing.T) {
	ts := fakeProvider(t)
	defer ts.Close()

	s := newSyncer(t, ts.URL)
	fn := s.Build([]byte(`{"symbols":["TSLA"],"interval":"1m"}`))

	out, err := fn(context.Background(), func(model.Progress) {})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	var result struct {
		Instruments int `json:"instruments"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Instruments != 1 {
		t.Errorf("instruments = %d, want 1", result.Instruments)
	}
}

func TestSyncBadPayload(t *testing.T) {
	ts := fakeProvider(t)
	defer ts.Close()

	s := newSyncer(t, ts.URL)
	fn := s.Build([]byte(`{not json`))

	if _, err := fn(context.Background(), func(model.Progress) {}); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestSyncObservesCancellation(t *testing.T) {
	// A provider that never responds quickly, so cancellation wins.
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	s := newSyncer(t, ts.URL)
	fn := s.Build([]byte(`{"symbols":["AAPL"]}`))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if _, err := fn(ctx, func(model.Progress) {}); err == nil {
		t.Error("expected error after cancellation")
	}
	if time.Since(start) > 3*time.Second {
		t.Error("sync did not observe cancellation promptly")
	}
}
