package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"willway-bot/internal/config"
	"willway-bot/internal/models"
	"willway-bot/internal/testutil"
)

type staticSettings struct{ s config.Settings }

func (s staticSettings) Current() config.Settings { return s.s }

type fakeAPI struct {
	mu       sync.Mutex
	requests []ChatRequest
	delay    time.Duration
	status   int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer key" {
		http.Error(w, "unexpected request", http.StatusBadRequest)
		return
	}
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
		return
	}
	_ = json.NewEncoder(w).Encode(ChatResponse{
		ID:      "cmpl",
		Choices: []Choice{{Message: ChatMessage{Role: RoleAssistant, Content: fmt.Sprintf(" answer %d ", n)}}},
	})
}

func newAssistant(t *testing.T, api *fakeAPI, timeout time.Duration) *Assistant {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL+"/", "key", "test-model", timeout)
	settings := staticSettings{config.Settings{AssistantPrompt: "be brief"}}
	return New(client, testutil.MainDB(t), settings, testutil.Logger())
}

func TestAskStoresHistory(t *testing.T) {
	api := &fakeAPI{}
	a := newAssistant(t, api, time.Second)
	ctx := context.Background()

	answer, err := a.Ask(ctx, 1, "how to sleep better?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if answer != "answer 1" {
		t.Fatalf("answer = %q", answer)
	}

	if _, err := a.Ask(ctx, 1, "and nutrition?"); err != nil {
		t.Fatalf("second ask: %v", err)
	}

	second := api.requests[1]
	if second.Model != "test-model" {
		t.Fatalf("model = %q", second.Model)
	}
	want := []ChatMessage{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "how to sleep better?"},
		{Role: RoleAssistant, Content: "answer 1"},
		{Role: RoleUser, Content: "and nutrition?"},
	}
	if len(second.Messages) != len(want) {
		t.Fatalf("messages = %+v", second.Messages)
	}
	for i := range want {
		if second.Messages[i] != want[i] {
			t.Fatalf("message %d = %+v, want %+v", i, second.Messages[i], want[i])
		}
	}
}

func TestHistoryKeepsLastTurns(t *testing.T) {
	a := newAssistant(t, &fakeAPI{}, time.Second)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		row := models.AssistantMessage{UserID: 7, Role: RoleUser, Content: fmt.Sprint(i)}
		if err := a.db.Create(&row).Error; err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	other := models.AssistantMessage{UserID: 8, Role: RoleUser, Content: "other"}
	if err := a.db.Create(&other).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := a.History(ctx, 7)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != HistoryTurns {
		t.Fatalf("history len = %d", len(rows))
	}
	if rows[0].Content != "5" || rows[len(rows)-1].Content != "14" {
		t.Fatalf("history order = %s..%s", rows[0].Content, rows[len(rows)-1].Content)
	}
}

func TestAskFailures(t *testing.T) {
	tests := []struct {
		name    string
		api     *fakeAPI
		timeout time.Duration
	}{
		{"timeout", &fakeAPI{delay: 200 * time.Millisecond}, 50 * time.Millisecond},
		{"api error", &fakeAPI{status: http.StatusTooManyRequests}, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAssistant(t, tt.api, tt.timeout)
			_, err := a.Ask(context.Background(), 1, "hi")
			if !errors.Is(err, ErrUnavailable) {
				t.Fatalf("err = %v, want ErrUnavailable", err)
			}
			rows, _ := a.History(context.Background(), 1)
			if len(rows) != 0 {
				t.Fatalf("failed call stored %d turns", len(rows))
			}
		})
	}
}

func TestAskWithoutKey(t *testing.T) {
	a := New(NewClient("http://127.0.0.1:0", "", "m", time.Second), testutil.MainDB(t),
		staticSettings{}, testutil.Logger())
	if _, err := a.Ask(context.Background(), 1, "hi"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
}
