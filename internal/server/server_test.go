package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	busmem "github.com/MrWong99/fabula/internal/bus/memory"
	"github.com/MrWong99/fabula/internal/engine"
	"github.com/MrWong99/fabula/internal/health"
	lockmem "github.com/MrWong99/fabula/internal/lock/memory"
	"github.com/MrWong99/fabula/internal/observe"
	storemem "github.com/MrWong99/fabula/internal/store/memory"
	"github.com/MrWong99/fabula/internal/story"
	"github.com/MrWong99/fabula/pkg/provider/llm"
	"github.com/MrWong99/fabula/pkg/provider/llm/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type wordCounter struct{}

func (wordCounter) Count(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

type fixture struct {
	srv   *httptest.Server
	store *storemem.Store
	story *story.Story
	human *story.Character
}

func newFixture(t *testing.T, provider llm.Provider) *fixture {
	t.Helper()
	ctx := context.Background()

	st := storemem.NewStore()
	human, err := st.CreateCharacter(ctx, &story.Character{Name: "Alice", Bio: "A bard."})
	if err != nil {
		t.Fatalf("create human: %v", err)
	}
	ai, err := st.CreateCharacter(ctx, &story.Character{Name: "Bob", Bio: "A smith."})
	if err != nil {
		t.Fatalf("create ai: %v", err)
	}
	s, err := st.CreateStory(ctx, &story.Story{
		Name:        "The Forge",
		OwnerID:     "owner-1",
		CastIDs:     []int64{human.ID, ai.ID},
		HumanCharID: human.ID,
		Fabula:      "A village forge at dawn.",
	})
	if err != nil {
		t.Fatalf("create story: %v", err)
	}

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("create metrics: %v", err)
	}
	eng, err := engine.New(st, lockmem.NewLocker(), busmem.NewBus(), provider, wordCounter{}, nil, engine.NewTurnRegistry(), metrics, engine.Config{
		HardBufferLimit:   768,
		SoftBufferLimit:   384,
		InputTokenLimit:   1024,
		ReplyTokenLimit:   256,
		SummaryTokenLimit: 1024,
		SummaryReplyLimit: 512,
		HeartbeatInterval: 10 * time.Millisecond,
		BusyLeaseTTL:      50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	srv := httptest.NewServer(New(eng, st, busmem.NewBus(), nil, health.New(), metrics).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, story: s, human: human}
}

func streamChunks(text string) []llm.Chunk {
	var chunks []llm.Chunk
	for _, w := range strings.SplitAfter(text, " ") {
		chunks = append(chunks, llm.Chunk{Text: w})
	}
	return append(chunks, llm.Chunk{FinishReason: "stop", Usage: &llm.Usage{TotalTokens: 12}})
}

func (f *fixture) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAdvance_ReturnsMessageID(t *testing.T) {
	f := newFixture(t, &mock.Provider{StreamChunks: streamChunks("<Bob>: The bellows sigh awake.")})

	resp := f.do(t, http.MethodPost, "/v1/stories/"+f.story.ID+"/advance", "owner-1",
		map[string]string{"userMessage": "Alice pushes the door open."})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[struct {
		MessageID int64 `json:"messageId"`
	}](t, resp)
	if got.MessageID == 0 {
		t.Error("messageId missing from response")
	}

	msgs, err := f.store.List(context.Background(), f.story.ID, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want human line plus reply", len(msgs))
	}
	if msgs[1].ID != got.MessageID {
		t.Errorf("reply id = %d, response said %d", msgs[1].ID, got.MessageID)
	}
}

func TestAdvance_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name       string
		provider   *mock.Provider
		path       string
		userID     string
		message    string
		wantStatus int
	}{
		{
			name:       "unknown story",
			provider:   &mock.Provider{StreamChunks: streamChunks("hello")},
			path:       "/v1/stories/no-such-story/advance",
			userID:     "owner-1",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "wrong owner",
			provider:   &mock.Provider{StreamChunks: streamChunks("hello")},
			userID:     "intruder",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "missing owner header",
			provider:   &mock.Provider{StreamChunks: streamChunks("hello")},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "oversized user message",
			provider:   &mock.Provider{StreamChunks: streamChunks("hello")},
			userID:     "owner-1",
			message:    strings.Repeat("word ", 2000),
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:       "upstream failure",
			provider:   &mock.Provider{StreamErr: &llm.APIError{StatusCode: 429, Message: "rate limited"}},
			userID:     "owner-1",
			wantStatus: http.StatusBadGateway,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.provider)
			path := tc.path
			if path == "" {
				path = "/v1/stories/" + f.story.ID + "/advance"
			}
			resp := f.do(t, http.MethodPost, path, tc.userID, map[string]string{"userMessage": tc.message})
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			body := decode[map[string]string](t, resp)
			if body["error"] == "" {
				t.Error("error body missing")
			}
		})
	}
}

func TestListMessages(t *testing.T) {
	f := newFixture(t, &mock.Provider{StreamChunks: streamChunks("<Bob>: Sparks fly.")})

	resp := f.do(t, http.MethodPost, "/v1/stories/"+f.story.ID+"/advance", "owner-1",
		map[string]string{"userMessage": "Alice waves."})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("advance status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/v1/stories/"+f.story.ID+"/messages?limit=1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[struct {
		Messages []struct {
			ID     int64  `json:"id"`
			CharID int64  `json:"charId"`
			Text   string `json:"text"`
		} `json:"messages"`
	}](t, resp)
	if len(got.Messages) != 1 {
		t.Fatalf("got %d messages, want the most recent 1", len(got.Messages))
	}
	if got.Messages[0].Text != "Sparks fly." {
		t.Errorf("text = %q, want the generated reply", got.Messages[0].Text)
	}

	resp = f.do(t, http.MethodGet, "/v1/stories/"+f.story.ID+"/messages?limit=bogus", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/v1/stories/missing/messages", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown story status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateStoryAndCharacter(t *testing.T) {
	f := newFixture(t, &mock.Provider{})

	resp := f.do(t, http.MethodPost, "/v1/characters", "", map[string]string{
		"name": "Cara", "bio": "A scout.", "personality": "Restless.",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("character status = %d, want 201", resp.StatusCode)
	}
	char := decode[struct {
		ID int64 `json:"id"`
	}](t, resp)
	if char.ID == 0 {
		t.Fatal("character id missing")
	}

	resp = f.do(t, http.MethodPost, "/v1/stories", "owner-2", map[string]any{
		"name":        "Northbound",
		"castIds":     []int64{f.human.ID, char.ID},
		"humanCharId": f.human.ID,
		"setup":       "A snowed-in trading post.",
		"fabula":      "A mountain pass in winter.",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("story status = %d, want 201", resp.StatusCode)
	}
	created := decode[map[string]string](t, resp)
	st, err := f.store.GetStory(context.Background(), created["id"])
	if err != nil {
		t.Fatalf("GetStory: %v", err)
	}
	if st.OwnerID != "owner-2" {
		t.Errorf("owner = %q, want the X-User-ID caller", st.OwnerID)
	}
	if st.Setup != "A snowed-in trading post." {
		t.Errorf("setup = %q, want the submitted scenario text", st.Setup)
	}

	resp = f.do(t, http.MethodPost, "/v1/stories", "", map[string]any{"name": "Orphan"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("ownerless create status = %d, want 403", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/v1/characters", "", map[string]string{"name": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty name status = %d, want 400", resp.StatusCode)
	}
}

type grantRecorder struct {
	userID string
	amount int
}

func (g *grantRecorder) Grant(_ context.Context, userID string, amount int) error {
	g.userID, g.amount = userID, amount
	return nil
}

func TestGrantEnergy(t *testing.T) {
	f := newFixture(t, &mock.Provider{})

	// Without a configured granter the endpoint does not exist.
	resp := f.do(t, http.MethodPost, "/v1/energy/grants", "", map[string]any{
		"userId": "owner-1", "amount": 50,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ungranted status = %d, want 404", resp.StatusCode)
	}

	rec := &grantRecorder{}
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("create metrics: %v", err)
	}
	srv := httptest.NewServer(New(nil, f.store, busmem.NewBus(), rec, health.New(), metrics).Handler())
	t.Cleanup(srv.Close)

	body, _ := json.Marshal(map[string]any{"userId": "owner-1", "amount": 50})
	resp, err = http.Post(srv.URL+"/v1/energy/grants", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if rec.userID != "owner-1" || rec.amount != 50 {
		t.Errorf("recorded grant = %q/%d, want owner-1/50", rec.userID, rec.amount)
	}

	for _, bad := range []map[string]any{
		{"userId": "", "amount": 50},
		{"userId": "owner-1", "amount": 0},
		{"userId": "owner-1", "amount": -5},
	} {
		body, _ := json.Marshal(bad)
		resp, err := http.Post(srv.URL+"/v1/energy/grants", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("grant: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("grant %v status = %d, want 400", bad, resp.StatusCode)
		}
	}
}
