package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"chatguard/internal/models"
	"chatguard/internal/service/ai"
	"chatguard/internal/service/moderation"
	"chatguard/internal/storage"
)

// inlineScheduler classifies on the submitting goroutine so tests can
// observe the result right after the request returns.
type inlineScheduler struct {
	pipeline *moderation.Pipeline
}

func (s inlineScheduler) Schedule(msg *models.Message) error {
	return s.pipeline.ClassifyAndFlag(context.Background(), msg)
}

func TestHandlersEndToEndFlow(t *testing.T) {
	router, _ := newTestServer(t)

	// Submit a toxic message.
	createResp := doJSONRequest(t, router, http.MethodPost, "/api/messages", map[string]string{
		"username": "mallory",
		"content":  "just kill yourself",
	}, nil)
	assertStatus(t, createResp, http.StatusCreated)
	var createBody struct {
		Message struct {
			ID            int64    `json:"id"`
			Author        string   `json:"author"`
			Channel       string   `json:"channel"`
			ToxicityScore *float64 `json:"toxicityScore"`
		} `json:"message"`
	}
	decodeJSON(t, createResp.Body.Bytes(), &createBody)
	if createBody.Message.ID <= 0 || createBody.Message.Author != "mallory" {
		t.Fatalf("unexpected message %+v", createBody.Message)
	}
	if createBody.Message.Channel != models.DefaultChannel {
		t.Fatalf("expected default channel, got %q", createBody.Message.Channel)
	}
	if createBody.Message.ToxicityScore != nil {
		t.Fatalf("submission must return an unclassified message")
	}
	messageID := createBody.Message.ID

	// The window now carries the classification.
	listResp := doJSONRequest(t, router, http.MethodGet, "/api/messages?channel=general", nil, nil)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Messages) != 1 || listBody.Messages[0].ToxicityScore == nil || !listBody.Messages[0].Flagged {
		t.Fatalf("expected one classified, flagged message, got %+v", listBody.Messages)
	}

	// It is waiting in the moderation queue.
	flaggedResp := doJSONRequest(t, router, http.MethodGet, "/api/messages/flagged", nil, nil)
	assertStatus(t, flaggedResp, http.StatusOK)
	var flaggedBody struct {
		FlaggedMessages []models.FlaggedMessage `json:"flaggedMessages"`
	}
	decodeJSON(t, flaggedResp.Body.Bytes(), &flaggedBody)
	if len(flaggedBody.FlaggedMessages) != 1 || flaggedBody.FlaggedMessages[0].MessageID != messageID {
		t.Fatalf("expected message %d flagged, got %+v", messageID, flaggedBody.FlaggedMessages)
	}
	if flaggedBody.FlaggedMessages[0].Author != "mallory" {
		t.Fatalf("flag should carry the author, got %q", flaggedBody.FlaggedMessages[0].Author)
	}

	// A moderator deletes it.
	deleteResp := doJSONRequest(t, router, http.MethodPost, "/api/moderation/delete", map[string]any{
		"messageId":   messageID,
		"moderatorId": 1,
		"reason":      "threat",
	}, nil)
	assertStatus(t, deleteResp, http.StatusOK)
	var deleteBody struct {
		Success       bool `json:"success"`
		ResolvedFlags int  `json:"resolvedFlags"`
		Action        struct {
			Reason string `json:"reason"`
		} `json:"action"`
	}
	decodeJSON(t, deleteResp.Body.Bytes(), &deleteBody)
	if !deleteBody.Success || deleteBody.ResolvedFlags != 1 || deleteBody.Action.Reason != "threat" {
		t.Fatalf("unexpected delete result %+v", deleteBody)
	}

	againResp := doJSONRequest(t, router, http.MethodPost, "/api/moderation/delete", map[string]any{
		"messageId":   messageID,
		"moderatorId": 1,
	}, nil)
	assertStatus(t, againResp, http.StatusConflict)

	listResp = doJSONRequest(t, router, http.MethodGet, "/api/messages", nil, nil)
	assertStatus(t, listResp, http.StatusOK)
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Messages) != 0 {
		t.Fatalf("deleted message still listed: %+v", listBody.Messages)
	}

	flaggedResp = doJSONRequest(t, router, http.MethodGet, "/api/messages/flagged?status=resolved", nil, nil)
	assertStatus(t, flaggedResp, http.StatusOK)
	decodeJSON(t, flaggedResp.Body.Bytes(), &flaggedBody)
	if len(flaggedBody.FlaggedMessages) != 1 || flaggedBody.FlaggedMessages[0].Status != models.FlagResolved {
		t.Fatalf("expected one resolved flag, got %+v", flaggedBody.FlaggedMessages)
	}

	actionsResp := doJSONRequest(t, router, http.MethodGet, fmt.Sprintf("/api/moderation/actions?messageId=%d", messageID), nil, nil)
	assertStatus(t, actionsResp, http.StatusOK)
	var actionsBody struct {
		Actions []models.ModerationAction `json:"actions"`
	}
	decodeJSON(t, actionsResp.Body.Bytes(), &actionsBody)
	if len(actionsBody.Actions) != 1 || actionsBody.Actions[0].ActionType != models.ActionDelete {
		t.Fatalf("expected one delete action, got %+v", actionsBody.Actions)
	}

	metricsResp := doJSONRequest(t, router, http.MethodGet, "/api/analytics/metrics", nil, nil)
	assertStatus(t, metricsResp, http.StatusOK)
	var metrics models.Metrics
	decodeJSON(t, metricsResp.Body.Bytes(), &metrics)
	if metrics.Total.Messages != 1 || metrics.Total.Flagged != 1 || metrics.Total.Deleted != 1 || metrics.Total.Users != 1 {
		t.Fatalf("unexpected totals %+v", metrics.Total)
	}
	if metrics.Today.Messages != 1 {
		t.Fatalf("unexpected today counts %+v", metrics.Today)
	}

	overviewResp := doJSONRequest(t, router, http.MethodGet, "/api/analytics/overview?days=3", nil, nil)
	assertStatus(t, overviewResp, http.StatusOK)
	var overview models.Overview
	decodeJSON(t, overviewResp.Body.Bytes(), &overview)
	if len(overview.TopFlaggedUsers) != 1 || overview.TopFlaggedUsers[0].Username != "mallory" {
		t.Fatalf("unexpected top flagged users %+v", overview.TopFlaggedUsers)
	}
}

func TestHandlersRejectBadInput(t *testing.T) {
	router, _ := newTestServer(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"missing content", http.MethodPost, "/api/messages", map[string]string{"author": "alice"}, http.StatusBadRequest},
		{"missing author", http.MethodPost, "/api/messages", map[string]string{"content": "hi"}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/messages", "not json", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/messages?limit=abc", nil, http.StatusBadRequest},
		{"bad flag status", http.MethodGet, "/api/messages/flagged?status=open", nil, http.StatusBadRequest},
		{"delete without ids", http.MethodPost, "/api/moderation/delete", map[string]any{}, http.StatusBadRequest},
		{"delete unknown", http.MethodPost, "/api/moderation/delete", map[string]any{"messageId": 404, "moderatorId": 1}, http.StatusNotFound},
		{"unsupported action", http.MethodPost, "/api/moderation/delete", map[string]any{"messageId": 1, "moderatorId": 1, "actionType": "ban"}, http.StatusBadRequest},
		{"analyze empty", http.MethodPost, "/api/moderation/analyze", map[string]string{"content": "  "}, http.StatusBadRequest},
		{"bad days", http.MethodGet, "/api/analytics/overview?days=0", nil, http.StatusBadRequest},
		{"bad action query", http.MethodGet, "/api/moderation/actions", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSONRequest(t, router, tc.method, tc.path, tc.body, nil)
			assertStatus(t, resp, tc.want)
		})
	}
}

func TestListMessagesDefaultsToConfiguredWindow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := openTestStore(t)
	ingestor := moderation.NewIngestor(store, nil, "", nil)
	router := NewRouter(NewHandler(store, ingestor, moderation.NewActions(store, nil), Options{WindowLimit: 3}), nil)

	ctx := context.Background()
	user, err := store.UpsertUser(ctx, "alice")
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.CreateMessage(ctx, user, "general", fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}
	resp := doJSONRequest(t, router, http.MethodGet, "/api/messages", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if len(body.Messages) != 3 {
		t.Fatalf("expected configured window of 3, got %d", len(body.Messages))
	}
}

func TestListMessagesCapsLimit(t *testing.T) {
	router, store := newTestServer(t)
	ctx := context.Background()
	user, err := store.UpsertUser(ctx, "alice")
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	for i := 0; i < maxWindowLimit+5; i++ {
		if _, err := store.CreateMessage(ctx, user, "busy", fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}
	resp := doJSONRequest(t, router, http.MethodGet, "/api/messages?channel=busy&limit=1000", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if len(body.Messages) != maxWindowLimit {
		t.Fatalf("expected %d messages, got %d", maxWindowLimit, len(body.Messages))
	}
	if body.Messages[0].ID >= body.Messages[len(body.Messages)-1].ID {
		t.Fatalf("window should be oldest first")
	}
}

func TestAnalyzeSingleAndBatch(t *testing.T) {
	router, _ := newTestServer(t)

	single := doJSONRequest(t, router, http.MethodPost, "/api/moderation/analyze", map[string]string{"content": "you idiot"}, nil)
	assertStatus(t, single, http.StatusOK)
	var singleBody struct {
		Analysis models.Verdict `json:"analysis"`
	}
	decodeJSON(t, single.Body.Bytes(), &singleBody)
	if !singleBody.Analysis.ShouldFlag || singleBody.Analysis.Categories[0] != "harassment" {
		t.Fatalf("unexpected analysis %+v", singleBody.Analysis)
	}

	batch := doJSONRequest(t, router, http.MethodPost, "/api/moderation/analyze", map[string]any{
		"batch": []string{"hello friend", "kys"},
	}, nil)
	assertStatus(t, batch, http.StatusOK)
	var batchBody struct {
		Analyses []models.Verdict `json:"analyses"`
	}
	decodeJSON(t, batch.Body.Bytes(), &batchBody)
	if len(batchBody.Analyses) != 2 {
		t.Fatalf("expected 2 analyses, got %d", len(batchBody.Analyses))
	}
	if batchBody.Analyses[0].ShouldFlag || !batchBody.Analyses[1].ShouldFlag {
		t.Fatalf("batch results out of order: %+v", batchBody.Analyses)
	}
}

func TestAnalyzeFallsBackToSafe(t *testing.T) {
	store := openTestStore(t)
	failing := ai.ClassifierFunc(func(ctx context.Context, text string) (*models.Verdict, error) {
		return nil, fmt.Errorf("upstream down")
	})
	router := newRouterWith(store, failing)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/moderation/analyze", map[string]string{"content": "anything"}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Analysis models.Verdict `json:"analysis"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Analysis.Explanation != models.SafeExplanation || body.Analysis.ShouldFlag {
		t.Fatalf("expected safe default, got %+v", body.Analysis)
	}
}

func TestStreamSendsWindowEvents(t *testing.T) {
	router, store := newTestServer(t)
	ctx := context.Background()
	user, err := store.UpsertUser(ctx, "alice")
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if _, err := store.CreateMessage(ctx, user, "general", "first post"); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/messages/stream?channel=general", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: window") || !strings.Contains(body, "first post") {
		t.Fatalf("expected a window event, got %q", body)
	}
	if strings.Count(body, "event: window") != 1 {
		t.Fatalf("unchanged window should be sent once, got %q", body)
	}
}

func TestRequestIDAndPing(t *testing.T) {
	router, _ := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodGet, "/ping", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if resp.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/ping", nil, map[string]string{requestIDHeader: "abc-123"})
	if got := resp.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("expected request id echoed, got %q", got)
	}

	metrics := doJSONRequest(t, router, http.MethodGet, "/metrics", nil, nil)
	assertStatus(t, metrics, http.StatusOK)
	if !strings.Contains(metrics.Body.String(), "chatguard_http_requests_total") {
		t.Fatalf("metrics endpoint missing http counters")
	}
}

func newTestServer(t *testing.T) (*gin.Engine, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	return newRouterWith(store, ai.NewHeuristicClassifier()), store
}

func newRouterWith(store *storage.Store, classifier ai.Classifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	pipeline := moderation.NewPipeline(store, classifier, time.Second, nil)
	ingestor := moderation.NewIngestor(store, inlineScheduler{pipeline: pipeline}, "", nil)
	handler := NewHandler(store, ingestor, moderation.NewActions(store, nil), Options{
		Classifier:      classifier,
		ClassifyTimeout: time.Second,
		PollInterval:    20 * time.Millisecond,
	})
	return NewRouter(handler, nil)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return storage.NewStore(db, storage.DriverSQLite)
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
