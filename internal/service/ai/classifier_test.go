package ai

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatguard/internal/config"
	"chatguard/internal/models"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type fakeChatModel struct {
	reply string
	err   error
	seen  []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.seen = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func withFakeChatModel(t *testing.T, fake *fakeChatModel) {
	t.Helper()
	orig := chatModelFactory
	chatModelFactory = func(ctx context.Context, cfg config.ClassifierConfig) (model.BaseChatModel, error) {
		return fake, nil
	}
	t.Cleanup(func() { chatModelFactory = orig })
}

func TestLLMClassifierParsesFencedJSON(t *testing.T) {
	fake := &fakeChatModel{reply: "```json\n{\"toxicityScore\":0.72,\"categories\":[\"harassment\"],\"severity\":\"high\",\"explanation\":\"insult\",\"shouldFlag\":true}\n```"}
	withFakeChatModel(t, fake)

	c, err := NewClassifier(context.Background(), config.ClassifierConfig{Backend: BackendLLM, Provider: "openai"}, nil)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	verdict, err := c.Classify(context.Background(), "you are an idiot")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if verdict.ToxicityScore != 0.72 || !verdict.ShouldFlag || verdict.Severity != models.SeverityHigh {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
	if len(fake.seen) != 2 || fake.seen[0].Role != schema.System || !strings.Contains(fake.seen[1].Content, "you are an idiot") {
		t.Fatalf("unexpected prompt: %+v", fake.seen)
	}
}

func TestLLMClassifierRejectsInvalidVerdict(t *testing.T) {
	cases := []string{
		"not json",
		`{"toxicityScore":1.4,"categories":[],"severity":"low","explanation":"","shouldFlag":false}`,
		`{"toxicityScore":0.2,"categories":[],"severity":"extreme","explanation":"","shouldFlag":false}`,
	}
	for _, reply := range cases {
		withFakeChatModel(t, &fakeChatModel{reply: reply})
		c, err := NewLLMClassifier(context.Background(), config.ClassifierConfig{Provider: "openai"}, nil)
		if err != nil {
			t.Fatalf("NewLLMClassifier: %v", err)
		}
		if _, err := c.Classify(context.Background(), "x"); !errors.Is(err, ErrClassification) {
			t.Fatalf("reply %q: expected ErrClassification, got %v", reply, err)
		}
	}
}

func TestSafeClassifyFallsBackOnError(t *testing.T) {
	withFakeChatModel(t, &fakeChatModel{err: errors.New("rate limited")})
	c, err := NewLLMClassifier(context.Background(), config.ClassifierConfig{Provider: "openai"}, nil)
	if err != nil {
		t.Fatalf("NewLLMClassifier: %v", err)
	}
	verdict, err := SafeClassify(context.Background(), c, "hello", time.Second)
	if !errors.Is(err, ErrClassification) {
		t.Fatalf("expected ErrClassification, got %v", err)
	}
	if verdict.ToxicityScore != 0 || verdict.ShouldFlag || verdict.Explanation != models.SafeExplanation {
		t.Fatalf("expected safe default, got %+v", verdict)
	}
}

func TestSafeClassifyRejectsNaNScore(t *testing.T) {
	broken := ClassifierFunc(func(ctx context.Context, text string) (*models.Verdict, error) {
		return &models.Verdict{ToxicityScore: math.NaN(), Severity: models.SeverityLow}, nil
	})
	verdict, err := SafeClassify(context.Background(), broken, "hello", time.Second)
	if !errors.Is(err, ErrClassification) {
		t.Fatalf("expected ErrClassification, got %v", err)
	}
	if verdict.ToxicityScore != 0 || verdict.ShouldFlag {
		t.Fatalf("expected safe default, got %+v", verdict)
	}
}

func TestSafeClassifyTimesOut(t *testing.T) {
	slow := ClassifierFunc(func(ctx context.Context, text string) (*models.Verdict, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	start := time.Now()
	verdict, err := SafeClassify(context.Background(), slow, "hello", 20*time.Millisecond)
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced")
	}
	if verdict.ShouldFlag {
		t.Fatalf("expected safe default")
	}
}

func TestHTTPClassifier(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/classify" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req classifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Text == "boom" {
			http.Error(w, "model offline", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(models.Verdict{
			ToxicityScore: 0.81, Categories: []string{"violence"}, Severity: models.SeverityCritical,
			Explanation: "threat", ShouldFlag: true,
		})
	}))
	defer srv.Close()

	c, err := NewClassifier(context.Background(), config.ClassifierConfig{Backend: BackendHTTP, BaseURL: srv.URL + "/"}, nil)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	verdict, err := c.Classify(context.Background(), "threat")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if verdict.Severity != models.SeverityCritical || !verdict.ShouldFlag {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
	if _, err := c.Classify(context.Background(), "boom"); !errors.Is(err, ErrClassification) {
		t.Fatalf("expected ErrClassification, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestHeuristicClassifier(t *testing.T) {
	c := NewHeuristicClassifier()
	cases := []struct {
		text     string
		score    float64
		flag     bool
		severity models.Severity
	}{
		{"hello there", 0, false, models.SeverityLow},
		{"damn traffic", 0.45, false, models.SeverityMedium},
		{"you idiot", 0.65, true, models.SeverityHigh},
		{"kys", 0.85, true, models.SeverityCritical},
		{"you stupid bastard", 0.7, true, models.SeverityHigh},
	}
	for _, tc := range cases {
		verdict, err := c.Classify(context.Background(), tc.text)
		if err != nil {
			t.Fatalf("%q: %v", tc.text, err)
		}
		if diff := verdict.ToxicityScore - tc.score; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("%q: score %v, want %v", tc.text, verdict.ToxicityScore, tc.score)
		}
		if verdict.ShouldFlag != tc.flag || verdict.Severity != tc.severity {
			t.Fatalf("%q: unexpected verdict %+v", tc.text, verdict)
		}
		if err := verdict.Validate(); err != nil {
			t.Fatalf("%q: invalid verdict: %v", tc.text, err)
		}
	}
	selfHarm, err := c.Classify(context.Background(), "just kill yourself")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(selfHarm.Categories) != 1 || selfHarm.Categories[0] != "self_harm" {
		t.Fatalf("expected self_harm category, got %v", selfHarm.Categories)
	}
	if !IsLikelyToxic("I HATE mondays") || IsLikelyToxic("have a nice day") {
		t.Fatalf("IsLikelyToxic mismatch")
	}
}

func TestClassifyBatchKeepsOrderAndIsolatesFailures(t *testing.T) {
	c := ClassifierFunc(func(ctx context.Context, text string) (*models.Verdict, error) {
		if text == "fail" {
			return nil, errors.New("backend down")
		}
		return NewHeuristicClassifier().Classify(ctx, text)
	})
	verdicts := ClassifyBatch(context.Background(), c, []string{"you idiot", "fail", "hello"}, time.Second, nil)
	if len(verdicts) != 3 {
		t.Fatalf("expected 3 verdicts, got %d", len(verdicts))
	}
	if !verdicts[0].ShouldFlag {
		t.Fatalf("first item should be flagged: %+v", verdicts[0])
	}
	if verdicts[1].Explanation != models.SafeExplanation {
		t.Fatalf("failed item should get the safe default: %+v", verdicts[1])
	}
	if verdicts[2].ToxicityScore != 0 || verdicts[2].Explanation == models.SafeExplanation {
		t.Fatalf("third item should be a real safe verdict: %+v", verdicts[2])
	}
}

func TestNewClassifierRejectsUnknownBackend(t *testing.T) {
	if _, err := NewClassifier(context.Background(), config.ClassifierConfig{Backend: "oracle"}, nil); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := NewClassifier(context.Background(), config.ClassifierConfig{Backend: BackendHTTP}, nil); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}
