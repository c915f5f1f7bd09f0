package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "OpenMCP-Search/internal/errors"
	"OpenMCP-Search/internal/llm"
)

func newChatServer(t *testing.T, content string, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("failed to decode body: %v", err)
			}
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("authorization header missing: %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": content,
					},
				},
			},
		})
	}))
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestPlanSuccess(t *testing.T) {
	var captured map[string]any
	srv := newChatServer(t, "```json\n{\"thoughts\":[\"需要两步\"],\"tasks\":[\"查询索引\",\"检索日志\"]}\n```", &captured)
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	result, err := client.Plan(context.Background(), llm.PlanRequest{Query: "查一下日志"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Tasks) != 2 || result.Tasks[0] != "查询索引" {
		t.Fatalf("unexpected tasks: %+v", result.Tasks)
	}
	if captured["model"] != defaultModelName {
		t.Fatalf("unexpected model in request: %v", captured["model"])
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	srv := newChatServer(t, `{"thoughts":["用搜索"],"command":"search","params":{"index":"logs","query":"error"}}`, nil)
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	result, err := client.Analyze(context.Background(), llm.AnalyzeRequest{Query: "查日志", Task: "检索日志"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Command != "search" {
		t.Fatalf("unexpected command: %q", result.Command)
	}
	if result.Params["index"] != "logs" {
		t.Fatalf("unexpected params: %+v", result.Params)
	}
}

func TestAnalyzeParseError(t *testing.T) {
	srv := newChatServer(t, "我无法以 JSON 回答", nil)
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.Analyze(context.Background(), llm.AnalyzeRequest{Query: "查日志", Task: "检索日志"})
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if xerrors.CodeOf(err) != llm.CodeAnalyzeParse {
		t.Fatalf("unexpected error code: %v", xerrors.CodeOf(err))
	}
}

func TestFormatUnwrapsAnswer(t *testing.T) {
	srv := newChatServer(t, `{"answer":"共有三个索引"}`, nil)
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	answer, err := client.Format(context.Background(), llm.FormatRequest{Query: "有哪些索引"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "共有三个索引" {
		t.Fatalf("unexpected answer: %q", answer)
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	if _, err := client.Plan(context.Background(), llm.PlanRequest{Query: "test"}); err == nil {
		t.Fatalf("expected error when http status is not success")
	}
}
