package session

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	xerrors "OpenMCP-Search/internal/errors"
)

func TestMemoryStoreFeedbackLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := &Session{ID: "s1", Query: "找最近的错误日志", Status: StatusQueued, MaxRetries: 3}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.Claim(ctx, "s1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed session: %+v", claimed)
	}

	if err := store.MarkAwaitingInput(ctx, "s1", "这是阶段性回答"); err != nil {
		t.Fatalf("mark awaiting: %v", err)
	}
	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusAwaitingInput || got.Answer != "这是阶段性回答" {
		t.Fatalf("unexpected awaiting session: %+v", got)
	}
	if got.Turns != 1 || got.Attempts != 0 {
		t.Fatalf("expected turn recorded and attempts reset, got %+v", got)
	}

	// 未写入补充输入时不允许再次领取。
	if _, err := store.Claim(ctx, "s1"); !stdErrors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected conflict without pending input, got %v", err)
	}

	if err := store.SetPendingInput(ctx, "s1", "换个时间范围再查"); err != nil {
		t.Fatalf("set pending input: %v", err)
	}
	claimed, err = store.Claim(ctx, "s1")
	if err != nil {
		t.Fatalf("claim with pending input: %v", err)
	}
	if claimed.PendingInput != "换个时间范围再查" {
		t.Fatalf("pending input should survive claim, got %+v", claimed)
	}

	if err := store.MarkCompleted(ctx, "s1", "最终回答"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	got, err = store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get completed: %v", err)
	}
	if got.Status != StatusCompleted || got.Answer != "最终回答" || got.PendingInput != "" {
		t.Fatalf("unexpected completed session: %+v", got)
	}
	if got.Turns != 2 {
		t.Fatalf("expected 2 turns, got %d", got.Turns)
	}

	if _, err := store.Claim(ctx, "s1"); !stdErrors.Is(err, ErrSessionCompleted) {
		t.Fatalf("expected completed error, got %v", err)
	}
	if err := store.SetPendingInput(ctx, "s1", "再来一次"); !stdErrors.Is(err, ErrSessionCompleted) {
		t.Fatalf("expected completed error on input, got %v", err)
	}
}

func TestMemoryStoreClaimGuards(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Claim(ctx, "missing"); !stdErrors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := store.Create(ctx, &Session{ID: "s1", Query: "q", Status: StatusQueued, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "s1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := store.Claim(ctx, "s1"); !stdErrors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected conflict for running session, got %v", err)
	}

	if err := store.MarkFailed(ctx, "s1", CodeSessionProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "s1"); !stdErrors.Is(err, ErrSessionExhausted) {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}

	if err := store.Create(ctx, &Session{ID: "s2", Query: "q", Status: StatusQueued, MaxRetries: 3}); err != nil {
		t.Fatalf("create s2: %v", err)
	}
	if _, err := store.Claim(ctx, "s2"); err != nil {
		t.Fatalf("claim s2: %v", err)
	}
	if err := store.MarkFailed(ctx, "s2", CodeSessionProcessing, "boom", true); err != nil {
		t.Fatalf("terminal mark failed: %v", err)
	}
	// terminal 失败应耗尽剩余重试额度。
	if _, err := store.Claim(ctx, "s2"); !stdErrors.Is(err, ErrSessionExhausted) {
		t.Fatalf("expected exhausted after terminal failure, got %v", err)
	}

	if err := store.SetPendingInput(ctx, "s2", "继续"); !stdErrors.Is(err, ErrSessionNotAwaiting) {
		t.Fatalf("expected not awaiting, got %v", err)
	}
	if err := store.SetPendingInput(ctx, "s2", "  "); xerrors.CodeOf(err) != CodeSessionValidation {
		t.Fatalf("expected validation error for blank input, got %v", err)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	sessions := []*Session{
		{ID: "s1", Query: "q1", Status: StatusQueued, MaxRetries: 3},
		{ID: "s2", Query: "q2", Status: StatusQueued, MaxRetries: 3},
		{ID: "s3", Query: "q3", Status: StatusQueued, MaxRetries: 3},
	}

	for _, sess := range sessions {
		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("create session %s: %v", sess.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "s2", CodeSessionProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, "s3", "答案在这里"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	store.mu.Lock()
	store.sessions["s1"].UpdatedAt = base.Unix()
	store.sessions["s2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.sessions["s3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}
	if all[0].ID != "s3" {
		t.Fatalf("expected newest session first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "s2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	answered, err := store.List(ctx, buildListOptions([]ListOption{WithAnswerPresence(true)}))
	if err != nil {
		t.Fatalf("list with answer: %v", err)
	}
	if len(answered) != 1 || answered[0].ID != "s3" {
		t.Fatalf("unexpected answered list: %+v", answered)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 sessions to match since filter, got %d", len(recent))
	}

	matched, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("答案")}))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "s3" {
		t.Fatalf("unexpected query match: %+v", matched)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	sessions := []*Session{
		{ID: "a", Query: "q1", Status: StatusQueued, MaxRetries: 3},
		{ID: "b", Query: "q2", Status: StatusQueued, MaxRetries: 3},
		{ID: "c", Query: "q3", Status: StatusQueued, MaxRetries: 3},
		{ID: "d", Query: "q4", Status: StatusQueued, MaxRetries: 3},
	}

	for _, sess := range sessions {
		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("create session %s: %v", sess.ID, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "b", CodeSessionProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, "c", "ok"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := store.MarkAwaitingInput(ctx, "d", "初步结论"); err != nil {
		t.Fatalf("mark awaiting: %v", err)
	}

	store.mu.Lock()
	store.sessions["a"].UpdatedAt = base.Unix()
	store.sessions["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.sessions["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.sessions["d"].UpdatedAt = base.Add(90 * time.Second).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Queued != 1 || stats.Failed != 1 || stats.Completed != 1 || stats.AwaitingInput != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	withAnswers, err := store.Stats(ctx, buildListOptions([]ListOption{WithAnswerPresence(true)}))
	if err != nil {
		t.Fatalf("stats with answer: %v", err)
	}
	if withAnswers.Total != 2 || withAnswers.Completed != 1 || withAnswers.AwaitingInput != 1 {
		t.Fatalf("unexpected stats with answer: %+v", withAnswers)
	}

	failedOnly, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("stats failed only: %v", err)
	}
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}
}
