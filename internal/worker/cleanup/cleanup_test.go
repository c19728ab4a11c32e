package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// mockPurger はDeadLetterPurgerのテスト用モック。
type mockPurger struct {
	called  int
	cutoff  time.Time
	deleted int64
	err     error
}

func (m *mockPurger) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.called++
	m.cutoff = cutoff
	return m.deleted, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var fixedNow = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

func newTestJob(m *mockPurger, buf *bytes.Buffer) *CleanupJob {
	job := NewCleanupJob(m, newTestLogger(buf))
	job.now = func() time.Time { return fixedNow }
	return job
}

func TestNewCleanupJob_SetsRetentionDays(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPurger{}, newTestLogger(&buf))

	if job.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", job.RetentionDays)
	}
}

// TestCleanupJob_Run_UsesRetentionCutoff は保持日数から削除の境界時刻を計算することをテストする。
func TestCleanupJob_Run_UsesRetentionCutoff(t *testing.T) {
	var buf bytes.Buffer
	m := &mockPurger{deleted: 5}
	job := newTestJob(m, &buf)
	job.RetentionDays = 7

	deleted, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if deleted != 5 {
		t.Errorf("deleted = %d, want 5", deleted)
	}
	want := time.Date(2026, 3, 24, 12, 0, 0, 0, time.UTC)
	if !m.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", m.cutoff, want)
	}
}

// TestCleanupJob_Run_LogsDeletedCount は完了ログに削除件数を含めることをテストする。
func TestCleanupJob_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockPurger{deleted: 3}, &buf)

	if _, err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("ログのパースに失敗: %v (%s)", err, buf.String())
	}
	if entry["deleted_count"] != float64(3) {
		t.Errorf("deleted_count = %v, want 3", entry["deleted_count"])
	}
	if entry["retention_days"] != float64(30) {
		t.Errorf("retention_days = %v, want 30", entry["retention_days"])
	}
}

// TestCleanupJob_Run_Idempotent は削除対象がない場合もエラーにならないことをテストする。
func TestCleanupJob_Run_Idempotent(t *testing.T) {
	var buf bytes.Buffer
	m := &mockPurger{}
	job := newTestJob(m, &buf)

	for i := 0; i < 2; i++ {
		if _, err := job.Run(context.Background()); err != nil {
			t.Fatalf("Run() #%d error = %v", i+1, err)
		}
	}
	if m.called != 2 {
		t.Errorf("called = %d, want 2", m.called)
	}
}

func TestCleanupJob_Run_ReturnsError(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockPurger{err: errors.New("connection refused")}, &buf)

	_, err := job.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(buf.String(), "connection refused") {
		t.Errorf("error should be logged: %s", buf.String())
	}
}

// TestCleanupJob_Start_StopsOnCancel はキャンセルで停止することをテストする。
func TestCleanupJob_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	job := newTestJob(&mockPurger{}, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start() did not stop after cancel")
	}
}
