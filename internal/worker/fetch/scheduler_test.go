package fetch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- モック定義 ---

// mockFleet はFleetSyncerのテスト用モック。
type mockFleet struct {
	mu     sync.Mutex
	calls  int
	passes chan struct{}
	report FleetReport
	err    error
}

func (m *mockFleet) SyncAll(ctx context.Context) (FleetReport, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.passes != nil {
		select {
		case m.passes <- struct{}{}:
		default:
		}
	}
	return m.report, m.err
}

func (m *mockFleet) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockPruner はPrunerのテスト用モック。
type mockPruner struct {
	calls   int
	deleted int64
	err     error
}

func (m *mockPruner) Run(ctx context.Context) (int64, error) {
	m.calls++
	return m.deleted, m.err
}

// prunedMetrics は保持期間整理の削除件数を記録する。
type prunedMetrics struct {
	nopMetrics
	pruned []int64
}

func (m *prunedMetrics) RecordSnapshotsPruned(count int64) {
	m.pruned = append(m.pruned, count)
}

// --- スケジューラのテスト ---

func TestNewScheduler_ReturnsNonNil(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(&mockFleet{}, nil, nil, newTestLogger(&buf))
	if s == nil {
		t.Fatal("NewScheduler は nil を返してはならない")
	}
}

func TestScheduler_RunOnce_PrunesAfterPass(t *testing.T) {
	var buf bytes.Buffer
	fleet := &mockFleet{report: FleetReport{Total: 2, Succeeded: 2}}
	pruner := &mockPruner{deleted: 7}
	m := &prunedMetrics{}
	s := NewScheduler(fleet, pruner, m, newTestLogger(&buf))

	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce がエラーを返しました: %v", err)
	}
	if report.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", report.Succeeded)
	}
	if pruner.calls != 1 {
		t.Errorf("保持期間整理の実行回数 = %d, want 1", pruner.calls)
	}
	if len(m.pruned) != 1 || m.pruned[0] != 7 {
		t.Errorf("削除件数メトリクス = %v, want [7]", m.pruned)
	}
}

func TestScheduler_RunOnce_SkipsPruneWhenCancelled(t *testing.T) {
	var buf bytes.Buffer
	fleet := &mockFleet{report: FleetReport{Total: 3, Succeeded: 1, Cancelled: true}}
	pruner := &mockPruner{}
	s := NewScheduler(fleet, pruner, nil, newTestLogger(&buf))

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce がエラーを返しました: %v", err)
	}
	if pruner.calls != 0 {
		t.Error("キャンセルされた巡回で保持期間整理が実行された")
	}
}

func TestScheduler_RunOnce_FleetError(t *testing.T) {
	var buf bytes.Buffer
	fleet := &mockFleet{err: errors.New("db connection lost")}
	pruner := &mockPruner{}
	s := NewScheduler(fleet, pruner, nil, newTestLogger(&buf))

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Error("ソース一覧取得の失敗はエラーとして返すべき")
	}
	if pruner.calls != 0 {
		t.Error("巡回失敗時に保持期間整理が実行された")
	}
}

func TestScheduler_RunOnce_PruneErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	fleet := &mockFleet{}
	pruner := &mockPruner{err: errors.New("lock timeout")}
	m := &prunedMetrics{}
	s := NewScheduler(fleet, pruner, m, newTestLogger(&buf))

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Errorf("保持期間整理の失敗で巡回がエラーになった: %v", err)
	}
	if len(m.pruned) != 0 {
		t.Error("失敗した保持期間整理の件数が記録された")
	}
	if !strings.Contains(buf.String(), "lock timeout") {
		t.Errorf("保持期間整理のエラーがログに出力されていない: %s", buf.String())
	}
}

func TestScheduler_Trigger_Coalesces(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(&mockFleet{}, nil, nil, newTestLogger(&buf))

	if !s.Trigger() {
		t.Error("最初の Trigger は受け付けられるべき")
	}
	if s.Trigger() {
		t.Error("実行待ちの要求がある間の Trigger はまとめられるべき")
	}
}

func TestScheduler_Start_RunsImmediatelyAndOnTrigger(t *testing.T) {
	var buf bytes.Buffer
	fleet := &mockFleet{passes: make(chan struct{}, 4)}
	s := NewScheduler(fleet, nil, nil, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, time.Hour)
		close(done)
	}()

	waitPass := func(label string) {
		select {
		case <-fleet.passes:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s のフリート同期が実行されなかった", label)
		}
	}

	waitPass("起動直後")
	s.Trigger()
	waitPass("手動トリガー")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後にスケジューラが停止しなかった")
	}
	if fleet.callCount() != 2 {
		t.Errorf("SyncAll 呼び出し回数 = %d, want 2", fleet.callCount())
	}
}

func TestScheduler_Start_RunsOnTick(t *testing.T) {
	var buf bytes.Buffer
	fleet := &mockFleet{passes: make(chan struct{}, 8)}
	s := NewScheduler(fleet, nil, nil, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		select {
		case <-fleet.passes:
		case <-time.After(2 * time.Second):
			t.Fatalf("%d回目のフリート同期が実行されなかった", i+1)
		}
	}
}
