package live

import (
	"encoding/json"
	"testing"
	"time"

	"clinicRealtime/backend/internal/protocol"
)

func decodeUpdate(t *testing.T, env protocol.Envelope) protocol.LiveUpdate {
	t.Helper()
	var up protocol.LiveUpdate
	if err := json.Unmarshal(env.Payload, &up); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return up
}

func TestRegistry_SeqMonotonicPerChannel(t *testing.T) {
	r := NewRegistry(Options{})
	now := time.Now()

	e1, err := r.AppendChartPoint("vitals", "Vitals", protocol.ChartPoint{Timestamp: now, Value: 1})
	if err != nil {
		t.Fatalf("AppendChartPoint: %v", err)
	}
	e2, _ := r.AppendChartPoint("vitals", "", protocol.ChartPoint{Timestamp: now, Value: 2})
	other, _ := r.SetCounter("waiting", "Waiting", "number", 3)

	if e1.Seq != 1 || e2.Seq != 2 {
		t.Fatalf("vitals seqs = %d,%d, want 1,2", e1.Seq, e2.Seq)
	}
	// 频道之间的 seq 互不相干
	if other.Seq != 1 {
		t.Fatalf("waiting seq = %d, want 1", other.Seq)
	}
	if e1.Topic != protocol.TopicLive || e1.Kind != protocol.KindDelta || e1.Channel != "vitals" {
		t.Fatalf("envelope = %+v", e1)
	}
}

func TestRegistry_SnapshotMatchesState(t *testing.T) {
	r := NewRegistry(Options{})
	now := time.Now()

	if _, ok := r.Snapshot("nothing"); ok {
		t.Fatalf("snapshot of unknown channel reported ok")
	}

	r.AppendChartPoint("vitals", "Vitals", protocol.ChartPoint{Timestamp: now, Value: 1})
	r.AppendChartPoint("vitals", "", protocol.ChartPoint{Timestamp: now.Add(time.Second), Value: 2})

	env, ok := r.Snapshot("vitals")
	if !ok {
		t.Fatalf("snapshot missing")
	}
	if env.Kind != protocol.KindSnapshot || env.Seq != 2 {
		t.Fatalf("snapshot kind=%q seq=%d, want snapshot/2", env.Kind, env.Seq)
	}
	up := decodeUpdate(t, env)
	if up.Type != protocol.ChannelChart || up.Name != "Vitals" || len(up.Points) != 2 {
		t.Fatalf("snapshot update = %+v", up)
	}
}

func TestRegistry_TableUpsertAndRemove(t *testing.T) {
	r := NewRegistry(Options{MaxRows: 2})
	now := time.Now()
	cols := []protocol.TableColumn{{Key: "patient", Label: "Patient"}}

	r.UpsertRow("appointments", cols, protocol.TableRow{ID: "a", Timestamp: now})
	r.UpsertRow("appointments", nil, protocol.TableRow{ID: "b", Timestamp: now})
	// 原位更新不触发淘汰
	env, err := r.UpsertRow("appointments", nil, protocol.TableRow{ID: "a", Data: map[string]any{"patient": "A2"}, Timestamp: now})
	if err != nil {
		t.Fatalf("UpsertRow: %v", err)
	}
	up := decodeUpdate(t, env)
	if up.Upsert == nil || up.Upsert.ID != "a" {
		t.Fatalf("delta = %+v, want upsert a", up)
	}

	snap, _ := r.Snapshot("appointments")
	sup := decodeUpdate(t, snap)
	if len(sup.Rows) != 2 || sup.Rows[0].ID != "a" || sup.Rows[1].ID != "b" {
		t.Fatalf("rows = %+v, want [a b] in order", sup.Rows)
	}

	// 第三行挤掉最旧的一行
	r.UpsertRow("appointments", nil, protocol.TableRow{ID: "c", Timestamp: now})
	snap, _ = r.Snapshot("appointments")
	sup = decodeUpdate(t, snap)
	if len(sup.Rows) != 2 || sup.Rows[0].ID != "b" || sup.Rows[1].ID != "c" {
		t.Fatalf("rows = %+v, want [b c]", sup.Rows)
	}

	env, err = r.RemoveRow("appointments", "b")
	if err != nil {
		t.Fatalf("RemoveRow: %v", err)
	}
	up = decodeUpdate(t, env)
	if up.Remove != "b" {
		t.Fatalf("delta remove = %q, want b", up.Remove)
	}
	snap, _ = r.Snapshot("appointments")
	sup = decodeUpdate(t, snap)
	if len(sup.Rows) != 1 || sup.Rows[0].ID != "c" {
		t.Fatalf("rows = %+v, want [c]", sup.Rows)
	}
}

func TestRegistry_ChartRetention(t *testing.T) {
	r := NewRegistry(Options{Retention: time.Minute, MaxPoints: 10})
	now := time.Now()

	r.AppendChartPoint("hr", "HR", protocol.ChartPoint{Timestamp: now.Add(-2 * time.Minute), Value: 1})
	r.AppendChartPoint("hr", "", protocol.ChartPoint{Timestamp: now, Value: 2})

	snap, _ := r.Snapshot("hr")
	up := decodeUpdate(t, snap)
	if len(up.Points) != 1 || up.Points[0].Value != 2 {
		t.Fatalf("points = %+v, want only the in-window point", up.Points)
	}
}

func TestEvent_Key(t *testing.T) {
	if got := (Event{Channel: "vitals", SessionID: "s1", UserID: "u1"}).Key(); got != "vitals" {
		t.Fatalf("Key = %q, want vitals", got)
	}
	if got := (Event{SessionID: "s1", UserID: "u1"}).Key(); got != "s1" {
		t.Fatalf("Key = %q, want s1", got)
	}
	if got := (Event{UserID: "u1"}).Key(); got != "u1" {
		t.Fatalf("Key = %q, want u1", got)
	}
}
