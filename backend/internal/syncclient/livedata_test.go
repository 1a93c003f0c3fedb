package syncclient

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"clinicRealtime/backend/internal/protocol"
)

// fakeTransport 替代真实连接，各组件的单测共用。
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sent      []protocol.Command
	async     []protocol.Command
	handlers  map[string]Handler
	replay    map[string]protocol.Command
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		handlers:  make(map[string]Handler),
		replay:    make(map[string]protocol.Command),
	}
}

func (f *fakeTransport) Send(cmdType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if !f.connected {
		return ErrNotConnected
	}
	cmd, err := buildCommand(cmdType, payload)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeTransport) SendAsync(cmdType string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd, err := buildCommand(cmdType, payload)
	if err != nil {
		return
	}
	f.async = append(f.async, cmd)
}

func (f *fakeTransport) OnMessage(topic string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
}

func (f *fakeTransport) AddReplay(key, cmdType string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd, err := buildCommand(cmdType, payload)
	if err != nil {
		return
	}
	f.replay[key] = cmd
}

func (f *fakeTransport) RemoveReplay(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.replay, key)
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// deliver 模拟服务端推送：直接调对应主题的处理器。
func (f *fakeTransport) deliver(env protocol.Envelope) {
	f.mu.Lock()
	h := f.handlers[env.Topic]
	f.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func (f *fakeTransport) countSent(cmdType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.sent {
		if c.Type == cmdType {
			n++
		}
	}
	return n
}

func (f *fakeTransport) countAsync(cmdType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.async {
		if c.Type == cmdType {
			n++
		}
	}
	return n
}

func (f *fakeTransport) hasReplay(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.replay[key]
	return ok
}

func liveEnvelope(t *testing.T, channel string, seq uint64, kind string, up protocol.LiveUpdate) protocol.Envelope {
	t.Helper()
	payload, err := json.Marshal(up)
	if err != nil {
		t.Fatalf("marshal live update: %v", err)
	}
	return protocol.Envelope{Topic: protocol.TopicLive, Channel: channel, Seq: seq, Kind: kind, Payload: payload}
}

func fp(v float64) *float64 { return &v }

func TestLiveData_SnapshotThenDeltas(t *testing.T) {
	tr := newFakeTransport()
	ld := NewLiveData(tr, LiveDataOptions{})
	ld.Subscribe("vitals")

	now := time.Now()
	tr.deliver(liveEnvelope(t, "vitals", 5, protocol.KindSnapshot, protocol.LiveUpdate{
		Type:   protocol.ChannelChart,
		Name:   "Vitals",
		Points: []protocol.ChartPoint{{Timestamp: now, Value: 1}},
	}))
	tr.deliver(liveEnvelope(t, "vitals", 6, protocol.KindDelta, protocol.LiveUpdate{
		Type:  protocol.ChannelChart,
		Point: &protocol.ChartPoint{Timestamp: now.Add(time.Second), Value: 2},
	}))
	tr.deliver(liveEnvelope(t, "vitals", 7, protocol.KindDelta, protocol.LiveUpdate{
		Type:  protocol.ChannelChart,
		Point: &protocol.ChartPoint{Timestamp: now.Add(2 * time.Second), Value: 3},
	}))

	c, ok := ld.Charts()["vitals"]
	if !ok {
		t.Fatalf("chart %q missing", "vitals")
	}
	if len(c.Points) != 3 {
		t.Fatalf("points = %d, want 3", len(c.Points))
	}
	if c.Points[2].Value != 3 {
		t.Fatalf("last point = %v, want 3", c.Points[2].Value)
	}
	if ld.LastUpdate().IsZero() {
		t.Fatalf("LastUpdate not set")
	}
	if ld.Err() != "" {
		t.Fatalf("Err = %q, want empty", ld.Err())
	}
}

func TestLiveData_GapTriggersSnapshotRequest(t *testing.T) {
	tr := newFakeTransport()
	ld := NewLiveData(tr, LiveDataOptions{})
	ld.Subscribe("queue")

	now := time.Now()
	tr.deliver(liveEnvelope(t, "queue", 1, protocol.KindSnapshot, protocol.LiveUpdate{
		Type:   protocol.ChannelChart,
		Points: []protocol.ChartPoint{{Timestamp: now, Value: 1}},
	}))
	// seq 2 丢了，seq 3 先到：不应用，请求快照
	tr.deliver(liveEnvelope(t, "queue", 3, protocol.KindDelta, protocol.LiveUpdate{
		Type:  protocol.ChannelChart,
		Point: &protocol.ChartPoint{Timestamp: now.Add(time.Second), Value: 99},
	}))

	if got := len(ld.Charts()["queue"].Points); got != 1 {
		t.Fatalf("gap delta applied, points = %d, want 1", got)
	}
	if ld.Err() != ErrSequenceGap.Error() {
		t.Fatalf("Err = %q, want %q", ld.Err(), ErrSequenceGap.Error())
	}
	if tr.countAsync(protocol.CmdRequestSnapshot) != 1 {
		t.Fatalf("request-snapshot count = %d, want 1", tr.countAsync(protocol.CmdRequestSnapshot))
	}

	// 迟到的 seq 2 恰好是 last+1，正常应用
	tr.deliver(liveEnvelope(t, "queue", 2, protocol.KindDelta, protocol.LiveUpdate{
		Type:  protocol.ChannelChart,
		Point: &protocol.ChartPoint{Timestamp: now.Add(500 * time.Millisecond), Value: 50},
	}))
	if got := len(ld.Charts()["queue"].Points); got != 2 {
		t.Fatalf("late in-order delta not applied, points = %d, want 2", got)
	}

	// 快照无条件应用并重置计数，之后的 seq 4 正常续上
	tr.deliver(liveEnvelope(t, "queue", 3, protocol.KindSnapshot, protocol.LiveUpdate{
		Type:   protocol.ChannelChart,
		Points: []protocol.ChartPoint{{Timestamp: now, Value: 1}, {Timestamp: now.Add(time.Second), Value: 99}},
	}))
	tr.deliver(liveEnvelope(t, "queue", 4, protocol.KindDelta, protocol.LiveUpdate{
		Type:  protocol.ChannelChart,
		Point: &protocol.ChartPoint{Timestamp: now.Add(2 * time.Second), Value: 100},
	}))
	if got := len(ld.Charts()["queue"].Points); got != 3 {
		t.Fatalf("after resync points = %d, want 3", got)
	}
	if ld.Err() != "" {
		t.Fatalf("Err not cleared: %q", ld.Err())
	}
}

func TestLiveData_SubscribeIdempotent(t *testing.T) {
	tr := newFakeTransport()
	ld := NewLiveData(tr, LiveDataOptions{})

	ld.Subscribe() // 空列表 no-op
	ld.Subscribe("beds", "beds", "")
	ld.Subscribe("beds")

	if n := tr.countSent(protocol.CmdSubscribe); n != 1 {
		t.Fatalf("subscribe sent %d times, want 1", n)
	}
	if !tr.hasReplay("live:beds") {
		t.Fatalf("subscribe not registered for replay")
	}
}

func TestLiveData_UnsubscribeDropsStateAndIgnoresLateMessages(t *testing.T) {
	tr := newFakeTransport()
	ld := NewLiveData(tr, LiveDataOptions{})
	ld.Subscribe("beds")

	tr.deliver(liveEnvelope(t, "beds", 1, protocol.KindSnapshot, protocol.LiveUpdate{
		Type:  protocol.ChannelCounter,
		Value: fp(12),
	}))
	ld.Unsubscribe("beds")

	if _, ok := ld.Counters()["beds"]; ok {
		t.Fatalf("counter survived unsubscribe")
	}
	if tr.hasReplay("live:beds") {
		t.Fatalf("replay entry survived unsubscribe")
	}

	// 退订后迟到的增量直接忽略
	tr.deliver(liveEnvelope(t, "beds", 2, protocol.KindDelta, protocol.LiveUpdate{
		Type:  protocol.ChannelCounter,
		Value: fp(13),
	}))
	if _, ok := ld.Counters()["beds"]; ok {
		t.Fatalf("late delta resurrected the channel")
	}
}

func TestLiveData_CounterPreviousValue(t *testing.T) {
	tr := newFakeTransport()
	ld := NewLiveData(tr, LiveDataOptions{})
	ld.Subscribe("waiting")

	tr.deliver(liveEnvelope(t, "waiting", 1, protocol.KindSnapshot, protocol.LiveUpdate{
		Type:  protocol.ChannelCounter,
		Value: fp(10),
		Label: "Waiting",
	}))
	// 快照后的第一条增量还没有可比较的基线
	tr.deliver(liveEnvelope(t, "waiting", 2, protocol.KindDelta, protocol.LiveUpdate{
		Type:  protocol.ChannelCounter,
		Value: fp(8),
	}))
	c := ld.Counters()["waiting"]
	if c.ChangeType != "neutral" || c.Change != 0 {
		t.Fatalf("first delta: change=%v type=%q, want 0/neutral", c.Change, c.ChangeType)
	}

	tr.deliver(liveEnvelope(t, "waiting", 3, protocol.KindDelta, protocol.LiveUpdate{
		Type:  protocol.ChannelCounter,
		Value: fp(11),
	}))
	c = ld.Counters()["waiting"]
	if c.PreviousValue != 8 || c.Value != 11 {
		t.Fatalf("value=%v prev=%v, want 11/8", c.Value, c.PreviousValue)
	}
	if c.Change != 3 || c.ChangeType != "increase" {
		t.Fatalf("change=%v type=%q, want 3/increase", c.Change, c.ChangeType)
	}

	tr.deliver(liveEnvelope(t, "waiting", 4, protocol.KindDelta, protocol.LiveUpdate{
		Type:  protocol.ChannelCounter,
		Value: fp(5),
	}))
	c = ld.Counters()["waiting"]
	if c.ChangeType != "decrease" {
		t.Fatalf("type=%q, want decrease", c.ChangeType)
	}
}

func TestLiveData_TableUpsertPreservesOrder(t *testing.T) {
	tr := newFakeTransport()
	ld := NewLiveData(tr, LiveDataOptions{})
	ld.Subscribe("appointments")

	now := time.Now()
	tr.deliver(liveEnvelope(t, "appointments", 1, protocol.KindSnapshot, protocol.LiveUpdate{
		Type:    protocol.ChannelTable,
		Columns: []protocol.TableColumn{{Key: "patient", Label: "Patient"}},
		Rows: []protocol.TableRow{
			{ID: "a", Data: map[string]any{"patient": "A"}, Timestamp: now},
			{ID: "b", Data: map[string]any{"patient": "B"}, Timestamp: now},
			{ID: "c", Data: map[string]any{"patient": "C"}, Timestamp: now},
		},
	}))
	// 更新中间一行：原位替换，行序不变
	tr.deliver(liveEnvelope(t, "appointments", 2, protocol.KindDelta, protocol.LiveUpdate{
		Type:   protocol.ChannelTable,
		Upsert: &protocol.TableRow{ID: "b", Data: map[string]any{"patient": "B2"}, Timestamp: now},
	}))

	rows := ld.Tables()["appointments"].Rows
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[1].ID != "b" || rows[1].Data["patient"] != "B2" {
		t.Fatalf("row[1] = %+v, want updated b in place", rows[1])
	}

	// 删除后新增追加到尾部
	tr.deliver(liveEnvelope(t, "appointments", 3, protocol.KindDelta, protocol.LiveUpdate{
		Type:   protocol.ChannelTable,
		Remove: "a",
	}))
	tr.deliver(liveEnvelope(t, "appointments", 4, protocol.KindDelta, protocol.LiveUpdate{
		Type:   protocol.ChannelTable,
		Upsert: &protocol.TableRow{ID: "d", Data: map[string]any{"patient": "D"}, Timestamp: now},
	}))
	rows = ld.Tables()["appointments"].Rows
	if len(rows) != 3 || rows[0].ID != "b" || rows[2].ID != "d" {
		t.Fatalf("rows = %+v, want [b c d]", rows)
	}
}

func TestLiveData_ChartTrim(t *testing.T) {
	tr := newFakeTransport()
	ld := NewLiveData(tr, LiveDataOptions{Retention: time.Hour, MaxPoints: 3})
	ld.Subscribe("hr")

	now := time.Now()
	// 一个已过保留窗口的旧点 + 快照内四个新点，MaxPoints=3
	tr.deliver(liveEnvelope(t, "hr", 1, protocol.KindSnapshot, protocol.LiveUpdate{
		Type: protocol.ChannelChart,
		Points: []protocol.ChartPoint{
			{Timestamp: now.Add(-2 * time.Hour), Value: 0},
			{Timestamp: now.Add(-3 * time.Minute), Value: 1},
			{Timestamp: now.Add(-2 * time.Minute), Value: 2},
			{Timestamp: now.Add(-time.Minute), Value: 3},
			{Timestamp: now, Value: 4},
		},
	}))

	pts := ld.Charts()["hr"].Points
	if len(pts) != 3 {
		t.Fatalf("points = %d, want 3", len(pts))
	}
	if pts[0].Value != 2 || pts[2].Value != 4 {
		t.Fatalf("points = %+v, want newest three", pts)
	}
}
