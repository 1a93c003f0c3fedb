package syncclient

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"clinicRealtime/backend/internal/protocol"
)

// Chart 折线/柱状图频道的本地缓存。
type Chart struct {
	Name   string
	Points []protocol.ChartPoint
}

// Counter 计数器频道。PreviousValue 保留上一次的值，前端据此画趋势箭头。
type Counter struct {
	Name          string
	Label         string
	Value         float64
	PreviousValue float64
	Change        float64
	ChangeType    string // increase | decrease | neutral
	Format        string // number | currency | percentage
	hasPrev       bool
}

// Table 表格频道，行序保留：新行追加，更新的行原位替换。
type Table struct {
	Name    string
	Columns []protocol.TableColumn
	Rows    []protocol.TableRow
}

type LiveDataOptions struct {
	// 图表点的保留窗口，超窗旧点丢弃，内存有界
	Retention time.Duration
	MaxPoints int
	MaxRows   int
}

func (o *LiveDataOptions) fill() {
	if o.Retention <= 0 {
		o.Retention = 15 * time.Minute
	}
	if o.MaxPoints <= 0 {
		o.MaxPoints = 100
	}
	if o.MaxRows <= 0 {
		o.MaxRows = 50
	}
}

// LiveData 把若干独立更新的数据频道复用在一条连接上。
// 服务端按频道维护单调递增的 seq：快照无条件应用并重置计数，
// 增量只有恰好是 last+1 才应用，出现空洞就重新拉快照而不是拼补。
type LiveData struct {
	tr   Transport
	opts LiveDataOptions

	mu         sync.Mutex
	charts     map[string]*Chart
	counters   map[string]*Counter
	tables     map[string]*Table
	seqs       map[string]uint64
	subs       map[string]struct{}
	lastUpdate time.Time
	lastErr    string
}

func NewLiveData(tr Transport, opts LiveDataOptions) *LiveData {
	opts.fill()
	ld := &LiveData{
		tr:       tr,
		opts:     opts,
		charts:   make(map[string]*Chart),
		counters: make(map[string]*Counter),
		tables:   make(map[string]*Table),
		seqs:     make(map[string]uint64),
		subs:     make(map[string]struct{}),
	}
	tr.OnMessage(protocol.TopicLive, ld.handle)
	return ld
}

// Subscribe 订阅频道。空列表是 no-op，重复订阅幂等。
// 订阅注册为重放命令，重连后服务端会重新推一份全量快照。
func (ld *LiveData) Subscribe(channels ...string) {
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		ld.mu.Lock()
		if _, ok := ld.subs[ch]; ok {
			ld.mu.Unlock()
			continue
		}
		ld.subs[ch] = struct{}{}
		ld.mu.Unlock()

		payload := protocol.SubscribePayload{Channel: ch}
		ld.tr.AddReplay("live:"+ch, protocol.CmdSubscribe, payload)
		if err := ld.tr.Send(protocol.CmdSubscribe, payload); err != nil {
			// 未连接也没关系，连上后重放补上
			log.Printf("syncclient: subscribe %s deferred: %v", ch, err)
		}
	}
}

// Unsubscribe 退订并丢弃本地缓存；之后到达的该频道消息在应用时被丢弃。
func (ld *LiveData) Unsubscribe(channels ...string) {
	for _, ch := range channels {
		ld.mu.Lock()
		if _, ok := ld.subs[ch]; !ok {
			ld.mu.Unlock()
			continue
		}
		delete(ld.subs, ch)
		ld.dropLocked(ch)
		ld.mu.Unlock()

		ld.tr.RemoveReplay("live:" + ch)
		_ = ld.tr.Send(protocol.CmdUnsubscribe, protocol.SubscribePayload{Channel: ch})
	}
}

// ClearData 只清本地缓存，不动订阅。
func (ld *LiveData) ClearData(channel string) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	ld.dropLocked(channel)
}

func (ld *LiveData) dropLocked(channel string) {
	delete(ld.charts, channel)
	delete(ld.counters, channel)
	delete(ld.tables, channel)
	delete(ld.seqs, channel)
}

// Charts 返回当前图表缓存的副本。
func (ld *LiveData) Charts() map[string]Chart {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	out := make(map[string]Chart, len(ld.charts))
	for name, c := range ld.charts {
		cp := *c
		cp.Points = append([]protocol.ChartPoint(nil), c.Points...)
		out[name] = cp
	}
	return out
}

func (ld *LiveData) Counters() map[string]Counter {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	out := make(map[string]Counter, len(ld.counters))
	for name, c := range ld.counters {
		out[name] = *c
	}
	return out
}

func (ld *LiveData) Tables() map[string]Table {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	out := make(map[string]Table, len(ld.tables))
	for name, t := range ld.tables {
		cp := *t
		cp.Columns = append([]protocol.TableColumn(nil), t.Columns...)
		cp.Rows = append([]protocol.TableRow(nil), t.Rows...)
		out[name] = cp
	}
	return out
}

// LastUpdate 为零值表示还没收到任何数据。
func (ld *LiveData) LastUpdate() time.Time {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.lastUpdate
}

func (ld *LiveData) Err() string {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.lastErr
}

func (ld *LiveData) handle(env protocol.Envelope) {
	var up protocol.LiveUpdate
	if err := json.Unmarshal(env.Payload, &up); err != nil {
		log.Printf("syncclient: live payload: %v", err)
		return
	}

	ld.mu.Lock()
	defer ld.mu.Unlock()

	// 退订后迟到的消息、以及从未订阅的频道，直接忽略（向前兼容）
	if _, ok := ld.subs[env.Channel]; !ok {
		return
	}

	switch env.Kind {
	case protocol.KindSnapshot:
		ld.applySnapshotLocked(env.Channel, up)
		ld.seqs[env.Channel] = env.Seq
	case protocol.KindDelta:
		last := ld.seqs[env.Channel]
		if env.Seq != last+1 {
			// 空洞：记录错误并要求快照，不做部分修补
			ld.lastErr = ErrSequenceGap.Error()
			ld.tr.SendAsync(protocol.CmdRequestSnapshot, protocol.SubscribePayload{Channel: env.Channel})
			return
		}
		ld.applyDeltaLocked(env.Channel, up)
		ld.seqs[env.Channel] = env.Seq
	default:
		return
	}
	ld.lastUpdate = time.Now()
	ld.lastErr = ""
}

func (ld *LiveData) applySnapshotLocked(channel string, up protocol.LiveUpdate) {
	switch up.Type {
	case protocol.ChannelChart:
		c := &Chart{Name: up.Name, Points: up.Points}
		if c.Name == "" {
			c.Name = channel
		}
		ld.trimChart(c)
		ld.charts[channel] = c
	case protocol.ChannelCounter:
		value := 0.0
		if up.Value != nil {
			value = *up.Value
		}
		ld.counters[channel] = &Counter{
			Name:       channel,
			Label:      labelOr(up.Label, channel),
			Value:      value,
			ChangeType: "neutral",
			Format:     formatOr(up.Format),
		}
	case protocol.ChannelTable:
		rows := up.Rows
		if len(rows) > ld.opts.MaxRows {
			rows = rows[len(rows)-ld.opts.MaxRows:]
		}
		ld.tables[channel] = &Table{Name: channel, Columns: up.Columns, Rows: rows}
	}
}

func (ld *LiveData) applyDeltaLocked(channel string, up protocol.LiveUpdate) {
	switch up.Type {
	case protocol.ChannelChart:
		c := ld.charts[channel]
		if c == nil {
			c = &Chart{Name: channel}
			ld.charts[channel] = c
		}
		if up.Point != nil {
			c.Points = append(c.Points, *up.Point)
		}
		ld.trimChart(c)
	case protocol.ChannelCounter:
		if up.Value == nil {
			return
		}
		c := ld.counters[channel]
		if c == nil {
			c = &Counter{Name: channel, Label: labelOr(up.Label, channel), Format: formatOr(up.Format)}
			ld.counters[channel] = c
		}
		prev := c.Value
		c.PreviousValue = prev
		c.Value = *up.Value
		if up.Label != "" {
			c.Label = up.Label
		}
		if c.hasPrev {
			c.Change = c.Value - prev
			switch {
			case c.Value > prev:
				c.ChangeType = "increase"
			case c.Value < prev:
				c.ChangeType = "decrease"
			default:
				c.ChangeType = "neutral"
			}
		} else {
			c.Change = 0
			c.ChangeType = "neutral"
		}
		c.hasPrev = true
	case protocol.ChannelTable:
		t := ld.tables[channel]
		if t == nil {
			t = &Table{Name: channel, Columns: up.Columns}
			ld.tables[channel] = t
		}
		if up.Upsert != nil {
			replaced := false
			for i := range t.Rows {
				if t.Rows[i].ID == up.Upsert.ID {
					t.Rows[i] = *up.Upsert // 原位更新，不改变行序
					replaced = true
					break
				}
			}
			if !replaced {
				t.Rows = append(t.Rows, *up.Upsert)
			}
		}
		if up.Remove != "" {
			for i := range t.Rows {
				if t.Rows[i].ID == up.Remove {
					t.Rows = append(t.Rows[:i], t.Rows[i+1:]...)
					break
				}
			}
		}
		if len(t.Rows) > ld.opts.MaxRows {
			t.Rows = t.Rows[len(t.Rows)-ld.opts.MaxRows:]
		}
	}
}

func (ld *LiveData) trimChart(c *Chart) {
	cutoff := time.Now().Add(-ld.opts.Retention)
	i := 0
	for i < len(c.Points) && c.Points[i].Timestamp.Before(cutoff) {
		i++
	}
	c.Points = c.Points[i:]
	if len(c.Points) > ld.opts.MaxPoints {
		c.Points = c.Points[len(c.Points)-ld.opts.MaxPoints:]
	}
}

func labelOr(label, fallback string) string {
	if label != "" {
		return label
	}
	return fallback
}

func formatOr(format string) string {
	if format != "" {
		return format
	}
	return "number"
}
