package live

import (
	"encoding/json"
	"sync"
	"time"

	"clinicRealtime/backend/internal/protocol"
)

type Options struct {
	Retention time.Duration
	MaxPoints int
	MaxRows   int
}

func (o *Options) fill() {
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

type chartState struct {
	name   string
	points []protocol.ChartPoint
}

type counterState struct {
	label  string
	format string
	value  float64
}

type tableState struct {
	columns []protocol.TableColumn
	rows    []protocol.TableRow
}

// Registry 是各数据频道的权威状态：一个锁下面维护状态和按频道
// 单调递增的 seq。每次变更产出一条可直接广播的增量信封，
// 订阅和重连走 Snapshot 拿全量。
type Registry struct {
	mu       sync.Mutex
	opts     Options
	charts   map[string]*chartState
	counters map[string]*counterState
	tables   map[string]*tableState
	seqs     map[string]uint64
}

func NewRegistry(opts Options) *Registry {
	opts.fill()
	return &Registry{
		opts:     opts,
		charts:   make(map[string]*chartState),
		counters: make(map[string]*counterState),
		tables:   make(map[string]*tableState),
		seqs:     make(map[string]uint64),
	}
}

func (r *Registry) nextSeqLocked(channel string) uint64 {
	r.seqs[channel]++
	return r.seqs[channel]
}

func envelope(channel string, seq uint64, kind string, up protocol.LiveUpdate) (protocol.Envelope, error) {
	payload, err := json.Marshal(up)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Envelope{
		Topic:   protocol.TopicLive,
		Channel: channel,
		Seq:     seq,
		Kind:    kind,
		Payload: payload,
	}, nil
}

// AppendChartPoint 追加一个图表点并返回增量信封。
func (r *Registry) AppendChartPoint(channel, name string, pt protocol.ChartPoint) (protocol.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.charts[channel]
	if c == nil {
		c = &chartState{name: name}
		r.charts[channel] = c
	}
	if name != "" {
		c.name = name
	}
	c.points = append(c.points, pt)
	r.trimLocked(c)
	seq := r.nextSeqLocked(channel)
	return envelope(channel, seq, protocol.KindDelta, protocol.LiveUpdate{
		Type:  protocol.ChannelChart,
		Name:  c.name,
		Point: &pt,
	})
}

// SetCounter 覆盖计数器当前值。previousValue 由客户端各自推导。
func (r *Registry) SetCounter(channel, label, format string, value float64) (protocol.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counters[channel]
	if c == nil {
		c = &counterState{}
		r.counters[channel] = c
	}
	if label != "" {
		c.label = label
	}
	if format != "" {
		c.format = format
	}
	c.value = value
	seq := r.nextSeqLocked(channel)
	v := value
	return envelope(channel, seq, protocol.KindDelta, protocol.LiveUpdate{
		Type:   protocol.ChannelCounter,
		Value:  &v,
		Label:  c.label,
		Format: c.format,
	})
}

// UpsertRow 按 rowId 插入或原位更新一行。
func (r *Registry) UpsertRow(channel string, columns []protocol.TableColumn, row protocol.TableRow) (protocol.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[channel]
	if t == nil {
		t = &tableState{}
		r.tables[channel] = t
	}
	if len(columns) > 0 {
		t.columns = columns
	}
	replaced := false
	for i := range t.rows {
		if t.rows[i].ID == row.ID {
			t.rows[i] = row
			replaced = true
			break
		}
	}
	if !replaced {
		t.rows = append(t.rows, row)
		if len(t.rows) > r.opts.MaxRows {
			t.rows = t.rows[len(t.rows)-r.opts.MaxRows:]
		}
	}
	seq := r.nextSeqLocked(channel)
	return envelope(channel, seq, protocol.KindDelta, protocol.LiveUpdate{
		Type:    protocol.ChannelTable,
		Columns: t.columns,
		Upsert:  &row,
	})
}

func (r *Registry) RemoveRow(channel, rowID string) (protocol.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tables[channel]
	if t != nil {
		for i := range t.rows {
			if t.rows[i].ID == rowID {
				t.rows = append(t.rows[:i], t.rows[i+1:]...)
				break
			}
		}
	}
	seq := r.nextSeqLocked(channel)
	return envelope(channel, seq, protocol.KindDelta, protocol.LiveUpdate{
		Type:   protocol.ChannelTable,
		Remove: rowID,
	})
}

// Snapshot 返回频道当前的全量状态；频道还没有任何数据时 ok=false。
func (r *Registry) Snapshot(channel string) (protocol.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.seqs[channel]
	var up protocol.LiveUpdate
	switch {
	case r.charts[channel] != nil:
		c := r.charts[channel]
		up = protocol.LiveUpdate{
			Type:   protocol.ChannelChart,
			Name:   c.name,
			Points: append([]protocol.ChartPoint(nil), c.points...),
		}
	case r.counters[channel] != nil:
		c := r.counters[channel]
		v := c.value
		up = protocol.LiveUpdate{
			Type:   protocol.ChannelCounter,
			Value:  &v,
			Label:  c.label,
			Format: c.format,
		}
	case r.tables[channel] != nil:
		t := r.tables[channel]
		up = protocol.LiveUpdate{
			Type:    protocol.ChannelTable,
			Columns: append([]protocol.TableColumn(nil), t.columns...),
			Rows:    append([]protocol.TableRow(nil), t.rows...),
		}
	default:
		return protocol.Envelope{}, false
	}

	env, err := envelope(channel, seq, protocol.KindSnapshot, up)
	if err != nil {
		return protocol.Envelope{}, false
	}
	return env, true
}

func (r *Registry) trimLocked(c *chartState) {
	cutoff := time.Now().Add(-r.opts.Retention)
	i := 0
	for i < len(c.points) && c.points[i].Timestamp.Before(cutoff) {
		i++
	}
	c.points = c.points[i:]
	if len(c.points) > r.opts.MaxPoints {
		c.points = c.points[len(c.points)-r.opts.MaxPoints:]
	}
}
