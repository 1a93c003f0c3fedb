package syncclient

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"clinicRealtime/backend/internal/protocol"
)

type PresenceOptions struct {
	// 活性窗口：超过这个时长没收到心跳就判离线
	LivenessWindow time.Duration
	// 离线多少个窗口后从名册里移除
	GCWindows int
	// 光标发送节流
	CursorThrottle time.Duration

	OnUserJoin  func(p protocol.Participant)
	OnUserLeave func(userID string)
}

func (o *PresenceOptions) fill() {
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = 30 * time.Second
	}
	if o.GCWindows <= 0 {
		o.GCWindows = 3
	}
	if o.CursorThrottle <= 0 {
		o.CursorThrottle = 50 * time.Millisecond
	}
}

type presenceEvent struct {
	join        bool
	participant protocol.Participant
	userID      string
}

// Presence 维护协作会话的在线名册和实时光标。
// 每个成员有自己的心跳截止时间，扫描协程到点把人标下线；
// 光标按 updatedAt 墙钟做 last-write-wins，只覆盖从不合并。
type Presence struct {
	tr   Transport
	opts PresenceOptions

	mu      sync.Mutex
	session *protocol.SessionInfo
	self    protocol.Participant
	joined  bool
	roster  map[string]*protocol.Participant
	cursors map[string]protocol.CursorPosition

	lastCursorSend time.Time

	events    chan presenceEvent
	sweepStop chan struct{}
}

func NewPresence(tr Transport, opts PresenceOptions) *Presence {
	opts.fill()
	p := &Presence{
		tr:      tr,
		opts:    opts,
		roster:  make(map[string]*protocol.Participant),
		cursors: make(map[string]protocol.CursorPosition),
		events:  make(chan presenceEvent, 64),
	}
	tr.OnMessage(protocol.TopicPresence, p.handle)
	go p.dispatchLoop()
	return p
}

// Join 加入会话。join 命令注册为重放命令，重连后服务端重推全量名册快照。
func (p *Presence) Join(ctx context.Context, sessionID, userID, userName, userColor string) error {
	if sessionID == "" || userID == "" {
		return ErrEmptyContent
	}
	p.mu.Lock()
	if p.joined {
		p.mu.Unlock()
		return nil
	}
	p.joined = true
	p.session = &protocol.SessionInfo{ID: sessionID}
	p.self = protocol.Participant{ID: userID, Name: userName, Color: userColor, IsOnline: true, LastHeartbeatAt: time.Now()}
	p.sweepStop = make(chan struct{})
	stop := p.sweepStop
	p.mu.Unlock()

	go p.sweepLoop(stop)

	payload := protocol.JoinPayload{SessionID: sessionID, UserName: userName, UserColor: userColor}
	p.tr.AddReplay("session:"+sessionID, protocol.CmdJoin, payload)
	if err := p.tr.Send(protocol.CmdJoin, payload); err != nil {
		// 未连接时由重放补发
		log.Printf("syncclient: join %s deferred: %v", sessionID, err)
	}
	return nil
}

// Leave 同步地退出会话并清空本地状态；之后到达的回包在应用时被丢弃。
func (p *Presence) Leave() {
	p.mu.Lock()
	if !p.joined {
		p.mu.Unlock()
		return
	}
	sessionID := p.session.ID
	p.joined = false
	p.session = nil
	p.roster = make(map[string]*protocol.Participant)
	p.cursors = make(map[string]protocol.CursorPosition)
	stop := p.sweepStop
	p.sweepStop = nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	p.tr.RemoveReplay("session:" + sessionID)
	_ = p.tr.Send(protocol.CmdLeave, protocol.LeavePayload{SessionID: sessionID})
}

// CreateSession 请求服务端新建一个会话。
func (p *Presence) CreateSession(name string) error {
	if name == "" {
		return ErrEmptyContent
	}
	return p.tr.Send(protocol.CmdCreateSession, protocol.SessionInfo{Name: name})
}

// UpdateCursor 发后即忘，带节流；丢几条没关系，只有最新位置有意义。
func (p *Presence) UpdateCursor(x, y float64) {
	p.mu.Lock()
	if !p.joined {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Sub(p.lastCursorSend) < p.opts.CursorThrottle {
		p.mu.Unlock()
		return
	}
	p.lastCursorSend = now
	sessionID := p.session.ID
	p.mu.Unlock()

	p.tr.SendAsync(protocol.CmdCursor, protocol.CursorPayload{
		SessionID: sessionID,
		X:         x,
		Y:         y,
		UpdatedAt: now,
	})
}

func (p *Presence) Session() *protocol.SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	s := *p.session
	return &s
}

func (p *Presence) CurrentUser() protocol.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self
}

// OnlineUsers 返回当前在线成员的副本。
func (p *Presence) OnlineUsers() []protocol.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Participant, 0, len(p.roster))
	for _, m := range p.roster {
		if m.IsOnline {
			out = append(out, *m)
		}
	}
	return out
}

func (p *Presence) Cursors() []protocol.CursorPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.CursorPosition, 0, len(p.cursors))
	for _, c := range p.cursors {
		out = append(out, c)
	}
	return out
}

func (p *Presence) handle(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindSnapshot:
		var snap protocol.PresenceSnapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			log.Printf("syncclient: presence snapshot: %v", err)
			return
		}
		p.applySnapshot(snap)
	case protocol.KindDelta:
		var d protocol.PresenceDelta
		if err := json.Unmarshal(env.Payload, &d); err != nil {
			log.Printf("syncclient: presence delta: %v", err)
			return
		}
		p.applyDelta(d)
	}
}

// 重连后的快照是权威的：整个名册和光标表替换，不与本地合并。
func (p *Presence) applySnapshot(snap protocol.PresenceSnapshot) {
	p.mu.Lock()
	if !p.joined || p.session == nil || p.session.ID != snap.Session.ID {
		p.mu.Unlock()
		return
	}
	p.session.Name = snap.Session.Name
	old := p.roster
	p.roster = make(map[string]*protocol.Participant, len(snap.Participants))
	var joins []protocol.Participant
	for _, m := range snap.Participants {
		mm := m
		p.roster[m.ID] = &mm
		if m.IsOnline && m.ID != p.self.ID {
			if prev, ok := old[m.ID]; !ok || !prev.IsOnline {
				joins = append(joins, m)
			}
		}
	}
	p.cursors = make(map[string]protocol.CursorPosition, len(snap.Cursors))
	for _, c := range snap.Cursors {
		p.cursors[c.UserID] = c
	}
	p.mu.Unlock()

	for _, m := range joins {
		p.emit(presenceEvent{join: true, participant: m})
	}
}

func (p *Presence) applyDelta(d protocol.PresenceDelta) {
	p.mu.Lock()
	if !p.joined || p.session == nil || p.session.ID != d.SessionID {
		p.mu.Unlock()
		return
	}

	var fire *presenceEvent
	switch d.Event {
	case protocol.PresenceJoin:
		if d.Participant == nil {
			break
		}
		m := *d.Participant
		m.IsOnline = true
		if m.LastHeartbeatAt.IsZero() {
			m.LastHeartbeatAt = time.Now()
		}
		prev, existed := p.roster[m.ID]
		p.roster[m.ID] = &m
		// 重连后的重复 join 不是恰好一次：Offline→Online 也要再发一次回调
		if m.ID != p.self.ID && (!existed || !prev.IsOnline) {
			fire = &presenceEvent{join: true, participant: m}
		}
	case protocol.PresenceLeave:
		if d.UserID == "" {
			break
		}
		if _, ok := p.roster[d.UserID]; ok {
			delete(p.roster, d.UserID)
			delete(p.cursors, d.UserID)
			if d.UserID != p.self.ID {
				fire = &presenceEvent{userID: d.UserID}
			}
		}
	case protocol.PresenceHeartbeat:
		if d.UserID == "" {
			break
		}
		if m, ok := p.roster[d.UserID]; ok {
			m.LastHeartbeatAt = time.Now()
			if !m.IsOnline {
				m.IsOnline = true
				if d.UserID != p.self.ID {
					fire = &presenceEvent{join: true, participant: *m}
				}
			}
		}
	case protocol.PresenceCursor:
		if d.Cursor == nil {
			break
		}
		cur := *d.Cursor
		if prev, ok := p.cursors[cur.UserID]; !ok || !cur.UpdatedAt.Before(prev.UpdatedAt) {
			p.cursors[cur.UserID] = cur
		}
	}
	p.mu.Unlock()

	if fire != nil {
		p.emit(*fire)
	}
}

func (p *Presence) emit(ev presenceEvent) {
	select {
	case p.events <- ev:
	default:
		log.Printf("syncclient: presence event queue full, dropped")
	}
}

// 回调在独立协程里执行，panic 被捕获，不会打进协调器内部。
func (p *Presence) dispatchLoop() {
	for ev := range p.events {
		p.dispatch(ev)
	}
}

func (p *Presence) dispatch(ev presenceEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("syncclient: presence callback panic: %v", r)
		}
	}()
	if ev.join {
		if p.opts.OnUserJoin != nil {
			p.opts.OnUserJoin(ev.participant)
		}
		return
	}
	if p.opts.OnUserLeave != nil {
		p.opts.OnUserLeave(ev.userID)
	}
}

// 扫描：窗口的一半扫一次，心跳超窗标离线，离线过久回收。
// 标签页挂起时 socket 不一定断，所以不能只靠断连判离线。
func (p *Presence) sweepLoop(stop chan struct{}) {
	t := time.NewTicker(p.opts.LivenessWindow / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.sweep()
		case <-stop:
			return
		}
	}
}

func (p *Presence) sweep() {
	now := time.Now()
	var leaves []string
	p.mu.Lock()
	if !p.joined {
		p.mu.Unlock()
		return
	}
	for id, m := range p.roster {
		idle := now.Sub(m.LastHeartbeatAt)
		if m.IsOnline && idle > p.opts.LivenessWindow {
			m.IsOnline = false
			delete(p.cursors, id)
			if id != p.self.ID {
				leaves = append(leaves, id)
			}
			continue
		}
		if !m.IsOnline && idle > time.Duration(p.opts.GCWindows)*p.opts.LivenessWindow {
			delete(p.roster, id)
			delete(p.cursors, id)
		}
	}
	p.mu.Unlock()

	for _, id := range leaves {
		p.emit(presenceEvent{userID: id})
	}
}
