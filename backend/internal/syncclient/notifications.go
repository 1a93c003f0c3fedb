package syncclient

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinicRealtime/backend/internal/protocol"
)

// NotificationAction 是挂在通知上的动作。队列自己从不调用它，
// 由消费方显式触发；触发本身也不改已读状态。
type NotificationAction struct {
	Label   string
	Action  func()
	Variant string // default | destructive
}

type Notification struct {
	ID        string
	Type      string // info | success | warning | error
	Title     string
	Message   string
	Timestamp time.Time
	Read      bool
	Actions   []NotificationAction
}

type NotificationsOptions struct {
	// 最多保留多少条，旧的被挤掉
	Capacity int
}

// Notifications 维护一个按 timestamp 新到旧排序、按 id 去重的通知列表。
// 同一 id 的第二次送达（重连重投）是 no-op。未读数永远是现算的，
// 不单独存一份。这是唯一允许被本地事件直接投喂的组件。
type Notifications struct {
	tr       Transport // 纯本地使用可为 nil
	capacity int

	mu    sync.Mutex
	items []*Notification
}

func NewNotifications(tr Transport, opts NotificationsOptions) *Notifications {
	if opts.Capacity <= 0 {
		opts.Capacity = 50
	}
	q := &Notifications{tr: tr, capacity: opts.Capacity}
	if tr != nil {
		tr.OnMessage(protocol.TopicNotifications, q.handle)
	}
	return q
}

// Add 入列一条通知。id 为空时视为本地事件，现场分配 id 和时间戳。
// 重复 id 是 no-op。
func (q *Notifications) Add(n Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.addLocked(n)
}

func (q *Notifications) addLocked(n Notification) {
	for _, it := range q.items {
		if it.ID == n.ID {
			return
		}
	}
	nn := n
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Timestamp.Before(nn.Timestamp)
	})
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = &nn
	if len(q.items) > q.capacity {
		q.items = q.items[:q.capacity]
	}
}

// MarkAsRead 标记单条已读，并把已读状态同步回服务端。
func (q *Notifications) MarkAsRead(id string) {
	q.mu.Lock()
	changed := false
	for _, it := range q.items {
		if it.ID == id && !it.Read {
			it.Read = true
			changed = true
			break
		}
	}
	q.mu.Unlock()
	if changed && q.tr != nil {
		_ = q.tr.Send(protocol.CmdMarkRead, protocol.MarkReadPayload{NotificationID: id})
	}
}

// MarkAllAsRead 在一次加锁内全部置已读，对外观察不到中间态。
func (q *Notifications) MarkAllAsRead() {
	q.mu.Lock()
	changed := false
	for _, it := range q.items {
		if !it.Read {
			it.Read = true
			changed = true
		}
	}
	q.mu.Unlock()
	if changed && q.tr != nil {
		_ = q.tr.Send(protocol.CmdMarkAllRead, nil)
	}
}

func (q *Notifications) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *Notifications) ClearAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Notifications 返回副本，新的在前。
func (q *Notifications) Notifications() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Notification, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	return out
}

// UnreadCount 永远等于 Read==false 的条数。
func (q *Notifications) UnreadCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if !it.Read {
			n++
		}
	}
	return n
}

func (q *Notifications) handle(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindSnapshot:
		var snap protocol.NotificationsSnapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			log.Printf("syncclient: notifications snapshot: %v", err)
			return
		}
		q.mu.Lock()
		q.items = nil
		for _, n := range snap.Notifications {
			q.addLocked(fromWire(n))
		}
		q.mu.Unlock()
	case protocol.KindDelta:
		var d protocol.NotificationsDelta
		if err := json.Unmarshal(env.Payload, &d); err != nil {
			log.Printf("syncclient: notifications delta: %v", err)
			return
		}
		switch d.Event {
		case protocol.NotificationAdded:
			if d.Notification == nil {
				return
			}
			q.mu.Lock()
			q.addLocked(fromWire(*d.Notification))
			q.mu.Unlock()
		case protocol.NotificationRead:
			// 其他标签页标的已读，本地跟进即可，不再回发命令
			q.mu.Lock()
			for _, it := range q.items {
				if it.ID == d.NotificationID {
					it.Read = true
					break
				}
			}
			q.mu.Unlock()
		case protocol.NotificationAllRead:
			q.mu.Lock()
			for _, it := range q.items {
				it.Read = true
			}
			q.mu.Unlock()
		}
	}
}

func fromWire(n protocol.NotificationData) Notification {
	return Notification{
		ID:        n.ID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Timestamp: n.Timestamp,
		Read:      n.Read,
	}
}
