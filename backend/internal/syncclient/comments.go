package syncclient

import (
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinicRealtime/backend/internal/protocol"
)

const tentativePrefix = "pending-"

type commentState int

const (
	commentConfirmed commentState = iota
	commentPending
)

type commentEntry struct {
	state commentState
	c     protocol.Comment
}

// Comments 维护一个会话内按 createdAt 升序的评论列表。
// 新增走乐观协议：先插一条带临时 id 的本地条目让界面即时响应，
// 服务端确认后原位替换成持久 id，被拒则回滚删除。
// 改/解决/删只允许评论作者本人；冲突按 updatedAt 晚者胜，
// 服务端确认的状态无条件覆盖本地乐观修改。
type Comments struct {
	tr        Transport
	sessionID string
	userID    string
	userName  string

	mu      sync.Mutex
	entries []*commentEntry
}

func NewComments(tr Transport, sessionID, userID, userName string) *Comments {
	s := &Comments{tr: tr, sessionID: sessionID, userID: userID, userName: userName}
	tr.OnMessage(protocol.TopicComments, s.handle)
	return s
}

// Comments 返回当前列表的副本，createdAt 升序。
func (s *Comments) Comments() []protocol.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Comment, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.c)
	}
	return out
}

// Add 新增评论。空内容在乐观应用之前就被拒绝。
func (s *Comments) Add(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	now := time.Now()
	c := protocol.Comment{
		ID:        tentativePrefix + uuid.NewString(),
		SessionID: s.sessionID,
		UserID:    s.userID,
		UserName:  s.userName,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.insertLocked(&commentEntry{state: commentPending, c: c})
	s.mu.Unlock()

	err := s.tr.Send(protocol.CmdCommentAdd, protocol.CommentAddPayload{
		SessionID:   s.sessionID,
		TentativeID: c.ID,
		Content:     content,
	})
	if err != nil {
		// 发不出去就回滚，界面上不留悬空的临时条目
		s.mu.Lock()
		s.removeLocked(c.ID)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Update 修改自己的评论内容，本地先改，服务端确认覆盖。
func (s *Comments) Update(id, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	now := time.Now()
	s.mu.Lock()
	e := s.findLocked(id)
	if e == nil {
		s.mu.Unlock()
		return ErrUnknownComment
	}
	if e.c.UserID != s.userID {
		s.mu.Unlock()
		return ErrNotCommentAuthor
	}
	e.c.Content = content
	e.c.UpdatedAt = now
	pending := e.state == commentPending
	s.mu.Unlock()

	if pending {
		// 还没拿到持久 id，确认时会带上最新内容，无需单发 update
		return nil
	}
	return s.tr.Send(protocol.CmdCommentUpdate, protocol.CommentMutatePayload{
		SessionID: s.sessionID,
		CommentID: id,
		Content:   content,
		UpdatedAt: now,
	})
}

// Resolve 单向迁移 resolved: false → true；对已解决的评论是 no-op。
func (s *Comments) Resolve(id string) error {
	s.mu.Lock()
	e := s.findLocked(id)
	if e == nil {
		s.mu.Unlock()
		return ErrUnknownComment
	}
	if e.c.UserID != s.userID {
		s.mu.Unlock()
		return ErrNotCommentAuthor
	}
	if e.c.Resolved {
		s.mu.Unlock()
		return nil
	}
	e.c.Resolved = true
	e.c.UpdatedAt = time.Now()
	pending := e.state == commentPending
	s.mu.Unlock()

	if pending {
		return nil
	}
	return s.tr.Send(protocol.CmdCommentResolve, protocol.CommentMutatePayload{
		SessionID: s.sessionID,
		CommentID: id,
	})
}

// Delete 删除自己的评论。
func (s *Comments) Delete(id string) error {
	s.mu.Lock()
	e := s.findLocked(id)
	if e == nil {
		s.mu.Unlock()
		return ErrUnknownComment
	}
	if e.c.UserID != s.userID {
		s.mu.Unlock()
		return ErrNotCommentAuthor
	}
	pending := e.state == commentPending
	s.removeLocked(id)
	s.mu.Unlock()

	if pending {
		// 临时条目还没落到服务端，本地删掉即可。确认到达时会因 id 不存在被忽略。
		return nil
	}
	return s.tr.Send(protocol.CmdCommentDelete, protocol.CommentMutatePayload{
		SessionID: s.sessionID,
		CommentID: id,
	})
}

func (s *Comments) handle(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindSnapshot:
		var snap protocol.CommentsSnapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			log.Printf("syncclient: comments snapshot: %v", err)
			return
		}
		s.applySnapshot(snap)
	case protocol.KindDelta:
		var d protocol.CommentsDelta
		if err := json.Unmarshal(env.Payload, &d); err != nil {
			log.Printf("syncclient: comments delta: %v", err)
			return
		}
		s.applyDelta(d)
	}
}

// 快照替换全部已确认条目；本地还在等确认的条目保留并重发。
func (s *Comments) applySnapshot(snap protocol.CommentsSnapshot) {
	if snap.SessionID != s.sessionID {
		return
	}
	s.mu.Lock()
	var pending []*commentEntry
	for _, e := range s.entries {
		if e.state == commentPending {
			pending = append(pending, e)
		}
	}
	s.entries = nil
	for _, c := range snap.Comments {
		cc := c
		s.insertLocked(&commentEntry{state: commentConfirmed, c: cc})
	}
	for _, e := range pending {
		s.insertLocked(e)
	}
	resend := make([]protocol.Comment, 0, len(pending))
	for _, e := range pending {
		resend = append(resend, e.c)
	}
	s.mu.Unlock()

	for _, c := range resend {
		_ = s.tr.Send(protocol.CmdCommentAdd, protocol.CommentAddPayload{
			SessionID:   s.sessionID,
			TentativeID: c.ID,
			Content:     c.Content,
		})
	}
}

func (s *Comments) applyDelta(d protocol.CommentsDelta) {
	if d.SessionID != s.sessionID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch d.Event {
	case protocol.CommentAdded:
		if d.Comment == nil {
			return
		}
		c := *d.Comment
		// 自己的乐观条目：原位替换成服务端状态（同一列表位置）
		if d.TentativeID != "" {
			if e := s.findLocked(d.TentativeID); e != nil {
				e.state = commentConfirmed
				e.c = c
				s.resortLocked()
				return
			}
		}
		// 重连重投：同 id 第二次到达幂等，覆盖为最后送达的状态
		if e := s.findLocked(c.ID); e != nil {
			e.state = commentConfirmed
			e.c = c
			s.resortLocked()
			return
		}
		s.insertLocked(&commentEntry{state: commentConfirmed, c: c})

	case protocol.CommentAddRejected:
		if d.TentativeID == "" {
			return
		}
		s.removeLocked(d.TentativeID)

	case protocol.CommentUpdated:
		if d.Comment == nil {
			return
		}
		if e := s.findLocked(d.Comment.ID); e != nil {
			// 服务端已仲裁，覆盖任何本地乐观修改
			e.state = commentConfirmed
			e.c = *d.Comment
		}

	case protocol.CommentResolved:
		if e := s.findLocked(d.CommentID); e != nil {
			e.c.Resolved = true
		}

	case protocol.CommentDeleted:
		s.removeLocked(d.CommentID)
	}
}

func (s *Comments) findLocked(id string) *commentEntry {
	for _, e := range s.entries {
		if e.c.ID == id {
			return e
		}
	}
	return nil
}

func (s *Comments) removeLocked(id string) {
	for i, e := range s.entries {
		if e.c.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *Comments) insertLocked(e *commentEntry) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].c.CreatedAt.After(e.c.CreatedAt)
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

func (s *Comments) resortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].c.CreatedAt.Before(s.entries[j].c.CreatedAt)
	})
}
