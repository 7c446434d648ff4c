package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound  = errors.New("SESSION_NOT_FOUND")
	ErrSessionFull      = errors.New("SESSION_FULL")
	ErrSessionEnded     = errors.New("SESSION_ENDED")
	ErrPermissionDenied = errors.New("PERMISSION_DENIED")
)

// Store 会话记录的落库后端（gorm 实现在 store 包），可为 nil。
// 落库是尽力而为：失败只打日志，不阻塞协作主链路。
type Store interface {
	SaveSession(ctx context.Context, s *Session) error
}

type sessionState struct {
	mu sync.RWMutex
	s  *Session
}

// Registry 会话与成员关系的权威来源。
// 外层读写锁只保护 map 本身；单个会话的成员变更由各自的锁串行化，
// 任何会话的关键路径都不会阻塞在别的会话的锁上。
// 显式构造、按引用传递，不做包级单例。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	store Store
	// ended 会话闲置多久后从活跃注册表移除
	inactivityTimeout time.Duration
}

func NewRegistry(store Store, inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Registry{
		sessions:          make(map[string]*sessionState),
		store:             store,
		inactivityTimeout: inactivityTimeout,
	}
}

// Start 创建 active 会话，发起者为唯一 owner。
func (r *Registry) Start(ctx context.Context, resourceID string, settings Settings, ownerID, ownerName string) *Session {
	now := time.Now()
	owner := &Participant{
		ID:          ownerID,
		DisplayName: ownerName,
		Role:        RoleOwner,
		Status:      PresenceOnline,
		Permissions: DefaultPermissions(RoleOwner),
		LastSeenAt:  now,
	}
	s := &Session{
		ID:             uuid.NewString(),
		ResourceID:     resourceID,
		Participants:   []*Participant{owner},
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		Settings:       settings.withDefaults(),
	}

	r.mu.Lock()
	r.sessions[s.ID] = &sessionState{s: s}
	r.mu.Unlock()

	r.persist(ctx, s)
	return snapshot(s)
}

func (r *Registry) state(sessionID string) *sessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// Join 将参与者加入会话。满员/已结束/不存在分别返回对应错误，
// 且失败路径绝不改动成员列表。重复加入复用原记录（保留 watermark）。
// 返回该参与者此前的 watermark，调用方据此做版本界定的重放，再标 online。
func (r *Registry) Join(ctx context.Context, sessionID string, participantID, displayName string, role Role) (uint64, error) {
	st := r.state(sessionID)
	if st == nil {
		return 0, ErrSessionNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.s.Status == StatusEnded {
		return 0, ErrSessionEnded
	}
	if p := st.s.participant(participantID); p != nil {
		// 重连：沿用原角色与 watermark
		p.LastSeenAt = time.Now()
		return p.Watermark, nil
	}
	if len(st.s.Participants) >= st.s.Settings.MaxParticipants {
		return 0, ErrSessionFull
	}
	if role == "" {
		role = RoleEditor
	}
	p := &Participant{
		ID:          participantID,
		DisplayName: displayName,
		Role:        role,
		Status:      PresenceOffline, // 追平完成后由 MarkOnline 置 online
		Permissions: DefaultPermissions(role),
		LastSeenAt:  time.Now(),
	}
	st.s.Participants = append(st.s.Participants, p)
	st.s.LastActivityAt = time.Now()
	r.persist(ctx, st.s)
	return 0, nil
}

// MarkOnline 重放追平后标记在线。
func (r *Registry) MarkOnline(sessionID, participantID string) {
	st := r.state(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if p := st.s.participant(participantID); p != nil {
		p.Status = PresenceOnline
		p.LastSeenAt = time.Now()
	}
}

// Leave 移除参与者。owner 离开且无人可被提升时，会话清空即走向 ended。
// 返回会话是否因此结束。
func (r *Registry) Leave(ctx context.Context, sessionID, participantID string) (bool, error) {
	st := r.state(sessionID)
	if st == nil {
		return false, ErrSessionNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	idx := -1
	for i, p := range st.s.Participants {
		if p.ID == participantID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	leaving := st.s.Participants[idx]
	st.s.Participants = append(st.s.Participants[:idx], st.s.Participants[idx+1:]...)
	st.s.LastActivityAt = time.Now()

	if leaving.Role == RoleOwner {
		// 剩下的编辑者中提升一位共同所有者，避免会话失主
		promoted := false
		for _, p := range st.s.Participants {
			if p.Role == RoleEditor {
				p.Role = RoleOwner
				p.Permissions = DefaultPermissions(RoleOwner)
				promoted = true
				break
			}
		}
		if !promoted && len(st.s.Participants) == 0 && st.s.Status != StatusEnded {
			st.s.Status = StatusEnded
		}
	} else if len(st.s.Participants) == 0 && st.s.Status != StatusEnded {
		st.s.Status = StatusEnded
	}
	r.persist(ctx, st.s)
	return st.s.Status == StatusEnded, nil
}

// UpdatePresence 纯状态更新，只广播不进操作日志，永不做冲突检查。
func (r *Registry) UpdatePresence(sessionID, participantID string, cursor *CursorPosition) error {
	st := r.state(sessionID)
	if st == nil {
		return ErrSessionNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	p := st.s.participant(participantID)
	if p == nil {
		return ErrSessionNotFound
	}
	p.Cursor = cursor
	p.Status = PresenceOnline
	p.LastSeenAt = time.Now()
	st.s.LastActivityAt = time.Now()
	return nil
}

// HasPermission 由角色/权限集派生；OT 引擎的 apply 门禁靠它。
func (r *Registry) HasPermission(sessionID, participantID string, action Permission) bool {
	st := r.state(sessionID)
	if st == nil {
		return false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	p := st.s.participant(participantID)
	if p == nil {
		return false
	}
	_, ok := p.Permissions[action]
	return ok
}

// SetWatermark 推进参与者已应用的最高序号（只增不减）。
func (r *Registry) SetWatermark(sessionID, participantID string, seq uint64) {
	st := r.state(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if p := st.s.participant(participantID); p != nil && seq > p.Watermark {
		p.Watermark = seq
	}
}

func (r *Registry) Watermark(sessionID, participantID string) uint64 {
	st := r.state(sessionID)
	if st == nil {
		return 0
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if p := st.s.participant(participantID); p != nil {
		return p.Watermark
	}
	return 0
}

// Touch 记录会话活动时间（操作应用后调用）。
func (r *Registry) Touch(sessionID string) {
	st := r.state(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.s.LastActivityAt = time.Now()
	st.mu.Unlock()
}

// Pause 状态单向推进：active→paused。
func (r *Registry) Pause(ctx context.Context, sessionID string) error {
	st := r.state(sessionID)
	if st == nil {
		return ErrSessionNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s.Status == StatusEnded {
		return ErrSessionEnded
	}
	st.s.Status = StatusPaused
	r.persist(ctx, st.s)
	return nil
}

// End 置终态。ended 不可逆。
func (r *Registry) End(ctx context.Context, sessionID string) error {
	st := r.state(sessionID)
	if st == nil {
		return ErrSessionNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Status = StatusEnded
	st.s.LastActivityAt = time.Now()
	r.persist(ctx, st.s)
	return nil
}

// Get 返回会话快照（深拷贝，调用方随意读不会引发数据竞争）。
func (r *Registry) Get(sessionID string) (*Session, error) {
	st := r.state(sessionID)
	if st == nil {
		return nil, ErrSessionNotFound
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return snapshot(st.s), nil
}

// Active 所有未结束会话的快照。
func (r *Registry) Active() []*Session {
	r.mu.RLock()
	states := make([]*sessionState, 0, len(r.sessions))
	for _, st := range r.sessions {
		states = append(states, st)
	}
	r.mu.RUnlock()

	var out []*Session
	for _, st := range states {
		st.mu.RLock()
		if st.s.Status != StatusEnded {
			out = append(out, snapshot(st.s))
		}
		st.mu.RUnlock()
	}
	return out
}

// Sweep 移除闲置超时的 ended 会话，返回移除的会话 ID。
// 由调用方的定时循环驱动。
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, st := range r.sessions {
		st.mu.RLock()
		expired := st.s.Status == StatusEnded && now.Sub(st.s.LastActivityAt) > r.inactivityTimeout
		st.mu.RUnlock()
		if expired {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (r *Registry) persist(ctx context.Context, s *Session) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveSession(ctx, s); err != nil {
		log.Printf("save session failed (session=%s): %v", s.ID, err)
	}
}

func snapshot(s *Session) *Session {
	cp := *s
	cp.Participants = make([]*Participant, len(s.Participants))
	for i, p := range s.Participants {
		pc := *p
		if p.Cursor != nil {
			c := *p.Cursor
			pc.Cursor = &c
		}
		perms := make(map[Permission]struct{}, len(p.Permissions))
		for k := range p.Permissions {
			perms[k] = struct{}{}
		}
		pc.Permissions = perms
		cp.Participants[i] = &pc
	}
	return &cp
}
