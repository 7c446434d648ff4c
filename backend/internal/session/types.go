package session

import (
	"time"

	"collabCore/backend/internal/ot"
)

type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnded  Status = "ended"
)

type Role string

const (
	RoleOwner     Role = "owner"
	RoleEditor    Role = "editor"
	RoleCommenter Role = "commenter"
	RoleViewer    Role = "viewer"
)

type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermComment Permission = "comment"
	PermShare   Permission = "share"
	PermDelete  Permission = "delete"
)

// 角色默认权限集：owner ⊇ editor ⊇ commenter ⊇ viewer
func DefaultPermissions(role Role) map[Permission]struct{} {
	perms := map[Permission]struct{}{PermRead: {}}
	switch role {
	case RoleOwner:
		perms[PermDelete] = struct{}{}
		perms[PermShare] = struct{}{}
		fallthrough
	case RoleEditor:
		perms[PermWrite] = struct{}{}
		fallthrough
	case RoleCommenter:
		perms[PermComment] = struct{}{}
	}
	return perms
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

type CursorPosition struct {
	Position int `json:"position"`
}

type Participant struct {
	ID          string                  `json:"id"`
	DisplayName string                  `json:"displayName"`
	Role        Role                    `json:"role"`
	Status      PresenceStatus          `json:"status"`
	Cursor      *CursorPosition         `json:"cursor,omitempty"`
	Permissions map[Permission]struct{} `json:"-"`
	// Watermark：该参与者已应用的最高 SequenceNo，重连追平和判旧都用它
	Watermark  uint64    `json:"watermark"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type Settings struct {
	AllowAnonymous     bool        `json:"allowAnonymous"`
	MaxParticipants    int         `json:"maxParticipants"`
	AutoSave           bool        `json:"autoSave"`
	ConflictResolution ot.Strategy `json:"conflictResolution"`
	OfflineSync        bool        `json:"offlineSync"`
}

func (s Settings) withDefaults() Settings {
	if s.MaxParticipants <= 0 {
		s.MaxParticipants = 10
	}
	if s.ConflictResolution == "" {
		s.ConflictResolution = ot.StrategyMerge
	}
	return s
}

// Session 协作会话。
// 不变式：len(Participants) <= Settings.MaxParticipants；
// Status 单向推进 active→paused→ended，ended 为终态。
type Session struct {
	ID             string         `json:"id"`
	ResourceID     string         `json:"resourceId"`
	Participants   []*Participant `json:"participants"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	Settings       Settings       `json:"settings"`
}

func (s *Session) participant(id string) *Participant {
	for _, p := range s.Participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}
