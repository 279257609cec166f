package storage

import (
	"encoding/json"
	"time"
)

// Role is a user's system-wide privilege level, ordered
// Admin > Moderator > User > Guest for authorize() gating.
type Role string

const (
	RoleAdmin     Role = "Admin"
	RoleModerator Role = "Moderator"
	RoleUser      Role = "User"
	RoleGuest     Role = "Guest"
)

// roleRank gives Role a total order for authorize() comparisons; a higher
// number is a more privileged role.
var roleRank = map[Role]int{
	RoleAdmin:     4,
	RoleModerator: 3,
	RoleUser:      2,
	RoleGuest:     1,
}

// AtLeast reports whether r has at least the privilege of other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// Status is a user account's lifecycle state.
type Status string

const (
	StatusActive              Status = "Active"
	StatusSuspended           Status = "Suspended"
	StatusBanned              Status = "Banned"
	StatusPendingVerification Status = "PendingVerification"
	StatusDeactivated         Status = "Deactivated"
)

// Profile holds the persisted, storage-side user profile: the full shape
// with custom fields, distinct from the slim WireProfile the auth service
// hands back after login and the client's even slimmer auth principal.
type Profile struct {
	DisplayName string            `json:"display_name,omitempty"`
	AvatarRef   string            `json:"avatar_ref,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// Settings holds per-user preferences private to the storage profile.
type Settings struct {
	Theme               string `json:"theme,omitempty"`
	NotificationsMuted  bool   `json:"notifications_muted,omitempty"`
	PrivacyHideLastSeen bool   `json:"privacy_hide_last_seen,omitempty"`
}

func (p Profile) marshal() string {
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (s Settings) marshal() string {
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalProfile(raw string) Profile {
	var p Profile
	_ = json.Unmarshal([]byte(raw), &p)
	return p
}

func unmarshalSettings(raw string) Settings {
	var s Settings
	_ = json.Unmarshal([]byte(raw), &s)
	return s
}

type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	Status       Status
	Profile      Profile
	Settings     Settings
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastSeenAt   *time.Time
}

type Session struct {
	ID               int64
	UserID           int64
	Token            string
	RefreshToken     string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	LastActivityAt   time.Time
	RevokedAt        *time.Time
}

// RoomType classifies what a room is for, distinct from who may join it.
type RoomType string

const (
	RoomTypeChannel  RoomType = "Channel"
	RoomTypeGroup    RoomType = "Group"
	RoomTypeDirect   RoomType = "DirectMessage"
	RoomTypeSystem   RoomType = "System"
	RoomTypeTemporary RoomType = "Temporary"
)

// RoomPrivacy gates who may JOIN_ROOM into a room directly versus requiring
// an invitation.
type RoomPrivacy string

const (
	RoomPrivacyPublic    RoomPrivacy = "Public"
	RoomPrivacyPrivate   RoomPrivacy = "Private"
	RoomPrivacyProtected RoomPrivacy = "Protected"
	RoomPrivacySystem    RoomPrivacy = "System"
)

type Room struct {
	ID          int64
	Name        string
	OwnerID     *int64
	IsLobby     bool
	Type        RoomType
	Privacy     RoomPrivacy
	Description string
	MaxMembers  *int
	Settings    RoomSettings
	CreatedAt   time.Time
}

// RoomSettings holds per-room configuration distinct from per-member
// RoomMembership.settings.
type RoomSettings struct {
	SlowModeSeconds  int  `json:"slow_mode_seconds,omitempty"`
	ReadOnly         bool `json:"read_only,omitempty"`
	JoinRequiresMFA  bool `json:"join_requires_mfa,omitempty"`
}

func (rs RoomSettings) marshal() string {
	b, err := json.Marshal(rs)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalRoomSettings(raw string) RoomSettings {
	var rs RoomSettings
	_ = json.Unmarshal([]byte(raw), &rs)
	return rs
}

// RoomFilter narrows ListRooms. A zero-valued field does not filter on that
// dimension; Search matches a case-insensitive substring of name or
// description.
type RoomFilter struct {
	Type    RoomType
	Privacy RoomPrivacy
	OwnerID *int64
	Search  string
}

// MembershipRole is a per-room privilege level, distinct from the
// system-wide Role on User.
type MembershipRole string

const (
	MembershipOwner     MembershipRole = "Owner"
	MembershipAdmin     MembershipRole = "Admin"
	MembershipModerator MembershipRole = "Moderator"
	MembershipMember    MembershipRole = "Member"
	MembershipGuest     MembershipRole = "Guest"
)

type Membership struct {
	ID           int64
	RoomID       int64
	UserID       int64
	Role         MembershipRole
	JoinedAt     time.Time
	LastActivity time.Time
	IsActive     bool
}

// MessageType distinguishes plain chat text from system/media content.
type MessageType string

const (
	MessageTypeText   MessageType = "Text"
	MessageTypeSystem MessageType = "System"
	MessageTypeFile   MessageType = "File"
	MessageTypeImage  MessageType = "Image"
	MessageTypeAudio  MessageType = "Audio"
	MessageTypeVideo  MessageType = "Video"
)

type Message struct {
	ID        int64
	RoomID    int64
	UserID    int64
	Body      string
	Type      MessageType
	ParentID  *int64
	CreatedAt time.Time
	EditedAt  *time.Time
	IsDeleted bool
	Metadata  map[string]string
}

func (m Message) marshalMetadata() string {
	if len(m.Metadata) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m.Metadata)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMetadata(raw string) map[string]string {
	var m map[string]string
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}

// Reaction is one (message, user, emoji) triple, unique per spec's I6.
type Reaction struct {
	ID        int64
	MessageID int64
	UserID    int64
	Emoji     string
	CreatedAt time.Time
}

// MessageFilter narrows SearchMessages. A zero-valued field does not filter
// on that dimension.
type MessageFilter struct {
	RoomID  int64
	UserID  int64
	Search  string
	Since   *time.Time
	Until   *time.Time
}

// InvitationStatus is the closed set of states an invitation can be in.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationRevoked  InvitationStatus = "revoked"
	InvitationExpired  InvitationStatus = "expired"
)

type Invitation struct {
	ID         int64
	RoomID     int64
	InviterID  int64
	InviteeID  int64
	Status     InvitationStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ResolvedAt *time.Time
}

type AuditEntry struct {
	ID        int64
	UserID    *int64
	Action    string
	Detail    string
	CreatedAt time.Time
}

// LobbyRoomName is the well-known room every user lands in on registration,
// per spec.md invariant I3.
const LobbyRoomName = "lobby"
