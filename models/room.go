package models

import "time"

const (
	// RoomTypeGroup is an admin-moderated room.
	RoomTypeGroup = "group"
	// RoomTypeDirect is a two-party room. The wire value matches existing
	// mobile clients.
	RoomTypeDirect = "dm"
)

const (
	MemberStatusPending  = "pending"
	MemberStatusApproved = "approved"
)

type CreateRoomRequest struct {
	CodePhrase      string `json:"codePhrase,omitempty"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
}

type CreateRoomResponse struct {
	RoomID    string     `json:"roomId"`
	Alias     string     `json:"alias"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type JoinRequest struct {
	RoomID     string `json:"roomId"`
	CodePhrase string `json:"codePhrase,omitempty"`
	JoinNote   string `json:"joinNote,omitempty"`
}

type JoinResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	Alias   string `json:"alias,omitempty"`
}

// MemberActionRequest addresses one member of a room for approve or deny.
type MemberActionRequest struct {
	RoomID   string `json:"roomId"`
	MemberID string `json:"memberId"`
}

type ApproveResponse struct {
	Message string `json:"message"`
	Alias   string `json:"alias"`
}

type DenyResponse struct {
	Message string `json:"message"`
}

type MemberSummary struct {
	UserID string `json:"userId"`
	Alias  string `json:"alias"`
	Status string `json:"status"`
}

type RoomSummary struct {
	RoomID    string          `json:"roomId"`
	Type      string          `json:"type"`
	ExpiresAt *time.Time      `json:"expiresAt"`
	Members   []MemberSummary `json:"members"`
}

type MyRoomsResponse struct {
	Rooms []RoomSummary `json:"rooms"`
}

// MemberKey pairs an approved member with their directory public key.
// PublicKey is null until the member uploads one.
type MemberKey struct {
	UserID    string  `json:"userId"`
	Alias     string  `json:"alias"`
	Username  *string `json:"username"`
	PublicKey *string `json:"publicKey"`
}

type RoomMembersResponse struct {
	RoomID  string      `json:"roomId"`
	Members []MemberKey `json:"members"`
}

// MemberInfo is the admin view of a member. JoinNote is only populated for
// the room admin.
type MemberInfo struct {
	UserID      string     `json:"userId"`
	Alias       string     `json:"alias"`
	Status      string     `json:"status"`
	RequestedAt *time.Time `json:"requestedAt"`
	JoinNote    *string    `json:"joinNote"`
}

type RoomInfoResponse struct {
	RoomID    string       `json:"roomId"`
	IsAdmin   bool         `json:"isAdmin"`
	ExpiresAt *time.Time   `json:"expiresAt"`
	Members   []MemberInfo `json:"members"`
}

type StartDirectRequest struct {
	TargetUsername string `json:"targetUsername,omitempty"`
	TargetUserID   string `json:"targetUserId,omitempty"`
}

type StartDirectResponse struct {
	RoomID string `json:"roomId"`
	Type   string `json:"type"`
	Reused bool   `json:"reused"`
}
