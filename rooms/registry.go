// Package rooms implements the room registry: group and direct rooms, join
// requests and admin moderation.
package rooms

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"baatcheet/crypto"
	"baatcheet/models"
	"baatcheet/storage"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"gopkg.in/op/go-logging.v1"
)

const (
	groupRoomIDLength  = 8
	directRoomIDLength = 10
	// maxNoteLength bounds join notes and typed phrases.
	maxNoteLength = 280
	// createAttempts bounds retries on a room id collision.
	createAttempts = 3
)

var aliasWords = []string{"Banana", "Chair", "Apple", "Desk", "Tiger", "Moon", "Rocket", "Stone", "Piano", "Cloud"}

// RandomAlias returns a room-scoped pseudonym such as "Tiger42".
func RandomAlias() string {
	return fmt.Sprintf("%s%d", aliasWords[rand.IntN(len(aliasWords))], rand.IntN(100))
}

// PairKey returns the canonical key of a direct room between a and b.
func PairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

// Registry owns room lifecycle and membership.
type Registry struct {
	store *storage.Store
	log   *logging.Logger

	now       func() time.Time
	alias     func() string
	newRoomID func(size int) (string, error)
}

// NewRegistry returns a registry over store.
func NewRegistry(store *storage.Store, log *logging.Logger) *Registry {
	return &Registry{
		store: store,
		log:   log,
		now:   time.Now,
		alias: RandomAlias,
		newRoomID: func(size int) (string, error) {
			return gonanoid.New(size)
		},
	}
}

// CreateGroup creates a group room with adminID as its approved admin.
func (r *Registry) CreateGroup(adminID string, req models.CreateRoomRequest) (models.CreateRoomResponse, error) {
	if req.DurationMinutes < 0 {
		return models.CreateRoomResponse{}, models.Reason(models.ErrInvalidPayload, "durationMinutes must be positive")
	}

	var phraseHash *string
	if phrase := strings.TrimSpace(req.CodePhrase); phrase != "" {
		hash, err := crypto.HashSecret(phrase, crypto.PhraseCost)
		if err != nil {
			return models.CreateRoomResponse{}, fmt.Errorf("hash code phrase: %w", err)
		}
		phraseHash = &hash
	}

	now := r.now()
	var expiresAt *int64
	if req.DurationMinutes > 0 {
		ms := now.Add(time.Duration(req.DurationMinutes) * time.Minute).UnixMilli()
		expiresAt = &ms
	}

	alias := r.alias()
	approvedAt := now.UnixMilli()
	var roomID string
	for attempt := 0; ; attempt++ {
		id, err := r.newRoomID(groupRoomIDLength)
		if err != nil {
			return models.CreateRoomResponse{}, fmt.Errorf("generate room id: %w", err)
		}
		err = r.store.CreateRoom(
			storage.Room{
				RoomID:         id,
				Type:           storage.RoomTypeGroup,
				AdminID:        adminID,
				CodePhraseHash: phraseHash,
				ExpiresAt:      expiresAt,
				CreatedAt:      now.UnixMilli(),
			},
			[]storage.Member{{
				IdentityID:  adminID,
				Alias:       alias,
				Status:      storage.MemberStatusApproved,
				RequestedAt: now.UnixMilli(),
				ApprovedAt:  &approvedAt,
			}},
		)
		if err == nil {
			roomID = id
			break
		}
		if !errors.Is(err, storage.ErrConflict) || attempt+1 >= createAttempts {
			return models.CreateRoomResponse{}, fmt.Errorf("create room: %w", err)
		}
	}

	r.log.Infof("Created group room %s for %s", roomID, adminID)
	return models.CreateRoomResponse{
		RoomID:    roomID,
		Alias:     alias,
		ExpiresAt: millisTime(expiresAt),
	}, nil
}

// RequestJoin records a pending join request. The typed phrase is stored for
// the admin and never decides approval.
func (r *Registry) RequestJoin(identityID string, req models.JoinRequest) (models.JoinResponse, error) {
	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		return models.JoinResponse{}, models.Reason(models.ErrInvalidPayload, "roomId required")
	}

	room, err := r.loadRoom(roomID)
	if err != nil {
		return models.JoinResponse{}, err
	}
	if room.Expired(r.now()) {
		r.audit(storage.AuditJoinRejectExpired, storage.AuditSeverityInfo, identityID, roomID, nil)
		return models.JoinResponse{}, models.Reason(models.ErrExpired, "Room expired")
	}
	if room.Type == storage.RoomTypeDirect {
		return models.JoinResponse{}, models.Reason(models.ErrForbidden, "Direct rooms cannot be joined")
	}

	note := truncatedPtr(req.JoinNote)
	typed := truncatedPtr(req.CodePhrase)

	existing, err := r.store.GetMember(roomID, identityID)
	switch {
	case err == nil:
		if existing.Approved() {
			return models.JoinResponse{Message: "Already a member", Status: existing.Status}, nil
		}
		if note != nil || typed != nil {
			if err := r.store.UpdatePendingMember(roomID, identityID, note, typed); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return models.JoinResponse{}, fmt.Errorf("update join request: %w", err)
			}
		}
		return models.JoinResponse{Message: "Join request already pending", Status: existing.Status}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return models.JoinResponse{}, fmt.Errorf("load member: %w", err)
	}

	alias := r.alias()
	if err := r.store.AddMember(storage.Member{
		RoomID:      roomID,
		IdentityID:  identityID,
		Alias:       alias,
		Status:      storage.MemberStatusPending,
		JoinNote:    note,
		TypedPhrase: typed,
		RequestedAt: r.now().UnixMilli(),
	}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return models.JoinResponse{Message: "Join request already pending", Status: storage.MemberStatusPending}, nil
		}
		return models.JoinResponse{}, fmt.Errorf("add member: %w", err)
	}

	r.audit(storage.AuditJoinRequested, storage.AuditSeverityInfo, identityID, roomID, map[string]bool{
		"phraseTyped": typed != nil,
		"phraseMatch": typed != nil && room.CodePhraseHash != nil && crypto.CompareSecret(*room.CodePhraseHash, *typed),
	})
	r.log.Infof("Join request for room %s from %s", roomID, identityID)
	return models.JoinResponse{Message: "Join request submitted", Status: storage.MemberStatusPending, Alias: alias}, nil
}

// Approve moves a member to approved. Only the room admin may approve.
func (r *Registry) Approve(adminID string, req models.MemberActionRequest) (models.ApproveResponse, error) {
	room, err := r.loadRoom(req.RoomID)
	if err != nil {
		return models.ApproveResponse{}, err
	}
	if room.AdminID != adminID {
		return models.ApproveResponse{}, models.Reason(models.ErrForbidden, "Only admin can approve")
	}

	member, err := r.store.GetMember(room.RoomID, req.MemberID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.ApproveResponse{}, models.Reason(models.ErrNotFound, "Member not found")
		}
		return models.ApproveResponse{}, fmt.Errorf("load member: %w", err)
	}
	if err := r.store.ApproveMember(room.RoomID, member.IdentityID, r.now().UnixMilli()); err != nil {
		return models.ApproveResponse{}, fmt.Errorf("approve member: %w", err)
	}

	r.audit(storage.AuditMemberApproved, storage.AuditSeverityInfo, member.IdentityID, room.RoomID, map[string]string{"approvedBy": adminID})
	r.log.Infof("Approved %s in room %s", member.IdentityID, room.RoomID)
	return models.ApproveResponse{Message: "Member approved", Alias: member.Alias}, nil
}

// Deny removes a pending request. Approved members are never removed.
func (r *Registry) Deny(adminID string, req models.MemberActionRequest) (models.DenyResponse, error) {
	room, err := r.loadRoom(req.RoomID)
	if err != nil {
		return models.DenyResponse{}, err
	}
	if room.AdminID != adminID {
		return models.DenyResponse{}, models.Reason(models.ErrForbidden, "Only admin can deny")
	}

	if err := r.store.DeletePendingMember(room.RoomID, req.MemberID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.DenyResponse{}, models.Reason(models.ErrNotFound, "Pending member not found")
		}
		return models.DenyResponse{}, fmt.Errorf("deny member: %w", err)
	}

	r.audit(storage.AuditMemberDenied, storage.AuditSeverityInfo, req.MemberID, room.RoomID, map[string]string{"deniedBy": adminID})
	return models.DenyResponse{Message: "Member denied"}, nil
}

// ListMine returns every room the caller has a member row in.
func (r *Registry) ListMine(identityID string) (models.MyRoomsResponse, error) {
	rooms, err := r.store.ListRoomsForIdentity(identityID)
	if err != nil {
		return models.MyRoomsResponse{}, fmt.Errorf("list rooms: %w", err)
	}

	ids := make([]string, len(rooms))
	for i, room := range rooms {
		ids[i] = room.RoomID
	}
	members, err := r.store.GetMembersForRooms(ids)
	if err != nil {
		return models.MyRoomsResponse{}, fmt.Errorf("list room members: %w", err)
	}

	out := models.MyRoomsResponse{Rooms: make([]models.RoomSummary, 0, len(rooms))}
	for _, room := range rooms {
		summary := models.RoomSummary{
			RoomID:    room.RoomID,
			Type:      room.Type,
			ExpiresAt: millisTime(room.ExpiresAt),
			Members:   make([]models.MemberSummary, 0, len(members[room.RoomID])),
		}
		for _, m := range members[room.RoomID] {
			summary.Members = append(summary.Members, models.MemberSummary{
				UserID: m.IdentityID,
				Alias:  m.Alias,
				Status: m.Status,
			})
		}
		out.Rooms = append(out.Rooms, summary)
	}
	return out, nil
}

// Members returns approved members with their directory keys. The caller must
// be an approved member.
func (r *Registry) Members(identityID, roomID string) (models.RoomMembersResponse, error) {
	approved, err := r.ApprovedMembers(identityID, roomID)
	if err != nil {
		return models.RoomMembersResponse{}, err
	}

	ids := make([]string, len(approved))
	for i, m := range approved {
		ids[i] = m.IdentityID
	}
	identities, err := r.store.GetIdentities(ids)
	if err != nil {
		return models.RoomMembersResponse{}, fmt.Errorf("load member identities: %w", err)
	}

	out := models.RoomMembersResponse{RoomID: roomID, Members: make([]models.MemberKey, 0, len(approved))}
	for _, m := range approved {
		key := models.MemberKey{UserID: m.IdentityID, Alias: m.Alias}
		if identity, ok := identities[m.IdentityID]; ok {
			username := identity.Username
			key.Username = &username
			key.PublicKey = identity.PublicKey
		}
		out.Members = append(out.Members, key)
	}
	return out, nil
}

// ApprovedMembers returns the approved members of roomID after checking that
// identityID is one of them.
func (r *Registry) ApprovedMembers(identityID, roomID string) ([]storage.Member, error) {
	members, err := r.store.GetMembers(roomID)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}

	approved := make([]storage.Member, 0, len(members))
	isMember := false
	for _, m := range members {
		if !m.Approved() {
			continue
		}
		approved = append(approved, m)
		if m.IdentityID == identityID {
			isMember = true
		}
	}
	if !isMember {
		return nil, models.Reason(models.ErrForbidden, "Not a member")
	}
	return approved, nil
}

// Info returns the room with every member's status. Join notes are shown only
// to the admin and usernames are never included.
func (r *Registry) Info(identityID, roomID string) (models.RoomInfoResponse, error) {
	room, err := r.loadRoom(roomID)
	if err != nil {
		return models.RoomInfoResponse{}, err
	}
	members, err := r.store.GetMembers(room.RoomID)
	if err != nil {
		return models.RoomInfoResponse{}, fmt.Errorf("load members: %w", err)
	}

	isMember := false
	for _, m := range members {
		if m.IdentityID == identityID {
			isMember = true
			break
		}
	}
	if !isMember {
		return models.RoomInfoResponse{}, models.Reason(models.ErrForbidden, "Not a member")
	}

	isAdmin := room.AdminID == identityID
	out := models.RoomInfoResponse{
		RoomID:    room.RoomID,
		IsAdmin:   isAdmin,
		ExpiresAt: millisTime(room.ExpiresAt),
		Members:   make([]models.MemberInfo, 0, len(members)),
	}
	for _, m := range members {
		requestedAt := m.RequestedAt
		info := models.MemberInfo{
			UserID:      m.IdentityID,
			Alias:       m.Alias,
			Status:      m.Status,
			RequestedAt: millisTime(&requestedAt),
		}
		if isAdmin {
			info.JoinNote = m.JoinNote
		}
		out.Members = append(out.Members, info)
	}
	return out, nil
}

// StartDirect returns the direct room between the caller and a target,
// creating it on first use.
func (r *Registry) StartDirect(identityID string, req models.StartDirectRequest) (models.StartDirectResponse, error) {
	targetID := strings.TrimSpace(req.TargetUserID)
	targetName := strings.ToLower(strings.TrimSpace(req.TargetUsername))
	if targetID == "" && targetName == "" {
		return models.StartDirectResponse{}, models.Reason(models.ErrInvalidPayload, "Provide targetUsername or targetUserId")
	}

	var (
		target *storage.Identity
		err    error
	)
	if targetID != "" {
		target, err = r.store.GetIdentity(targetID)
	} else {
		target, err = r.store.GetIdentityByUsername(targetName)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.StartDirectResponse{}, models.Reason(models.ErrNotFound, "Target user not found")
		}
		return models.StartDirectResponse{}, fmt.Errorf("load target: %w", err)
	}
	if target.ID == identityID {
		return models.StartDirectResponse{}, models.Reason(models.ErrInvalidPayload, "Cannot start DM with yourself")
	}

	pairKey := PairKey(identityID, target.ID)
	if existing, err := r.store.GetRoomByPairKey(pairKey); err == nil {
		return models.StartDirectResponse{RoomID: existing.RoomID, Type: models.RoomTypeDirect, Reused: true}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return models.StartDirectResponse{}, fmt.Errorf("load direct room: %w", err)
	}

	now := r.now().UnixMilli()
	var roomID string
	for attempt := 0; ; attempt++ {
		id, err := r.newRoomID(directRoomIDLength)
		if err != nil {
			return models.StartDirectResponse{}, fmt.Errorf("generate room id: %w", err)
		}
		err = r.store.CreateRoom(
			storage.Room{
				RoomID:    id,
				Type:      storage.RoomTypeDirect,
				AdminID:   identityID,
				PairKey:   &pairKey,
				CreatedAt: now,
			},
			[]storage.Member{
				{IdentityID: identityID, Alias: r.alias(), Status: storage.MemberStatusApproved, RequestedAt: now, ApprovedAt: &now},
				{IdentityID: target.ID, Alias: r.alias(), Status: storage.MemberStatusApproved, RequestedAt: now, ApprovedAt: &now},
			},
		)
		if err == nil {
			roomID = id
			break
		}
		if !errors.Is(err, storage.ErrConflict) {
			return models.StartDirectResponse{}, fmt.Errorf("create direct room: %w", err)
		}

		// Either the other party created the pair first or the id is taken.
		existing, lookupErr := r.store.GetRoomByPairKey(pairKey)
		if lookupErr == nil {
			return models.StartDirectResponse{RoomID: existing.RoomID, Type: models.RoomTypeDirect, Reused: true}, nil
		}
		if !errors.Is(lookupErr, storage.ErrNotFound) {
			return models.StartDirectResponse{}, fmt.Errorf("load direct room after conflict: %w", lookupErr)
		}
		if attempt+1 >= createAttempts {
			return models.StartDirectResponse{}, fmt.Errorf("create direct room: %w", err)
		}
	}

	r.log.Infof("Created direct room %s", roomID)
	return models.StartDirectResponse{RoomID: roomID, Type: models.RoomTypeDirect, Reused: false}, nil
}

func (r *Registry) loadRoom(roomID string) (*storage.Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, models.Reason(models.ErrInvalidPayload, "roomId required")
	}
	room, err := r.store.GetRoom(roomID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, models.Reason(models.ErrNotFound, "Room not found")
		}
		return nil, fmt.Errorf("load room: %w", err)
	}
	return room, nil
}

func (r *Registry) audit(eventType, severity, identityID, roomID string, details any) {
	if details == nil {
		details = struct{}{}
	}
	if err := r.store.LogAudit(eventType, severity, identityID, roomID, details); err != nil {
		r.log.Warningf("Failed to record %s audit event: %v", eventType, err)
	}
}

func truncatedPtr(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if runes := []rune(value); len(runes) > maxNoteLength {
		value = string(runes[:maxNoteLength])
	}
	return &value
}

func millisTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
