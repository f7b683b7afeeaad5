package rooms

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"baatcheet/logging"
	"baatcheet/models"
	"baatcheet/storage"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, usernames ...string) (*Registry, *storage.Store) {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, name := range usernames {
		require.NoError(t, store.CreateIdentity(storage.Identity{
			ID:           "id-" + name,
			Username:     name,
			PasswordHash: "hash",
		}))
	}

	backend, err := logging.New("", "ERROR", true)
	require.NoError(t, err)
	return NewRegistry(store, backend.GetLogger("rooms")), store
}

func TestPairKeyIsCanonical(t *testing.T) {
	require.Equal(t, "a|b", PairKey("a", "b"))
	require.Equal(t, "a|b", PairKey("b", "a"))
}

func TestRandomAliasShape(t *testing.T) {
	for i := 0; i < 50; i++ {
		alias := RandomAlias()
		matched := false
		for _, word := range aliasWords {
			if strings.HasPrefix(alias, word) {
				matched = true
				suffix := strings.TrimPrefix(alias, word)
				require.NotEmpty(t, suffix)
				require.LessOrEqual(t, len(suffix), 2)
			}
		}
		require.True(t, matched, alias)
	}
}

func TestCreateGroupMakesAdminApproved(t *testing.T) {
	reg, store := newTestRegistry(t, "alice")

	resp, err := reg.CreateGroup("id-alice", models.CreateRoomRequest{CodePhrase: "open sesame", DurationMinutes: 30})
	require.NoError(t, err)
	require.Len(t, resp.RoomID, groupRoomIDLength)
	require.NotEmpty(t, resp.Alias)
	require.NotNil(t, resp.ExpiresAt)
	require.WithinDuration(t, time.Now().Add(30*time.Minute), *resp.ExpiresAt, time.Minute)

	room, err := store.GetRoom(resp.RoomID)
	require.NoError(t, err)
	require.Equal(t, storage.RoomTypeGroup, room.Type)
	require.NotNil(t, room.CodePhraseHash)

	member, err := store.GetMember(resp.RoomID, "id-alice")
	require.NoError(t, err)
	require.True(t, member.Approved())
	require.Equal(t, resp.Alias, member.Alias)

	_, err = reg.CreateGroup("id-alice", models.CreateRoomRequest{DurationMinutes: -1})
	require.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestJoinApproveFlow(t *testing.T) {
	reg, store := newTestRegistry(t, "alice", "bob")

	created, err := reg.CreateGroup("id-alice", models.CreateRoomRequest{CodePhrase: "secret"})
	require.NoError(t, err)

	joined, err := reg.RequestJoin("id-bob", models.JoinRequest{RoomID: created.RoomID, CodePhrase: "wrong guess", JoinNote: "hi"})
	require.NoError(t, err)
	require.Equal(t, "Join request submitted", joined.Message)
	require.Equal(t, models.MemberStatusPending, joined.Status)
	require.NotEmpty(t, joined.Alias)

	again, err := reg.RequestJoin("id-bob", models.JoinRequest{RoomID: created.RoomID, JoinNote: "it's bob"})
	require.NoError(t, err)
	require.Equal(t, "Join request already pending", again.Message)

	member, err := store.GetMember(created.RoomID, "id-bob")
	require.NoError(t, err)
	require.Equal(t, "it's bob", *member.JoinNote)
	require.Equal(t, "wrong guess", *member.TypedPhrase)

	// A wrong phrase never blocks approval.
	_, err = reg.Approve("id-bob", models.MemberActionRequest{RoomID: created.RoomID, MemberID: "id-bob"})
	require.ErrorIs(t, err, models.ErrForbidden)
	require.Equal(t, "Only admin can approve", models.ReasonOf(err, ""))

	approved, err := reg.Approve("id-alice", models.MemberActionRequest{RoomID: created.RoomID, MemberID: "id-bob"})
	require.NoError(t, err)
	require.Equal(t, "Member approved", approved.Message)
	require.Equal(t, joined.Alias, approved.Alias)

	member, err = store.GetMember(created.RoomID, "id-bob")
	require.NoError(t, err)
	require.True(t, member.Approved())
	require.NotNil(t, member.ApprovedAt)

	member2, err := reg.RequestJoin("id-bob", models.JoinRequest{RoomID: created.RoomID})
	require.NoError(t, err)
	require.Equal(t, "Already a member", member2.Message)

	_, err = reg.Approve("id-alice", models.MemberActionRequest{RoomID: created.RoomID, MemberID: "id-nobody"})
	require.ErrorIs(t, err, models.ErrNotFound)

	events, err := store.GetAuditEvents(storage.AuditEventFilter{RoomID: created.RoomID})
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	require.Contains(t, types, storage.AuditJoinRequested)
	require.Contains(t, types, storage.AuditMemberApproved)
}

func TestJoinTruncatesNote(t *testing.T) {
	reg, store := newTestRegistry(t, "alice", "bob")

	created, err := reg.CreateGroup("id-alice", models.CreateRoomRequest{})
	require.NoError(t, err)

	_, err = reg.RequestJoin("id-bob", models.JoinRequest{RoomID: created.RoomID, JoinNote: strings.Repeat("n", 500)})
	require.NoError(t, err)

	member, err := store.GetMember(created.RoomID, "id-bob")
	require.NoError(t, err)
	require.Len(t, *member.JoinNote, maxNoteLength)
}

func TestJoinRejectsMissingAndExpiredRooms(t *testing.T) {
	reg, store := newTestRegistry(t, "alice", "bob")

	_, err := reg.RequestJoin("id-bob", models.JoinRequest{RoomID: "nope1234"})
	require.ErrorIs(t, err, models.ErrNotFound)

	created, err := reg.CreateGroup("id-alice", models.CreateRoomRequest{DurationMinutes: 1})
	require.NoError(t, err)

	reg.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = reg.RequestJoin("id-bob", models.JoinRequest{RoomID: created.RoomID})
	require.ErrorIs(t, err, models.ErrExpired)

	_, err = store.GetMember(created.RoomID, "id-bob")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDenyOnlyRemovesPending(t *testing.T) {
	reg, store := newTestRegistry(t, "alice", "bob", "carol")

	created, err := reg.CreateGroup("id-alice", models.CreateRoomRequest{})
	require.NoError(t, err)
	_, err = reg.RequestJoin("id-bob", models.JoinRequest{RoomID: created.RoomID})
	require.NoError(t, err)
	_, err = reg.RequestJoin("id-carol", models.JoinRequest{RoomID: created.RoomID})
	require.NoError(t, err)
	_, err = reg.Approve("id-alice", models.MemberActionRequest{RoomID: created.RoomID, MemberID: "id-carol"})
	require.NoError(t, err)

	_, err = reg.Deny("id-bob", models.MemberActionRequest{RoomID: created.RoomID, MemberID: "id-bob"})
	require.ErrorIs(t, err, models.ErrForbidden)

	denied, err := reg.Deny("id-alice", models.MemberActionRequest{RoomID: created.RoomID, MemberID: "id-bob"})
	require.NoError(t, err)
	require.Equal(t, "Member denied", denied.Message)
	_, err = store.GetMember(created.RoomID, "id-bob")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = reg.Deny("id-alice", models.MemberActionRequest{RoomID: created.RoomID, MemberID: "id-carol"})
	require.ErrorIs(t, err, models.ErrNotFound)
	require.Equal(t, "Pending member not found", models.ReasonOf(err, ""))
}

func TestMembersAndInfoVisibility(t *testing.T) {
	reg, store := newTestRegistry(t, "alice", "bob", "carol")

	created, err := reg.CreateGroup("id-alice", models.CreateRoomRequest{})
	require.NoError(t, err)
	_, err = reg.RequestJoin("id-bob", models.JoinRequest{RoomID: created.RoomID, JoinNote: "let me in"})
	require.NoError(t, err)
	require.NoError(t, store.SetPublicKey("id-alice", "alice-key"))

	// Pending members can see info but not the key directory.
	_, err = reg.Members("id-bob", created.RoomID)
	require.ErrorIs(t, err, models.ErrForbidden)

	bobView, err := reg.Info("id-bob", created.RoomID)
	require.NoError(t, err)
	require.False(t, bobView.IsAdmin)
	require.Len(t, bobView.Members, 2)
	for _, m := range bobView.Members {
		require.Nil(t, m.JoinNote)
	}

	adminView, err := reg.Info("id-alice", created.RoomID)
	require.NoError(t, err)
	require.True(t, adminView.IsAdmin)
	require.Equal(t, "let me in", *adminView.Members[1].JoinNote)

	_, err = reg.Info("id-carol", created.RoomID)
	require.ErrorIs(t, err, models.ErrForbidden)

	_, err = reg.Info("id-carol", "missing1")
	require.ErrorIs(t, err, models.ErrNotFound)

	keys, err := reg.Members("id-alice", created.RoomID)
	require.NoError(t, err)
	require.Len(t, keys.Members, 1)
	require.Equal(t, "alice", *keys.Members[0].Username)
	require.Equal(t, "alice-key", *keys.Members[0].PublicKey)

	_, err = reg.Approve("id-alice", models.MemberActionRequest{RoomID: created.RoomID, MemberID: "id-bob"})
	require.NoError(t, err)
	keys, err = reg.Members("id-bob", created.RoomID)
	require.NoError(t, err)
	require.Len(t, keys.Members, 2)
	require.Nil(t, keys.Members[1].PublicKey)
}

func TestListMineIncludesPendingRooms(t *testing.T) {
	reg, _ := newTestRegistry(t, "alice", "bob")

	created, err := reg.CreateGroup("id-alice", models.CreateRoomRequest{})
	require.NoError(t, err)
	_, err = reg.RequestJoin("id-bob", models.JoinRequest{RoomID: created.RoomID})
	require.NoError(t, err)

	mine, err := reg.ListMine("id-bob")
	require.NoError(t, err)
	require.Len(t, mine.Rooms, 1)
	require.Equal(t, created.RoomID, mine.Rooms[0].RoomID)
	require.Equal(t, models.RoomTypeGroup, mine.Rooms[0].Type)
	require.Len(t, mine.Rooms[0].Members, 2)
}

func TestStartDirectIsIdempotentPerPair(t *testing.T) {
	reg, store := newTestRegistry(t, "alice", "bob")

	first, err := reg.StartDirect("id-alice", models.StartDirectRequest{TargetUsername: " BOB "})
	require.NoError(t, err)
	require.False(t, first.Reused)
	require.Equal(t, models.RoomTypeDirect, first.Type)
	require.Len(t, first.RoomID, directRoomIDLength)

	second, err := reg.StartDirect("id-bob", models.StartDirectRequest{TargetUserID: "id-alice"})
	require.NoError(t, err)
	require.True(t, second.Reused)
	require.Equal(t, first.RoomID, second.RoomID)

	members, err := store.GetMembers(first.RoomID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	for _, m := range members {
		require.True(t, m.Approved())
		require.NotNil(t, m.ApprovedAt)
	}

	_, err = reg.RequestJoin("id-bob", models.JoinRequest{RoomID: first.RoomID})
	require.ErrorIs(t, err, models.ErrForbidden)
}

func TestStartDirectConcurrentCallsShareRoom(t *testing.T) {
	reg, _ := newTestRegistry(t, "alice", "bob")

	var (
		wg  sync.WaitGroup
		ids [2]string
	)
	for i, pair := range [][2]string{{"id-alice", "id-bob"}, {"id-bob", "id-alice"}} {
		wg.Add(1)
		go func(i int, from, to string) {
			defer wg.Done()
			resp, err := reg.StartDirect(from, models.StartDirectRequest{TargetUserID: to})
			if err == nil {
				ids[i] = resp.RoomID
			}
		}(i, pair[0], pair[1])
	}
	wg.Wait()

	require.NotEmpty(t, ids[0])
	require.Equal(t, ids[0], ids[1])
}

func TestStartDirectRetriesOnRoomIDCollision(t *testing.T) {
	reg, store := newTestRegistry(t, "alice", "bob")

	group, err := reg.CreateGroup("id-alice", models.CreateRoomRequest{})
	require.NoError(t, err)

	candidates := []string{group.RoomID, "direct0001"}
	reg.newRoomID = func(int) (string, error) {
		id := candidates[0]
		if len(candidates) > 1 {
			candidates = candidates[1:]
		}
		return id, nil
	}

	resp, err := reg.StartDirect("id-alice", models.StartDirectRequest{TargetUsername: "bob"})
	require.NoError(t, err)
	require.False(t, resp.Reused)
	require.Equal(t, "direct0001", resp.RoomID)

	room, err := store.GetRoom(group.RoomID)
	require.NoError(t, err)
	require.Equal(t, storage.RoomTypeGroup, room.Type)

	// Every candidate taken: the attempts run out.
	reg.newRoomID = func(int) (string, error) { return group.RoomID, nil }
	require.NoError(t, store.CreateIdentity(storage.Identity{ID: "id-carol", Username: "carol", PasswordHash: "hash"}))
	_, err = reg.StartDirect("id-bob", models.StartDirectRequest{TargetUserID: "id-carol"})
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestStartDirectRejectsSelfAndUnknown(t *testing.T) {
	reg, _ := newTestRegistry(t, "alice")

	_, err := reg.StartDirect("id-alice", models.StartDirectRequest{})
	require.ErrorIs(t, err, models.ErrInvalidPayload)

	_, err = reg.StartDirect("id-alice", models.StartDirectRequest{TargetUsername: "alice"})
	require.ErrorIs(t, err, models.ErrInvalidPayload)

	_, err = reg.StartDirect("id-alice", models.StartDirectRequest{TargetUsername: "ghost"})
	require.ErrorIs(t, err, models.ErrNotFound)
}
