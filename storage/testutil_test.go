package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustCreateIdentity(t *testing.T, store *Store, identityID, username string) {
	t.Helper()

	err := store.CreateIdentity(Identity{
		ID:           identityID,
		Username:     username,
		PasswordHash: "hash-" + identityID,
	})
	if err != nil {
		t.Fatalf("create identity %q: %v", identityID, err)
	}
}

func mustCreateGroupRoom(t *testing.T, store *Store, roomID, adminID string) {
	t.Helper()

	approvedAt := nowUnixMilli()
	err := store.CreateRoom(Room{
		RoomID:  roomID,
		Type:    RoomTypeGroup,
		AdminID: adminID,
	}, []Member{{
		IdentityID: adminID,
		Alias:      "Admin1",
		Status:     MemberStatusApproved,
		ApprovedAt: &approvedAt,
	}})
	if err != nil {
		t.Fatalf("create room %q: %v", roomID, err)
	}
}
