package storage

import (
	"errors"
	"testing"
)

func TestCreateIdentityFoldsUsernameAndRejectsDuplicates(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateIdentity(Identity{
		ID:           "id-alice",
		Username:     "  Alice ",
		PasswordHash: "hash",
	}); err != nil {
		t.Fatalf("CreateIdentity failed: %v", err)
	}

	identity, err := store.GetIdentityByUsername("ALICE")
	if err != nil {
		t.Fatalf("GetIdentityByUsername failed: %v", err)
	}
	if identity.ID != "id-alice" || identity.Username != "alice" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if identity.PublicKey != nil {
		t.Fatalf("expected no public key before upload")
	}

	err = store.CreateIdentity(Identity{
		ID:           "id-alice-2",
		Username:     "alice",
		PasswordHash: "hash",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate username, got %v", err)
	}
}

func TestSetPublicKeyLastWriteWins(t *testing.T) {
	store := newTestStore(t)
	mustCreateIdentity(t, store, "id-bob", "bob")

	if err := store.SetPublicKey("id-bob", "key-one"); err != nil {
		t.Fatalf("first SetPublicKey failed: %v", err)
	}
	if err := store.SetPublicKey("id-bob", "key-two"); err != nil {
		t.Fatalf("second SetPublicKey failed: %v", err)
	}

	identity, err := store.GetIdentity("id-bob")
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}
	if identity.PublicKey == nil || *identity.PublicKey != "key-two" {
		t.Fatalf("expected last uploaded key, got %v", identity.PublicKey)
	}

	if err := store.SetPublicKey("missing", "key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown identity, got %v", err)
	}
}

func TestBumpTokenVersion(t *testing.T) {
	store := newTestStore(t)
	mustCreateIdentity(t, store, "id-carol", "carol")

	version, err := store.BumpTokenVersion("id-carol")
	if err != nil {
		t.Fatalf("BumpTokenVersion failed: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected token version 1, got %d", version)
	}

	if _, err := store.BumpTokenVersion("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetIdentitiesSkipsUnknownIDs(t *testing.T) {
	store := newTestStore(t)
	mustCreateIdentity(t, store, "id-1", "one")
	mustCreateIdentity(t, store, "id-2", "two")

	found, err := store.GetIdentities([]string{"id-1", "id-2", "id-3"})
	if err != nil {
		t.Fatalf("GetIdentities failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(found))
	}
	if found["id-2"].Username != "two" {
		t.Fatalf("unexpected identity for id-2: %+v", found["id-2"])
	}
}
