package storage

import "testing"

func TestPushTokenRegistrationAndPruning(t *testing.T) {
	store := newTestStore(t)
	mustCreateIdentity(t, store, "u1", "user1")
	mustCreateIdentity(t, store, "u2", "user2")

	device := "pixel"
	if err := store.AddPushToken(PushToken{Token: "tok-a", IdentityID: "u1", DeviceID: &device}); err != nil {
		t.Fatalf("AddPushToken tok-a failed: %v", err)
	}
	if err := store.AddPushToken(PushToken{Token: "tok-b", IdentityID: "u2", Platform: "ios"}); err != nil {
		t.Fatalf("AddPushToken tok-b failed: %v", err)
	}
	// Re-registering moves the token to the new owner.
	if err := store.AddPushToken(PushToken{Token: "tok-a", IdentityID: "u2"}); err != nil {
		t.Fatalf("AddPushToken re-register failed: %v", err)
	}

	u1Tokens, err := store.GetPushTokens([]string{"u1"})
	if err != nil {
		t.Fatalf("GetPushTokens u1 failed: %v", err)
	}
	if len(u1Tokens) != 0 {
		t.Fatalf("expected no tokens for u1, got %+v", u1Tokens)
	}

	u2Tokens, err := store.GetPushTokens([]string{"u2"})
	if err != nil {
		t.Fatalf("GetPushTokens u2 failed: %v", err)
	}
	if len(u2Tokens) != 2 {
		t.Fatalf("expected 2 tokens for u2, got %d", len(u2Tokens))
	}

	removed, err := store.DeletePushTokens([]string{"tok-a", "unknown"})
	if err != nil {
		t.Fatalf("DeletePushTokens failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned token, got %d", removed)
	}

	if err := store.RemovePushToken("u2", "tok-b"); err != nil {
		t.Fatalf("RemovePushToken failed: %v", err)
	}
	remaining, err := store.GetPushTokens([]string{"u1", "u2"})
	if err != nil {
		t.Fatalf("GetPushTokens remaining failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected all tokens removed, got %+v", remaining)
	}
}
