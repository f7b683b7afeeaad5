package commands

import (
	"bytes"
	"context"
	"regexp"
	"testing"
	"time"

	"baatcheet/config"
	"baatcheet/relay"

	"github.com/stretchr/testify/require"
)

const testPassword = "correct horse battery"

func startRelay(t *testing.T) string {
	t.Helper()
	t.Setenv("BAATCHEET_CONFIG", "")
	t.Setenv("BAATCHEET_DATA_DIR", t.TempDir())
	t.Setenv("BAATCHEET_PASSWORD", "")

	cfg, err := config.LoadRelay("")
	require.NoError(t, err)
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Logging.Disable = true

	r, err := relay.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.Shutdown()
		r.Wait()
	})
	return r.BaseURL()
}

func run(t *testing.T, home string, args ...string) string {
	t.Helper()
	out, err := runErr(home, args...)
	require.NoError(t, err, out)
	return out
}

func runErr(home string, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(append([]string{"--home", home}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

func field(t *testing.T, out, label string) string {
	t.Helper()
	m := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(label) + `:\s+(\S+)`).FindStringSubmatch(out)
	require.Len(t, m, 2, "no %q in %q", label, out)
	return m[1]
}

func TestRoomConversationFromTheCLI(t *testing.T) {
	baseURL := startRelay(t)
	aliceHome, bobHome := t.TempDir(), t.TempDir()

	out := run(t, aliceHome, "--relay", baseURL, "register", "alice", "--password", testPassword)
	require.Equal(t, "alice", field(t, out, "User"))
	require.NotEmpty(t, field(t, out, "Fingerprint"))

	out = run(t, bobHome, "--relay", baseURL, "register", "bob", "--password", testPassword)
	bobID := field(t, out, "User ID")

	out = run(t, aliceHome, "room", "create", "--phrase", "blue moon")
	roomID := field(t, out, "Room")

	out = run(t, bobHome, "room", "join", roomID, "--phrase", "blue moon", "--note", "it's bob")
	require.Contains(t, out, "Join request submitted")

	out = run(t, aliceHome, "room", "info", roomID)
	require.Contains(t, out, "it's bob")

	out = run(t, aliceHome, "room", "approve", roomID, bobID)
	require.Contains(t, out, "Member approved")

	out = run(t, aliceHome, "room", "members", roomID)
	require.Contains(t, out, "published")

	out = run(t, aliceHome, "send", roomID, "hello", "bob")
	require.Contains(t, out, "sent ")
	require.NotContains(t, out, "warning")

	out = run(t, bobHome, "history", roomID)
	require.Contains(t, out, "hello bob")

	out = run(t, bobHome, "room", "list")
	require.Contains(t, out, roomID)
}

func TestCommandsRequireLogin(t *testing.T) {
	home := t.TempDir()
	out, err := runErr(home, "room", "list")
	require.Error(t, err)
	require.Contains(t, out, "not logged in")

	_, err = runErr(home, "send", "room0001", "hi")
	require.Error(t, err)
}

func TestKeysShowsState(t *testing.T) {
	out := run(t, t.TempDir(), "keys")
	require.Equal(t, "no", field(t, out, "Key State"))
}

func TestLoginReusesUploadedKey(t *testing.T) {
	baseURL := startRelay(t)
	home := t.TempDir()

	first := run(t, home, "--relay", baseURL, "register", "mira", "--password", testPassword)
	run(t, home, "logout")
	second := run(t, home, "login", "mira", "--password", testPassword)
	require.Equal(t, field(t, first, "Fingerprint"), field(t, second, "Fingerprint"))

	out := run(t, home, "keys")
	require.Equal(t, "uploaded", field(t, out, "Key State"))
}

func TestParseBefore(t *testing.T) {
	zero, err := parseBefore("")
	require.NoError(t, err)
	require.True(t, zero.IsZero())

	ms, err := parseBefore("1700000000000")
	require.NoError(t, err)
	require.Equal(t, int64(1700000000000), ms.UnixMilli())

	ts, err := parseBefore("2024-01-02T03:04:05Z")
	require.NoError(t, err)
	require.Equal(t, 2024, ts.Year())

	_, err = parseBefore("yesterday")
	require.Error(t, err)
}

func TestDetectContentType(t *testing.T) {
	require.Equal(t, "image/png", detectContentType("cat.png", nil))
	require.Equal(t, "text/plain; charset=utf-8", detectContentType("notes", []byte("plain words")))
}
