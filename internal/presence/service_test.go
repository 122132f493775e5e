package presence

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/treedoc/internal/ws"
)

func startPresenceGateway(t *testing.T) (*Service, string) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	registry := ws.NewConnectionRegistry()
	svc := NewService(nil, registry, "site-a", logger)
	gw, err := ws.NewGateway(ws.QueryAuthenticator, registry, logger, svc.WrapHooks(ws.Hooks{}), ws.GatewayConfig{DefaultDocument: "doc"})
	require.NoError(t, err)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return svc, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func join(t *testing.T, url, client string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url+"?client_id="+client, nil)
	require.NoError(t, err)
	resp.Body.Close()
	return conn
}

func nextPresence(t *testing.T, conn *websocket.Conn) []ws.PresenceEntry {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg ws.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == ws.TypePresence {
			return msg.Presence
		}
	}
}

func clients(entries []ws.PresenceEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Client)
	}
	return out
}

func TestPresence_LocalRoster(t *testing.T) {
	svc, url := startPresenceGateway(t)

	alice := join(t, url, "alice")
	defer alice.Close()
	assert.Equal(t, []string{"alice"}, clients(nextPresence(t, alice)))

	bob := join(t, url, "bob")
	assert.Equal(t, []string{"alice", "bob"}, clients(nextPresence(t, bob)))
	assert.Equal(t, []string{"bob"}, clients(nextPresence(t, alice)))

	require.NoError(t, bob.WriteJSON(ws.ClientMessage{Type: ws.TypePing, Metadata: map[string]string{"cursor": "site-a-3"}}))
	update := nextPresence(t, alice)
	require.Len(t, update, 1)
	assert.Equal(t, "site-a-3", update[0].Metadata["cursor"])

	require.NoError(t, bob.Close())
	gone := nextPresence(t, alice)
	require.Len(t, gone, 1)
	assert.Equal(t, "bob", gone[0].Client)
	assert.True(t, gone[0].Disconnected)

	roster, err := svc.Roster(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, clients(roster))
}

func TestPresence_TouchValidatesIdentifiers(t *testing.T) {
	svc := NewService(nil, nil, "site-a", zerolog.Nop())
	assert.Error(t, svc.Touch(context.Background(), "", "alice", nil, nil))
	require.NoError(t, svc.Touch(context.Background(), "doc", "alice", nil, nil))

	svc.Clear(context.Background(), "doc", "alice")
	roster, err := svc.Roster(context.Background(), "doc")
	require.NoError(t, err)
	assert.Empty(t, roster)
}

func TestDecodeEntry(t *testing.T) {
	_, err := decodeEntry([]byte(`{"document":"doc"}`))
	assert.Error(t, err)
	_, err = decodeEntry([]byte(`not json`))
	assert.Error(t, err)

	entry, err := decodeEntry([]byte(`{"document":"doc","client":"c1","site":"s"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", entry.Client)
}

func TestPresence_ExpiresSilentClients(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(nil, nil, "site-a", zerolog.Nop(), WithTTL(10*time.Second))
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.Touch(context.Background(), "doc", "alice", nil, nil))
	now = now.Add(6 * time.Second)
	require.NoError(t, svc.Touch(context.Background(), "doc", "bob", nil, nil))

	now = now.Add(5 * time.Second)
	svc.pruneExpired()

	roster, err := svc.Roster(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, clients(roster))
}
