package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRoutes_HealthAndSessions(t *testing.T) {
	h := newTestHub(t, clockwork.NewRealClock(), time.Minute)
	ts := httptest.NewServer(Routes(h, zaptest.NewLogger(t)))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, _, _, _, sessionID := pairPeers(t, h)

	resp, err = http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var views []SessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	require.Len(t, views, 1)
	require.Equal(t, sessionID, views[0].ID)
	require.True(t, views[0].Paired)
	require.ElementsMatch(t, []string{"ash", "gary"}, views[0].Peers)
}

func TestRoutes_ObserverFeedSeesPairing(t *testing.T) {
	h := newTestHub(t, clockwork.NewRealClock(), time.Minute)
	ts := httptest.NewServer(Routes(h, zaptest.NewLogger(t)))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the subscribe message time to reach the hub before pairing.
	time.Sleep(50 * time.Millisecond)
	pairPeers(t, h)

	kinds := map[string]bool{}
	for !kinds["paired"] {
		_, payload, err := conn.Read(ctx)
		require.NoError(t, err, "feed closed before pairing was announced")
		var ev Event
		require.NoError(t, json.Unmarshal(payload, &ev))
		kinds[ev.Kind] = true
	}
	require.True(t, kinds["registered"])
}
