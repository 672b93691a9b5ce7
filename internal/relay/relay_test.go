package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func TestIsDashboardToBotTypeCoversNamedAndPrefixedTypes(t *testing.T) {
	require.True(t, isDashboardToBotType("trai_query"))
	require.True(t, isDashboardToBotType("timeframe_change"))
	require.True(t, isDashboardToBotType("request_journal_export"))
	require.True(t, isDashboardToBotType("request_replay_start"))
	require.False(t, isDashboardToBotType("price"))
}

func TestBotToDashboardTypesMatchesSpecSet(t *testing.T) {
	for _, typ := range []string{"price", "decision", "status", "alert", "pattern_update"} {
		require.True(t, botToDashboardTypes[typ], typ)
	}
	require.False(t, botToDashboardTypes["trai_query"])
}

func TestHubTracksRegistrationByClass(t *testing.T) {
	h := NewHub(zap.NewNop(), "secret")
	bot := &Client{hub: h, send: make(chan []byte, 1)}
	dash := &Client{hub: h, send: make(chan []byte, 1)}

	bot.Identify(SourceTradingBot)
	dash.Identify(SourceDashboard)

	require.Equal(t, 1, h.BotCount())
	require.Equal(t, 1, h.DashboardCount())

	bot.unregister()
	require.Equal(t, 0, h.BotCount())
}

func TestEnqueueClosesOnBackpressureOverflow(t *testing.T) {
	h := NewHub(zap.NewNop(), "secret")
	c := &Client{hub: h, logger: zap.NewNop(), send: make(chan []byte, 4)}

	big := make([]byte, sendBufferBytes+1)
	c.enqueue(big)

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	require.True(t, closed, "a single over-limit frame must close the connection rather than block")
}

func TestPongClearsMissedPingTracking(t *testing.T) {
	c := &Client{lastPingID: "abc", missedPings: 2}
	c.handlePong("abc")
	require.Equal(t, 0, c.missedPings)
	require.Empty(t, c.lastPingID)

	c.missedPings = 1
	c.lastPingID = "xyz"
	c.handlePong("stale-id")
	require.Equal(t, 1, c.missedPings, "a pong for a stale ping id must not reset the counter")
}

func TestBroadcastDecisionReachesRegisteredDashboards(t *testing.T) {
	h := NewHub(zap.NewNop(), "secret")
	dash := &Client{hub: h, logger: zap.NewNop(), send: make(chan []byte, 4)}
	dash.Identify(SourceDashboard)

	h.BroadcastDecision(types.TradeDecision{Symbol: "BTC/USD", Direction: types.DirectionLong})

	select {
	case data := <-dash.send:
		require.Contains(t, string(data), "\"type\":\"decision\"")
		require.Contains(t, string(data), "BTC/USD")
	default:
		t.Fatal("expected a decision frame to be enqueued for the dashboard client")
	}
}

func TestBroadcastAlertCarriesSeverityReasonAndSinceTimestamp(t *testing.T) {
	h := NewHub(zap.NewNop(), "secret")
	dash := &Client{hub: h, logger: zap.NewNop(), send: make(chan []byte, 4)}
	dash.Identify(SourceDashboard)

	since := int64(1700000000000)
	h.BroadcastAlert(types.AlertFrame{Severity: types.AlertSeverityCritical, Reason: "kill_switch", SinceTimestamp: since})

	select {
	case data := <-dash.send:
		require.Contains(t, string(data), "\"type\":\"alert\"")
		require.Contains(t, string(data), "\"severity\":\"critical\"")
		require.Contains(t, string(data), "\"reason\":\"kill_switch\"")
		require.Contains(t, string(data), "\"sinceTimestamp\":1700000000000")
	default:
		t.Fatal("expected an alert frame to be enqueued for the dashboard client")
	}
}
