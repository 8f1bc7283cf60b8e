package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioplan/helioplan/pkg/battery"
	"github.com/helioplan/helioplan/pkg/inverter"
	"github.com/helioplan/helioplan/pkg/plan"
	"github.com/helioplan/helioplan/pkg/schedule"
	"github.com/helioplan/helioplan/pkg/storage"
	"github.com/helioplan/helioplan/pkg/tariff"
	"github.com/helioplan/helioplan/pkg/timeseries"
	"github.com/helioplan/helioplan/pkg/types"
)

type stubSolar struct{}

func (stubSolar) PVForecast(_ context.Context, grid timeseries.Grid, _ time.Time) (timeseries.Series, timeseries.Series, error) {
	return timeseries.Fill(grid.Steps(), 0), timeseries.Fill(grid.Steps(), 0), nil
}

type stubLoad struct{}

func (stubLoad) LoadForecast(_ context.Context, grid timeseries.Grid, _ time.Time) (timeseries.Series, error) {
	return timeseries.Fill(grid.Steps(), 0.1), nil
}

func testServer(t *testing.T) (*Server, *storage.Memory, *plan.Planner) {
	t.Helper()
	db := storage.NewMemory()
	inv := inverter.NewMock(inverter.State{
		SOCKWH: 5, SOCMaxKWH: 10, ReserveMinKWH: 1,
		RateMaxChargeKW: 6, RateMaxDischargeKW: 6,
		InverterLimitKW: 10, ExportLimitKW: 10,
	})
	p := plan.New(plan.Config{
		Interval:             5 * time.Second,
		Horizon:              24 * time.Hour,
		BatteryLoss:          0.95,
		BatteryLossDischarge: 0.95,
		InverterLoss:         1,
		Curves:               battery.FlatCurves(),
	}, stubSolar{}, stubLoad{}, &tariff.Fixed{ImportRate: 0.3, ExportRate: 0.1}, inv, db)

	srv := &Server{
		planner:    p,
		storage:    db,
		serverName: "helioplan",
		hub:        newWSHub(),
		auth:       &authenticator{},
	}
	p.OnPlan(srv.hub.broadcast)
	return srv, db, p
}

func TestHandlers(t *testing.T) {
	srv, db, _ := testServer(t)
	ts := httptest.NewServer(srv.setupHandler())
	defer ts.Close()

	t.Run("Healthz", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "helioplan", resp.Header.Get("Server"))
	})

	t.Run("Status", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var st types.Status
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	})

	t.Run("Plan Not Found Then Stored", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/plan")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		stored := types.Plan{
			CreatedAt: time.Now().Add(-time.Hour),
			Score:     1.23,
			Schedule: schedule.Schedule{
				ChargeWindows: []schedule.Window{{Start: 30, End: 270}},
				ChargeLimits:  []float64{8},
			},
		}
		require.NoError(t, db.InsertPlan(context.Background(), stored))

		resp, err = http.Get(ts.URL + "/api/plan")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got types.Plan
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, 1.23, got.Score)
	})

	t.Run("Plan History", func(t *testing.T) {
		start := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
		resp, err := http.Get(ts.URL + "/api/history/plans?start=" + start)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var plans []types.Plan
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&plans))
		assert.Len(t, plans, 1)
	})

	t.Run("Bad History Range", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/history/plans?start=yesterday")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Settings Roundtrip", func(t *testing.T) {
		body := bytes.NewBufferString(`{"bestSOCKeep": 2.5, "maxWindows": 16}`)
		resp, err := http.Post(ts.URL+"/api/settings", "application/json", body)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = http.Get(ts.URL + "/api/settings")
		require.NoError(t, err)
		defer resp.Body.Close()
		var got types.Settings
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, 2.5, got.BestSOCKeep)
		assert.Equal(t, 16, got.MaxWindows)
		assert.Equal(t, 0.25, got.BestSOCStep, "migration fills the rest on save")
	})

	t.Run("Unknown Setting Rejected", func(t *testing.T) {
		body := bytes.NewBufferString(`{"rateLowThresold": 0.9}`)
		resp, err := http.Post(ts.URL+"/api/settings", "application/json", body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Out Of Range Setting Rejected", func(t *testing.T) {
		body := bytes.NewBufferString(`{"pvMetric10Weight": 1.5}`)
		resp, err := http.Post(ts.URL+"/api/settings", "application/json", body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := testServer(t)
	srv.auth = &authenticator{
		verifier: func(ctx context.Context, raw string) (*oidc.IDToken, error) {
			return nil, fmt.Errorf("bad token")
		},
	}
	ts := httptest.NewServer(srv.setupHandler())
	defer ts.Close()

	t.Run("Missing Token", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/settings", "application/json", bytes.NewBufferString(`{}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Invalid Token", func(t *testing.T) {
		req, _ := http.NewRequest("POST", ts.URL+"/api/settings", bytes.NewBufferString(`{}`))
		req.Header.Set("Authorization", "Bearer nope")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Reads Stay Open", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/settings")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestWebsocketPush(t *testing.T) {
	srv, _, _ := testServer(t)
	ts := httptest.NewServer(srv.setupHandler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the handler a beat to register the client after the handshake
	require.Eventually(t, func() bool {
		srv.hub.mu.Lock()
		defer srv.hub.mu.Unlock()
		return len(srv.hub.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent := types.Plan{CreatedAt: time.Now(), Score: 4.2}
	srv.hub.broadcast(sent)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got types.Plan
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, 4.2, got.Score)
}
