// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-discord-bridge/pkg/store"
)

func newTestAdmin(t *testing.T) (*httptest.Server, *testEnv) {
	t.Helper()
	env := newTestEnv(t, nil)
	reg := prometheus.NewRegistry()
	env.router.metrics = NewMetrics(reg, env.router.Chains())
	api := NewAdminAPI(env.router, env.store, reg, zerolog.Nop())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, env
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func TestAdminListPortals(t *testing.T) {
	t.Parallel()
	srv, _ := newTestAdmin(t)
	resp, body := doRequest(t, http.MethodGet, srv.URL+"/api/portals", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var portals []store.Portal
	if err := json.Unmarshal([]byte(body), &portals); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(portals) != 1 || portals[0].ChannelID != testChannel {
		t.Errorf("portals = %+v", portals)
	}
}

func TestAdminLinkPortal(t *testing.T) {
	t.Parallel()
	srv, env := newTestAdmin(t)
	env.router.Chains().Retire("201")

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/api/portals",
		`{"room_id":"!other:example.org","guild_id":"100","channel_id":"201"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, err := env.store.PortalByChannel(t.Context(), "201"); err != nil {
		t.Errorf("portal not linked: %v", err)
	}
	if env.router.Chains().IsRetired("201") {
		t.Error("chain was not reopened")
	}
}

func TestAdminLinkPortalInvalid(t *testing.T) {
	t.Parallel()
	srv, _ := newTestAdmin(t)
	for _, body := range []string{
		`not json`,
		`{"room_id":"!other:example.org","guild_id":"100"}`,
		`{"room_id":"other","guild_id":"100","channel_id":"201"}`,
		`{"room_id":"!other:example.org","guild_id":"abc","channel_id":"201"}`,
	} {
		resp, _ := doRequest(t, http.MethodPost, srv.URL+"/api/portals", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("POST %s: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestAdminLinkPortalConflict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(*testEnv)
		body  string
	}{
		{
			name: "channel linked to another room",
			body: `{"room_id":"!other:example.org","guild_id":"100","channel_id":"200"}`,
		},
		{
			name: "encrypted room",
			setup: func(e *testEnv) {
				e.matrix.State[event.StateEncryption.Type+"|"] = json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2"}`)
			},
			body: `{"room_id":"!other:example.org","guild_id":"100","channel_id":"201"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, env := newTestAdmin(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			env.router.Chains().Retire("201")
			resp, _ := doRequest(t, http.MethodPost, srv.URL+"/api/portals", tt.body)
			if resp.StatusCode != http.StatusConflict {
				t.Fatalf("status = %d, want 409", resp.StatusCode)
			}
			if all, _ := env.store.AllPortals(t.Context()); len(all) != 1 || all[0].RoomID != testRoom.String() {
				t.Errorf("portals = %+v", all)
			}
			if !env.router.Chains().IsRetired("201") {
				t.Error("chain was reopened")
			}
		})
	}
}

func TestAdminUnlinkPortal(t *testing.T) {
	t.Parallel()
	srv, env := newTestAdmin(t)
	resp, _ := doRequest(t, http.MethodDelete, srv.URL+"/api/portals/"+testRoom.String()+"/"+testChannel, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if all, _ := env.store.AllPortals(t.Context()); len(all) != 0 {
		t.Errorf("portals = %+v", all)
	}
	resp, _ = doRequest(t, http.MethodDelete, srv.URL+"/api/portals/"+testRoom.String()+"/"+testChannel, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second unlink status = %d", resp.StatusCode)
	}
}

func TestAdminChainsAndMetrics(t *testing.T) {
	t.Parallel()
	srv, env := newTestAdmin(t)
	if err := env.route(t, env.textEvent("$evt", testUser, text("hello"))); err != nil {
		t.Fatalf("Route: %v", err)
	}

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/api/chains", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var chains struct {
		Pending map[string]int `json:"pending"`
		Total   int            `json:"total"`
	}
	if err := json.Unmarshal([]byte(body), &chains); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if chains.Total != 0 {
		t.Errorf("total = %d after draining", chains.Total)
	}

	resp, body = doRequest(t, http.MethodGet, srv.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	for _, want := range []string{
		`bridge_events_total{direction="matrix",kind="message",outcome="queued"} 1`,
		`bridge_deliveries_total{direction="matrix",mechanism="webhook",result="ok"} 1`,
		`bridge_delivery_pending 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
