// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// newHomeserverClient returns a MatrixClient whose appservice talks to handler.
func newHomeserverClient(t *testing.T, handler http.HandlerFunc) *MatrixClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     &appservice.Registration{ID: "discord", AppToken: "as_token", ServerToken: "hs_token", SenderLocalpart: "discordbot"},
		HomeserverDomain: testDomain,
		HomeserverURL:    srv.URL,
	})
	if err != nil {
		t.Fatalf("CreateFull: %v", err)
	}
	c, err := NewMatrixClient(as, srv.URL, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMatrixClient: %v", err)
	}
	return c
}

func TestMediaURL(t *testing.T) {
	t.Parallel()
	c, err := NewMatrixClient(nil, "https://matrix.example.org/base/", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMatrixClient: %v", err)
	}
	tests := []struct {
		mxc           string
		width, height int
		want          string
		wantErr       bool
	}{
		{mxc: "mxc://example.org/abc", want: "https://matrix.example.org/base/_matrix/media/v3/download/example.org/abc"},
		{mxc: "mxc://example.org/abc", width: 64, height: 32, want: "https://matrix.example.org/base/_matrix/media/v3/thumbnail/example.org/abc?height=32&method=scale&width=64"},
		{mxc: "https://example.org/abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := c.MediaURL(id.ContentURIString(tt.mxc), tt.width, tt.height)
		if tt.wantErr {
			if err == nil {
				t.Errorf("MediaURL(%q) = %q, want error", tt.mxc, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("MediaURL(%q) = %q, %v; want %q", tt.mxc, got, err, tt.want)
		}
	}
}

func TestNewMatrixClientInvalidURL(t *testing.T) {
	t.Parallel()
	if _, err := NewMatrixClient(nil, "://bad", zerolog.Nop()); err == nil {
		t.Error("expected error for an invalid homeserver address")
	}
}

func TestMatrixDownloadTooLarge(t *testing.T) {
	t.Parallel()
	c := newHomeserverClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 11)))
	})

	c.maxDownload = 11
	if data, err := c.Download(t.Context(), "mxc://example.org/abc"); err != nil || len(data) != 11 {
		t.Fatalf("Download at limit = %d bytes, %v", len(data), err)
	}
	c.maxDownload = 10
	if data, err := c.Download(t.Context(), "mxc://example.org/abc"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Download over limit = %d bytes, %v; want ErrTooLarge", len(data), err)
	}
}

func TestMatrixStateEventNotFound(t *testing.T) {
	t.Parallel()
	c := newHomeserverClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/join"):
			_, _ = w.Write([]byte(`{"room_id":"!room:example.org"}`))
		case strings.Contains(r.URL.Path, "/state/m.room.encryption"):
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"Event not found."}`))
		default:
			_, _ = w.Write([]byte(`{"users":{"@alice:example.org":100}}`))
		}
	})

	_, err := c.StateEvent(t.Context(), testRoom, event.StateEncryption, "")
	if !errors.Is(err, ErrNoState) {
		t.Errorf("StateEvent(encryption) err = %v, want ErrNoState", err)
	}
	if encrypted, err := roomEncrypted(t.Context(), c, testRoom); err != nil || encrypted {
		t.Errorf("roomEncrypted = %v, %v", encrypted, err)
	}
	pl, err := fetchPowerLevels(t.Context(), c, testRoom)
	if err != nil || pl.GetUserLevel(testUser) != 100 {
		t.Errorf("power levels = %+v, %v", pl, err)
	}
}
