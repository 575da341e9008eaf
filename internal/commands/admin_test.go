package commands

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatsync/internal/api"
	"chatsync/internal/config"
	"chatsync/internal/janitor"
	"chatsync/internal/models"

	"github.com/stretchr/testify/require"
)

func adminStub(t *testing.T) (*config.Config, *[]string) {
	t.Helper()
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		switch r.URL.Path {
		case "/admin/users":
			var req api.AddUserRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			_ = json.NewEncoder(w).Encode(api.AddUserResponse{Success: true, UID: req.UID, Token: "tok", ExpiresAt: 1})
		case "/admin/sweep":
			_ = json.NewEncoder(w).Encode(api.SweepResponse{
				APIResponse: models.APIResponse{Success: true},
				Report:      janitor.Report{Chats: 1, Messages: 2},
			})
		default:
			http.Error(w, "User not found", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return &config.Config{
		AdminAddr: strings.TrimPrefix(srv.URL, "http://"),
		BaseURL:   "http://localhost:8080",
	}, &calls
}

func TestCommands(t *testing.T) {
	cfg, calls := adminStub(t)

	require.NoError(t, AddUser("alice", "Alice", cfg))
	require.NoError(t, Sweep(cfg))

	err := Session("ghost", cfg)
	require.ErrorContains(t, err, "404")

	require.Equal(t, []string{"/admin/users", "/admin/sweep", "/admin/sessions"}, *calls)
}

func TestCommandsServerDown(t *testing.T) {
	err := Sweep(&config.Config{AdminAddr: "127.0.0.1:1"})
	require.ErrorContains(t, err, "Is the server running?")
}
