package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatsync/internal/api"
	"chatsync/internal/config"
)

// post sends body to the admin API and decodes the reply into out.
func post(cfg *config.Config, path string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/%s", cfg.AdminAddr, path)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin API %s failed (Status: %d): %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func AddUser(uid, displayName string, cfg *config.Config) error {
	var result api.AddUserResponse
	if err := post(cfg, "users", api.AddUserRequest{UID: uid, DisplayName: displayName}, &result); err != nil {
		return err
	}

	fmt.Printf("\nUser Created Successfully!\n")
	printSession(result, cfg)
	return nil
}

// Session issues a fresh relay token for an existing user.
func Session(uid string, cfg *config.Config) error {
	var result api.AddUserResponse
	if err := post(cfg, "sessions", api.SessionRequest{UID: uid}, &result); err != nil {
		return err
	}
	printSession(result, cfg)
	return nil
}

func printSession(result api.AddUserResponse, cfg *config.Config) {
	relayURL := strings.Replace(strings.TrimSuffix(cfg.BaseURL, "/"), "http", "ws", 1) + "/api/relay"

	fmt.Printf("UID:        %s\n", result.UID)
	fmt.Printf("Token:      %s\n", result.Token)
	fmt.Printf("Expires:    %s\n", time.Unix(result.ExpiresAt, 0).Format(time.RFC3339))
	fmt.Printf("Relay:      %s\n\n", relayURL)
	fmt.Println("Share the token with the user; clients send it in the \"token\" header.")
}

func Sweep(cfg *config.Config) error {
	var result api.SweepResponse
	if err := post(cfg, "sweep", struct{}{}, &result); err != nil {
		return err
	}
	fmt.Printf("Swept %d expired chats and %d expired messages\n", result.Chats, result.Messages)
	return nil
}
