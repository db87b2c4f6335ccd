package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
)

// HTTPRefresher exchanges a long-lived refresh token, read from the given
// environment variable, for a fresh access token at the source's token
// endpoint. A nil client falls back to http.DefaultClient.
func HTTPRefresher(client *http.Client, tokenURL, refreshTokenEnv string) Refresher {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (string, error) {
		refresh := os.Getenv(refreshTokenEnv)
		if refresh == "" {
			return "", fmt.Errorf("%s is not set", refreshTokenEnv)
		}

		// Expect a reply like:
		//   {"access_token": "...", "token_type": "Bearer", "expires_in": 3600}
		body, err := json.Marshal(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refresh,
		})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
		}

		var out struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode token response: %w", err)
		}
		if out.AccessToken == "" {
			return "", fmt.Errorf("token endpoint returned no access_token")
		}
		return out.AccessToken, nil
	}
}
