package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OnlineDevices asks the hub's presence store which device identities have a
// registered connection.
func OnlineDevices(ctx context.Context, httpClient *http.Client, serverURL string) ([]string, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(serverURL, "/")+"/api/devices", nil)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list devices: unexpected status %s", resp.Status)
	}

	var body struct {
		Devices []string `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	return body.Devices, nil
}
