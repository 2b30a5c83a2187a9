package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/wayfarer-labs/wayfarer/internal/ws"
)

// Run polls a server's health and connection endpoints and displays the
// dashboard until the user quits. The admin token is required for the
// connection listing; with an empty token the table stays empty.
func Run(baseURL, adminToken string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	p := tea.NewProgram(NewModel(baseURL), tea.WithAltScreen())

	refresh := func() {
		var health Health
		err := getJSON(client, baseURL+"/ws/health", "", &health)
		p.Send(HealthMsg{Health: health, Err: err})

		if adminToken == "" {
			return
		}
		var listing struct {
			Connections []ws.ConnInfo `json:"connections"`
		}
		err = getJSON(client, baseURL+"/ws/connections", adminToken, &listing)
		p.Send(ConnectionsMsg{Connections: listing.Connections, Err: err})
	}

	go func() {
		refresh()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			refresh()
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard error: %w", err)
	}
	return nil
}

func getJSON(client *http.Client, url, token string, v any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
