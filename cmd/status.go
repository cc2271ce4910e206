package cmd

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the sync status of a running phytod instance",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", "http://localhost:8080", "phytod server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Uptime  string `json:"uptime"`
		Storage string `json:"storage"`
		Cache   struct {
			Size   int   `json:"size"`
			Hits   int64 `json:"hits"`
			Misses int64 `json:"misses"`
		} `json:"cache"`
	}
	if err := getJSON(client, statusServer+"/api/v1/health", &health); err != nil {
		return err
	}

	var status struct {
		Devices []struct {
			DeviceID string `json:"device_id"`
			Crop     string `json:"crop"`
			Channels []struct {
				Quantity string `json:"quantity"`
				Cursor   string `json:"cursor"`
				Records  int    `json:"records"`
				Live     bool   `json:"live"`
			} `json:"channels"`
			ErrorCount int    `json:"error_count"`
			LastError  string `json:"last_error"`
		} `json:"devices"`
	}
	if err := getJSON(client, statusServer+"/api/v1/sync-status", &status); err != nil {
		return err
	}

	// Human-readable output.
	fmt.Printf("phytod %s\n", health.Version)
	fmt.Printf("Status: %s\n", health.Status)
	fmt.Printf("Uptime: %s\n", health.Uptime)
	fmt.Printf("Storage: %s\n", health.Storage)
	fmt.Printf("Cache: %d entries, %d hits, %d misses\n",
		health.Cache.Size, health.Cache.Hits, health.Cache.Misses)
	fmt.Println()

	for _, d := range status.Devices {
		if d.Crop != "" {
			fmt.Printf("%s (%s)\n", d.DeviceID, d.Crop)
		} else {
			fmt.Println(d.DeviceID)
		}
		for _, ch := range d.Channels {
			live := "stale"
			if ch.Live {
				live = "live"
			}
			fmt.Printf("  %s: %s records, %s", ch.Quantity, formatNumber(ch.Records), live)
			if ch.Cursor != "" {
				fmt.Printf(", cursor %s", ch.Cursor)
			}
			fmt.Println()
		}
		if d.LastError != "" {
			fmt.Printf("  last error (%d total): %s\n", d.ErrorCount, d.LastError)
		}
	}

	return nil
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// formatNumber formats an integer with comma separators (e.g., 1,247,832).
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}
