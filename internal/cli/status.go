package cli

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/agusx1211/afar/internal/config"
	"github.com/agusx1211/afar/internal/orchestrator"
	"github.com/agusx1211/afar/internal/theme"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if cfg.TLSMode != "" {
		scheme = "https"
	}
	url := scheme + "://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + "/api/status"

	// Self-signed server certificates are the default, so skip verification.
	httpClient := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	resp, err := httpClient.Get(url)
	if err != nil {
		fmt.Println(theme.Bad.Render("afar is not running"))
		fmt.Printf("  %s %s\n", theme.Label.Render("tried:"), url)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %s", resp.Status)
	}

	var stats orchestrator.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("parsing status response: %w", err)
	}

	fmt.Println(theme.Header.Render("afar is running"))
	fmt.Printf("  %s %s\n", theme.Label.Render("url:"), scheme+"://"+net.JoinHostPort(host, strconv.Itoa(cfg.Port)))
	fmt.Printf("  %s %d\n", theme.Label.Render("devices:"), stats.Devices)
	fmt.Printf("  %s %d\n", theme.Label.Render("connections:"), stats.Connections)
	fmt.Printf("  %s %d\n", theme.Label.Render("active jobs:"), stats.ActiveJobs)
	return nil
}
