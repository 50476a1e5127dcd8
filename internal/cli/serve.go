package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/agusx1211/afar/internal/agent"
	"github.com/agusx1211/afar/internal/config"
	"github.com/agusx1211/afar/internal/convo"
	"github.com/agusx1211/afar/internal/debug"
	"github.com/agusx1211/afar/internal/device"
	"github.com/agusx1211/afar/internal/offline"
	"github.com/agusx1211/afar/internal/orchestrator"
	"github.com/agusx1211/afar/internal/partial"
	"github.com/agusx1211/afar/internal/pending"
	"github.com/agusx1211/afar/internal/server"
	"github.com/agusx1211/afar/internal/theme"
)

const mdnsServiceType = "_afar._tcp"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator and listen for paired devices",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "Override the listen host")
	serveCmd.Flags().Int("port", 0, "Override the listen port")
	serveCmd.Flags().Bool("no-mdns", false, "Disable mDNS advertisement")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	reg, err := device.Load(filepath.Join(cfg.DataDir, "devices.json"))
	if err != nil {
		return err
	}
	convos, err := convo.NewStore(filepath.Join(cfg.DataDir, "conversations"))
	if err != nil {
		return err
	}
	interval, err := cfg.Interval()
	if err != nil {
		return err
	}
	partials, err := partial.NewStore(filepath.Join(cfg.DataDir, "partial.json"), interval)
	if err != nil {
		return err
	}
	olog, err := offline.Open(filepath.Join(cfg.DataDir, "offline.db"))
	if err != nil {
		return err
	}
	defer olog.Close()
	pend, err := pending.Load(filepath.Join(cfg.DataDir, "pending.json"))
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Options{
		Devices:        reg,
		Convos:         convos,
		Partials:       partials,
		Offline:        olog,
		Pending:        pend,
		Adapter:        agent.NewClaudeAdapter(agent.ClaudeConfig{Command: cfg.Agent.Command, Args: cfg.Agent.Args}),
		Projects:       cfg.Projects,
		DefaultWorkDir: cfg.DefaultWorkDir,
		AuthRate:       rate.Limit(cfg.AuthRateLimit),
		AuthBurst:      cfg.AuthBurst,
	})
	defer orch.Close()

	// Fold output interrupted mid-run back into the conversation before any
	// device can connect.
	if err := orch.Recover(); err != nil {
		return fmt.Errorf("recovering interrupted output: %w", err)
	}
	partials.Start()
	defer partials.Stop()

	srv := server.New(orch, server.Options{
		Host:     cfg.Host,
		Port:     cfg.Port,
		TLSMode:  cfg.TLSMode,
		CertFile: cfg.CertFile,
		KeyFile:  cfg.KeyFile,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	url := srv.Scheme() + "://" + srv.Addr()
	fmt.Println(theme.Header.Render("afar serving"))
	fmt.Printf("  %s %s\n", theme.Label.Render("url:"), url)
	fmt.Printf("  %s %s (%s)\n", theme.Label.Render("agent:"), cfg.Agent.Command, strings.Join(cfg.Agent.Args, " "))
	fmt.Printf("  %s %s\n", theme.Label.Render("data:"), cfg.DataDir)

	if noMDNS, _ := cmd.Flags().GetBool("no-mdns"); !noMDNS {
		mdnsServer, err := startMDNSService(srv, url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to start mDNS advertisement: %v\n", err)
		} else {
			defer mdnsServer.Shutdown()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	debug.Log("cli", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

func startMDNSService(srv *server.Server, url string) (*mdns.Server, error) {
	_, port := splitHostPort(srv.Addr())
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		hostname = "afar"
	}
	txtRecords := []string{
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService(hostname, mdnsServiceType, "local", "", port, nil, txtRecords)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{
		Zone: service,
	})
}
