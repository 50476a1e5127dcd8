package cli

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/agusx1211/afar/internal/config"
	"github.com/agusx1211/afar/internal/device"
	"github.com/agusx1211/afar/internal/pairing"
	"github.com/agusx1211/afar/internal/theme"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair a new device and print its join token",
	RunE:  runPair,
}

func init() {
	pairCmd.Flags().String("name", "", "Human-readable device name (required)")
	pairCmd.Flags().String("url", "", "Server URL the device should connect to (default derived from config)")
	pairCmd.Flags().String("out", "", "Also write the token to a file")
	pairCmd.Flags().Bool("no-qr", false, "Skip the QR code")
	_ = pairCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(pairCmd)
}

func runPair(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("device name must not be empty")
	}

	reg, err := device.Load(devicesPath(cfg))
	if err != nil {
		return err
	}
	for _, existing := range reg.List() {
		if existing.Name == name {
			return fmt.Errorf("a device named %q is already paired", name)
		}
	}

	dev, err := pairing.NewDevice(name)
	if err != nil {
		return err
	}
	if err := reg.Add(dev); err != nil {
		return err
	}

	url, _ := cmd.Flags().GetString("url")
	if url == "" {
		url = pairURL(cfg)
	}
	token := pairing.Token{URL: url, DeviceID: dev.ID, Secret: dev.Secret}
	encoded, err := token.Encode()
	if err != nil {
		return err
	}

	fmt.Println(theme.Header.Render("Device paired"))
	fmt.Printf("  %s %s\n", theme.Label.Render("name:"), dev.Name)
	fmt.Printf("  %s %s\n", theme.Label.Render("id:"), dev.ID)
	fmt.Printf("  %s %s\n", theme.Label.Render("key:"), shortFingerprint(dev.PublicKey))
	fmt.Println()

	noQR, _ := cmd.Flags().GetBool("no-qr")
	if !noQR && isatty.IsTerminal(os.Stdout.Fd()) {
		code, err := qrcode.New(encoded, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("rendering QR code: %w", err)
		}
		fmt.Println(code.ToString(false))
	}
	fmt.Println(theme.Label.Render("token:"))
	fmt.Println(encoded)

	if out, _ := cmd.Flags().GetString("out"); out != "" {
		if err := os.WriteFile(out, []byte(encoded+"\n"), 0o600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		fmt.Printf("\n%s %s\n", theme.Label.Render("saved to:"), out)
	}
	return nil
}

// pairURL builds the websocket URL a device should dial. A wildcard listen
// host is replaced with a LAN address so the token works off-box.
func pairURL(cfg config.Config) string {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		if lan := lanAddress(); lan != "" {
			host = lan
		} else {
			host = "127.0.0.1"
		}
	}
	scheme := "ws"
	if cfg.TLSMode != "" {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + "/ws"
}

func lanAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

func shortFingerprint(hexKey string) string {
	if len(hexKey) <= 16 {
		return hexKey
	}
	return hexKey[:16] + "…"
}
