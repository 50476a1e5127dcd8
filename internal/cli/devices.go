package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agusx1211/afar/internal/config"
	"github.com/agusx1211/afar/internal/device"
	"github.com/agusx1211/afar/internal/theme"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List paired devices",
	RunE:  runDevicesList,
}

var devicesRemoveCmd = &cobra.Command{
	Use:   "remove <device-id>",
	Short: "Unpair a device",
	Args:  cobra.ExactArgs(1),
	RunE:  runDevicesRemove,
}

func init() {
	devicesCmd.AddCommand(devicesRemoveCmd)
	rootCmd.AddCommand(devicesCmd)
}

func runDevicesList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	reg, err := device.Load(devicesPath(cfg))
	if err != nil {
		return err
	}

	devices := reg.List()
	if len(devices) == 0 {
		fmt.Println(theme.Dim.Render("No devices paired. Run 'afar pair --name <name>' to add one."))
		return nil
	}

	fmt.Println(theme.Header.Render(fmt.Sprintf("Paired devices (%d)", len(devices))))
	for _, dev := range devices {
		fmt.Printf("  %s %s\n", theme.Accent.Render(dev.Name), theme.Dim.Render(dev.ID))
		fmt.Printf("    %s %s\n", theme.Label.Render("key:"), shortFingerprint(dev.PublicKey))
		fmt.Printf("    %s %s\n", theme.Label.Render("paired:"), dev.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func runDevicesRemove(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	reg, err := device.Load(devicesPath(cfg))
	if err != nil {
		return err
	}

	id := args[0]
	dev, ok := reg.Get(id)
	if !ok {
		return fmt.Errorf("no device with id %q", id)
	}
	if _, err := reg.Remove(id); err != nil {
		return err
	}
	fmt.Printf("%s %s (%s)\n", theme.Good.Render("Removed"), dev.Name, dev.ID)
	return nil
}
