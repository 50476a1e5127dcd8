package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agusx1211/afar/internal/client"
	"github.com/agusx1211/afar/internal/theme"
	"github.com/agusx1211/afar/pkg/protocol"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel this device's running job for a project",
	RunE:  runCancel,
}

func init() {
	cancelCmd.Flags().String("token", "", "Path to a pairing token file (required)")
	cancelCmd.Flags().String("project", "", "Project id to cancel")
	_ = cancelCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	token, err := loadToken(cmd)
	if err != nil {
		return err
	}
	projectID, _ := cmd.Flags().GetString("project")

	connected := make(chan struct{}, 1)
	done := make(chan error, 1)

	c, err := client.New(token.URL, token.Secret, client.Handlers{
		OnConnect: func(ok protocol.WireAuthOK) {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
		OnMessage: func(msg *protocol.WireMsg) {
			switch msg.Type {
			case protocol.MsgDone:
				done <- nil
			case protocol.MsgError:
				payload, err := protocol.DecodeData[protocol.WireError](msg)
				if err != nil {
					done <- fmt.Errorf("cancel failed")
					return
				}
				done <- fmt.Errorf("cancel failed: %s", payload.Error)
			}
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	select {
	case <-connected:
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.Cancel(ctx, projectID); err != nil {
		return err
	}

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		fmt.Println(theme.Good.Render("cancelled"))
		return nil
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for cancel confirmation")
	}
}
