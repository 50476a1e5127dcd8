package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agusx1211/afar/internal/client"
	"github.com/agusx1211/afar/internal/pairing"
	"github.com/agusx1211/afar/internal/theme"
	"github.com/agusx1211/afar/pkg/protocol"
)

var sendCmd = &cobra.Command{
	Use:   "send <message...>",
	Short: "Send a message through a paired device token and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().String("token", "", "Path to a pairing token file (required)")
	sendCmd.Flags().String("project", "", "Project id to send to")
	_ = sendCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(sendCmd)
}

func loadToken(cmd *cobra.Command) (pairing.Token, error) {
	path, _ := cmd.Flags().GetString("token")
	data, err := os.ReadFile(path)
	if err != nil {
		return pairing.Token{}, fmt.Errorf("reading token file: %w", err)
	}
	return pairing.Decode(strings.TrimSpace(string(data)))
}

func runSend(cmd *cobra.Command, args []string) error {
	token, err := loadToken(cmd)
	if err != nil {
		return err
	}
	projectID, _ := cmd.Flags().GetString("project")
	message := strings.Join(args, " ")

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
			printWireMsg(msg, projectID)
			switch msg.Type {
			case protocol.MsgDone:
				done <- nil
			case protocol.MsgError:
				payload, err := protocol.DecodeData[protocol.WireError](msg)
				if err != nil {
					done <- fmt.Errorf("agent error")
					return
				}
				done <- fmt.Errorf("agent error: %s", payload.Error)
			}
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
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

	if err := c.SendMessage(ctx, projectID, message); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// printWireMsg renders one server message for terminal streaming. Messages for
// other projects are dropped.
func printWireMsg(msg *protocol.WireMsg, projectID string) {
	switch msg.Type {
	case protocol.MsgThinking:
		payload, err := protocol.DecodeData[protocol.WireThinking](msg)
		if err != nil || payload.ProjectID != projectID {
			return
		}
		fmt.Print(theme.Dim.Render(payload.Text))
	case protocol.MsgText:
		payload, err := protocol.DecodeData[protocol.WireText](msg)
		if err != nil || payload.ProjectID != projectID {
			return
		}
		fmt.Print(payload.Text)
	case protocol.MsgToolUse:
		payload, err := protocol.DecodeData[protocol.WireToolUse](msg)
		if err != nil || payload.ProjectID != projectID {
			return
		}
		fmt.Printf("\n%s %s\n", theme.Tool.Render("[tool]"), payload.Tool)
	case protocol.MsgToolResult:
		payload, err := protocol.DecodeData[protocol.WireToolResult](msg)
		if err != nil || payload.ProjectID != projectID {
			return
		}
		if payload.Error != "" {
			fmt.Printf("%s %s\n", theme.Bad.Render("[tool error]"), payload.Error)
		}
	case protocol.MsgDone:
		fmt.Println()
	}
}
