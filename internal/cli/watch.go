package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agusx1211/afar/internal/client"
	"github.com/agusx1211/afar/internal/theme"
	"github.com/agusx1211/afar/pkg/protocol"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live agent output through a paired device token",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().String("token", "", "Path to a pairing token file (required)")
	watchCmd.Flags().String("project", "", "Only show output for this project id")
	_ = watchCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	token, err := loadToken(cmd)
	if err != nil {
		return err
	}
	projectID, _ := cmd.Flags().GetString("project")

	c, err := client.New(token.URL, token.Secret, client.Handlers{
		OnConnect: func(ok protocol.WireAuthOK) {
			fmt.Println(theme.Good.Render("connected"))
			if len(ok.ActiveProjects) > 0 {
				fmt.Printf("%s %s\n", theme.Label.Render("active:"), strings.Join(ok.ActiveProjects, ", "))
			}
		},
		OnMessage: func(msg *protocol.WireMsg) {
			printWatchMsg(msg, projectID)
		},
		OnDisconnect: func(err error) {
			fmt.Println(theme.Warn.Render("disconnected, retrying..."))
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func printWatchMsg(msg *protocol.WireMsg, projectID string) {
	switch msg.Type {
	case protocol.MsgStreamingRestore:
		payload, err := protocol.DecodeData[protocol.WireStreamingRestore](msg)
		if err != nil || (projectID != "" && payload.ProjectID != projectID) {
			return
		}
		fmt.Println(theme.Label.Render("--- in-flight response ---"))
		if payload.Thinking != "" {
			fmt.Print(theme.Dim.Render(payload.Thinking))
		}
		fmt.Print(payload.Text)
	case protocol.MsgSyncUserMessage:
		payload, err := protocol.DecodeData[protocol.WireSyncUserMessage](msg)
		if err != nil || (projectID != "" && payload.ProjectID != projectID) {
			return
		}
		fmt.Printf("\n%s %s\n", theme.Accent.Render("[user]"), payload.Text)
	case protocol.MsgSyncCancel:
		payload, err := protocol.DecodeData[protocol.WireSyncCancel](msg)
		if err != nil || (projectID != "" && payload.ProjectID != projectID) {
			return
		}
		fmt.Println(theme.Warn.Render("\n[cancelled on another device]"))
	case protocol.MsgError:
		payload, err := protocol.DecodeData[protocol.WireError](msg)
		if err != nil || (projectID != "" && payload.ProjectID != projectID) {
			return
		}
		fmt.Printf("\n%s %s\n", theme.Bad.Render("[error]"), payload.Error)
	default:
		if projectID == "" {
			printAnyProject(msg)
			return
		}
		printWireMsg(msg, projectID)
	}
}

// printAnyProject renders deltas without filtering when no project was given.
func printAnyProject(msg *protocol.WireMsg) {
	switch msg.Type {
	case protocol.MsgThinking:
		if payload, err := protocol.DecodeData[protocol.WireThinking](msg); err == nil {
			fmt.Print(theme.Dim.Render(payload.Text))
		}
	case protocol.MsgText:
		if payload, err := protocol.DecodeData[protocol.WireText](msg); err == nil {
			fmt.Print(payload.Text)
		}
	case protocol.MsgToolUse:
		if payload, err := protocol.DecodeData[protocol.WireToolUse](msg); err == nil {
			fmt.Printf("\n%s %s\n", theme.Tool.Render("[tool]"), payload.Tool)
		}
	case protocol.MsgToolResult:
		if payload, err := protocol.DecodeData[protocol.WireToolResult](msg); err == nil && payload.Error != "" {
			fmt.Printf("%s %s\n", theme.Bad.Render("[tool error]"), payload.Error)
		}
	case protocol.MsgDone:
		fmt.Println()
	}
}
