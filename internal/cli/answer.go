package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agusx1211/afar/internal/client"
	"github.com/agusx1211/afar/pkg/protocol"
)

var answerCmd = &cobra.Command{
	Use:   "answer <text...>",
	Short: "Answer the agent's pending question and stream the resumed reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAnswer,
}

func init() {
	answerCmd.Flags().String("token", "", "Path to a pairing token file (required)")
	answerCmd.Flags().String("project", "", "Project id the question belongs to")
	answerCmd.Flags().String("tool-use-id", "", "Question id (defaults to the pending question)")
	_ = answerCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(answerCmd)
}

func runAnswer(cmd *cobra.Command, args []string) error {
	token, err := loadToken(cmd)
	if err != nil {
		return err
	}
	projectID, _ := cmd.Flags().GetString("project")
	toolUseID, _ := cmd.Flags().GetString("tool-use-id")
	text := strings.Join(args, " ")

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

	answers := []protocol.ToolAnswerItem{{Answer: text}}
	if err := c.Answer(ctx, projectID, toolUseID, answers); err != nil {
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
