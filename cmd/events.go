package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/averyfenn/gm/internal/models"
	"github.com/averyfenn/gm/internal/output"
)

var eventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Show meta events for the session's pending action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return eventsRun(args[0])
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}

func eventsRun(sessionRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, s, sessionRef)
	if err != nil {
		return err
	}
	if sess.PendingActionID == "" {
		ui.Info("Session %s has no pending action.", sess.Name)
		return nil
	}

	events, err := s.ListMetaEvents(ctx, sess.PendingActionID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		ui.Info("No meta events proposed yet.")
		return nil
	}

	printEventTable(events)
	return nil
}

// printEventTable renders a batch of meta events for review.
func printEventTable(events []*models.MetaEvent) {
	table := ui.Table([]string{"#", "Type", "Title", "Prob", "Severity", "Combat", "Decision", "Fired"})
	for _, ev := range events {
		combat := ""
		if ev.TriggersCombat {
			combat = "yes"
		}
		fired := ""
		if ev.Triggered {
			fired = "yes"
		}
		_ = table.Append([]string{
			fmt.Sprintf("%d", ev.SequenceNum),
			string(ev.Type),
			ev.Title,
			fmt.Sprintf("%.0f%%", ev.Probability*100),
			output.SeverityColor(string(ev.Severity)),
			combat,
			string(ev.PlayerDecision),
			fired,
		})
	}
	_ = table.Render()
}
