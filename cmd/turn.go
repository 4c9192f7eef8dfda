package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/averyfenn/gm/internal/models"
	"github.com/averyfenn/gm/internal/output"
	"github.com/averyfenn/gm/internal/phase"
	"github.com/averyfenn/gm/internal/store"
	"github.com/averyfenn/gm/internal/turn"
)

var (
	turnInput    string
	turnLocation string
	turnTime     string
	turnYes      bool
)

var turnCmd = &cobra.Command{
	Use:   "turn",
	Short: "Submit and inspect turns",
	Long:  "Submit player actions as turns and inspect past turns.",
}

var turnSubmitCmd = &cobra.Command{
	Use:   "submit <session-id>",
	Short: "Submit a player action and run the turn",
	Long: `Submit a player action and run the full turn pipeline.

When meta events are proposed, you review them interactively:
accept or reject each, then confirm the batch or ask for a new one.
Use --yes to accept every proposed event without prompting.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return turnSubmitRun(args[0])
	},
}

var turnListCmd = &cobra.Command{
	Use:     "list <session-id>",
	Aliases: []string{"ls"},
	Short:   "List turns for a session",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return turnListRun(args[0])
	},
}

var turnShowCmd = &cobra.Command{
	Use:   "show <turn-id>",
	Short: "Show turn details and narrative",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return turnShowRun(args[0])
	},
}

func init() {
	turnSubmitCmd.Flags().StringVar(&turnInput, "input", "", "Player action text (required)")
	turnSubmitCmd.Flags().StringVar(&turnLocation, "location", "", "Current location for narrative context")
	turnSubmitCmd.Flags().StringVar(&turnTime, "time", "", "Time of day for narrative context")
	turnSubmitCmd.Flags().BoolVarP(&turnYes, "yes", "y", false, "Accept all proposed meta events without prompting")
	_ = turnSubmitCmd.MarkFlagRequired("input")

	turnCmd.AddCommand(turnSubmitCmd)
	turnCmd.AddCommand(turnListCmd)
	turnCmd.AddCommand(turnShowCmd)
	rootCmd.AddCommand(turnCmd)
}

// turnLogger routes pipeline logs to stderr in verbose mode and
// discards them otherwise.
func turnLogger() *slog.Logger {
	if verbose {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func turnSubmitRun(sessionRef string) error {
	eng, err := newEngine(turnLogger())
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, eng.store, sessionRef)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would submit turn to %s: %s", shortID(sess.ID), turnInput)
		return nil
	}

	req := turn.Request{
		SessionID:   sess.ID,
		UserID:      currentUser(),
		PlayerInput: turnInput,
		Location:    turnLocation,
		TimeOfDay:   turnTime,
	}

	t, err := eng.orch.Start(ctx, req)
	if err != nil {
		var conflict *phase.ConflictError
		if errors.As(err, &conflict) {
			return fmt.Errorf("session is busy (phase %s): wait for the current turn or run 'gm session reset %s'",
				conflict.Actual, shortID(sess.ID))
		}
		return err
	}

	ui.Info("Turn %s started", output.Cyan(shortID(t.ID)))

	// Drive the pipeline in the background; the foreground loop watches
	// for the review gate and prompts the player.
	type driveResult struct {
		turn *models.Turn
		err  error
	}
	done := make(chan driveResult, 1)
	go func() {
		dt, derr := eng.orch.Drive(context.Background(), t.ID, req)
		done <- driveResult{dt, derr}
	}()

	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case res := <-done:
			return reportTurn(res.turn, res.err)
		case <-time.After(200 * time.Millisecond):
		}

		cur, err := eng.store.GetSession(ctx, sess.ID)
		if err != nil {
			continue
		}
		if cur.Phase == phase.MetaReview && cur.PendingActionID != "" {
			if err := reviewBatch(ctx, eng, cur.PendingActionID, reader); err != nil {
				ui.Warning("Review error: %v", err)
			}
		}
	}
}

// reviewBatch walks the player through the proposed events, then
// confirms or regenerates the batch.
func reviewBatch(ctx context.Context, eng *engine, actionID string, reader *bufio.Reader) error {
	events, err := eng.store.ListMetaEvents(ctx, actionID)
	if err != nil {
		return err
	}
	undecided := 0
	for _, ev := range events {
		if !ev.Decided() {
			undecided++
		}
	}
	if undecided == 0 {
		// Everything already ruled on; a stale poll tick.
		return nil
	}

	fmt.Fprintln(ui.Out)
	ui.Info("Proposed meta events:")
	printEventTable(events)

	for _, ev := range events {
		if ev.Decided() {
			continue
		}
		decision := models.DecisionAccepted
		if !turnYes {
			answer := prompt(reader, fmt.Sprintf("Accept %q? [y/n] ", ev.Title))
			if strings.HasPrefix(strings.ToLower(answer), "n") {
				decision = models.DecisionRejected
			}
		}
		if err := eng.reviewer.Decide(ctx, actionID, ev.ID, decision); err != nil {
			return err
		}
	}

	if !turnYes {
		answer := prompt(reader, "Confirm batch, or regenerate? [c/r] ")
		if strings.HasPrefix(strings.ToLower(answer), "r") {
			return eng.reviewer.Regenerate(ctx, actionID)
		}
	}

	_, err = eng.reviewer.Confirm(ctx, actionID)
	return err
}

func prompt(reader *bufio.Reader, msg string) string {
	fmt.Fprint(ui.Out, msg)
	line, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}

// reportTurn prints the final state of a finished turn.
func reportTurn(t *models.Turn, err error) error {
	if t == nil {
		return err
	}

	switch t.Status {
	case models.TurnStatusCompleted:
		ui.Success("Turn %s completed", output.Cyan(shortID(t.ID)))
		if t.Narrative != "" {
			fmt.Fprintln(ui.Out)
			fmt.Fprintln(ui.Out, t.Narrative)
		}
		return nil
	case models.TurnStatusFailed:
		if t.Error != "" {
			ui.Error("Turn %s did not complete: %s", shortID(t.ID), t.Error)
		} else {
			ui.Error("Turn %s did not complete", shortID(t.ID))
		}
		return err
	default:
		return err
	}
}

func turnListRun(sessionRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, s, sessionRef)
	if err != nil {
		return err
	}

	turns, err := s.ListTurns(ctx, store.TurnListFilter{SessionID: sess.ID})
	if err != nil {
		return err
	}

	if len(turns) == 0 {
		ui.Info("No turns yet for %s.", sess.Name)
		return nil
	}

	table := ui.Table([]string{"ID", "Status", "Step", "Input", "Started"})
	for _, t := range turns {
		_ = table.Append([]string{
			shortID(t.ID),
			output.TurnStatusColor(string(t.Status)),
			t.Step,
			truncate(turnInputFor(ctx, s, t), 40),
			t.StartedAt.Format("2006-01-02 15:04"),
		})
	}
	_ = table.Render()
	return nil
}

func turnShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	t, err := s.GetTurn(ctx, id)
	if err != nil {
		return fmt.Errorf("turn not found: %s", id)
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(t.ID)), output.TurnStatusColor(string(t.Status)))
	fmt.Fprintf(ui.Out, "  Session:    %s\n", shortID(t.SessionID))
	fmt.Fprintf(ui.Out, "  Step:       %s\n", t.Step)
	if input := turnInputFor(ctx, s, t); input != "" {
		fmt.Fprintf(ui.Out, "  Input:      %s\n", input)
	}
	if t.Error != "" {
		fmt.Fprintf(ui.Out, "  Error:      %s\n", t.Error)
	}
	fmt.Fprintf(ui.Out, "  Started:    %s\n", t.StartedAt.Format(time.RFC3339))
	if t.EndedAt != nil {
		fmt.Fprintf(ui.Out, "  Ended:      %s\n", t.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", t.ID)

	if t.Narrative != "" {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, t.Narrative)
	}
	return nil
}

// turnInputFor resolves the original player input via the turn's
// pending action.
func turnInputFor(ctx context.Context, s store.Store, t *models.Turn) string {
	if t.PendingActionID == "" {
		return ""
	}
	a, err := s.GetPendingAction(ctx, t.PendingActionID)
	if err != nil {
		return ""
	}
	return a.OriginalInput
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
