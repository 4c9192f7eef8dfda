package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/averyfenn/gm/internal/models"
	"github.com/averyfenn/gm/internal/output"
	"github.com/averyfenn/gm/internal/session"
	"github.com/averyfenn/gm/internal/store"
)

var sessionName string

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage play sessions",
	Long:  "Create, list, and inspect narrative play sessions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCreateRun()
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show session details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset <session-id>",
	Short: "Force a session back to idle",
	Long:  "Force a session back to idle, abandoning any pending action. Use when a turn was interrupted and cannot resume.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionResetRun(args[0])
	},
	Args: cobra.ExactArgs(1),
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionName, "name", "", "Session name (required)")
	_ = sessionCreateCmd.MarkFlagRequired("name")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionResetCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionCreateRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		ui.DryRunMsg("Would create session: %s (owner %s)", sessionName, currentUser())
		return nil
	}

	sess := &models.Session{
		OwnerUserID: currentUser(),
		Name:        sessionName,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	ui.Success("Created session %s: %s", output.Cyan(shortID(sess.ID)), sess.Name)
	return nil
}

func sessionListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sessions, err := s.ListSessions(ctx, currentUser())
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		ui.Info("No sessions found. Create one with 'gm session create --name <name>'.")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "Phase", "Flags", "Updated"})
	for _, sess := range sessions {
		_ = table.Append([]string{
			shortID(sess.ID),
			sess.Name,
			output.PhaseColor(string(sess.Phase)),
			sessionFlags(sess),
			sess.UpdatedAt.Format("2006-01-02 15:04"),
		})
	}
	_ = table.Render()
	return nil
}

func sessionShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, s, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(sess.ID)), sess.Name)
	fmt.Fprintf(ui.Out, "  Owner:      %s\n", sess.OwnerUserID)
	fmt.Fprintf(ui.Out, "  Phase:      %s\n", output.PhaseColor(string(sess.Phase)))
	if sess.PendingActionID != "" {
		fmt.Fprintf(ui.Out, "  Action:     %s\n", shortID(sess.PendingActionID))
	}
	if flags := sessionFlags(sess); flags != "" {
		fmt.Fprintf(ui.Out, "  Flags:      %s\n", flags)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Updated:    %s\n", sess.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", sess.ID)

	// Recent turns, newest first.
	turns, err := s.ListTurns(ctx, store.TurnListFilter{SessionID: sess.ID, Limit: 5})
	if err != nil || len(turns) == 0 {
		return nil
	}

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"Turn", "Status", "Step", "Started"})
	for _, t := range turns {
		_ = table.Append([]string{
			shortID(t.ID),
			output.TurnStatusColor(string(t.Status)),
			t.Step,
			t.StartedAt.Format("2006-01-02 15:04"),
		})
	}
	_ = table.Render()
	return nil
}

func sessionResetRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := findSession(ctx, s, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would reset session %s from %s to idle", shortID(sess.ID), sess.Phase)
		return nil
	}

	machine := session.NewMachine(s)
	if _, err := machine.Reset(ctx, sess.ID); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}

	ui.Success("Session %s reset to idle", output.Cyan(shortID(sess.ID)))
	return nil
}

// sessionFlags renders the in-progress markers for display.
func sessionFlags(sess *models.Session) string {
	var flags []string
	if sess.InMetaEvent {
		flags = append(flags, "meta-event")
	}
	if sess.InCombat {
		flags = append(flags, "combat")
	}
	return strings.Join(flags, ", ")
}

// findSession finds a session by full ID or prefix match, scoped to the
// current user.
func findSession(ctx context.Context, s store.Store, id string) (*models.Session, error) {
	if sess, err := s.GetSession(ctx, id); err == nil && sess.OwnerUserID == currentUser() {
		return sess, nil
	}

	upper := strings.ToUpper(id)
	sessions, err := s.ListSessions(ctx, currentUser())
	if err != nil {
		return nil, err
	}

	var matches []*models.Session
	for _, sess := range sessions {
		if strings.HasPrefix(sess.ID, upper) {
			matches = append(matches, sess)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session ID %s: matches %d sessions", id, len(matches))
	}
}

// shortID returns a truncated ULID for display (first 12 chars).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
