package cmd

import (
	"github.com/spf13/cobra"

	"github.com/averyfenn/gm/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an agent client drive gm natively: create sessions, submit
turns, and work the meta-event review gate. Configure in Claude Code
with:

  {
    "mcpServers": {
      "gm": { "command": "gm", "args": ["mcp"] }
    }
  }

Available tools: gm_create_session, gm_session_phase, gm_submit_turn,
gm_list_events, gm_decide_event, gm_confirm_events, gm_regenerate_events`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(turnLogger())
		if err != nil {
			return err
		}

		srv := mcp.NewServer(eng.store, eng.reviewer, eng.orch)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
