package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/averyfenn/gm/internal/meta"
	"github.com/averyfenn/gm/internal/roll"
	"github.com/averyfenn/gm/internal/session"
	"github.com/averyfenn/gm/internal/store"
	"github.com/averyfenn/gm/internal/turn"
)

// engine bundles the turn pipeline collaborators that several commands
// need together.
type engine struct {
	store     store.Store
	machine   *session.Machine
	generator *meta.Generator
	reviewer  *meta.Coordinator
	orch      *turn.Orchestrator
}

// newEngine wires the full turn pipeline from config. It fails when no
// Anthropic API key is configured, since every turn needs the LLM.
func newEngine(logger *slog.Logger) (*engine, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}

	client := newLLMClient()
	if client == nil {
		return nil, fmt.Errorf("no Anthropic API key configured: set anthropic.api_key or ANTHROPIC_API_KEY")
	}

	machine := session.NewMachine(s)
	generator := meta.NewGenerator(client)
	reviewer := meta.NewCoordinator(s, machine)

	opts := turn.Options{
		ReviewPollInterval: viper.GetDuration("review.poll_interval"),
		ReviewTimeout:      viper.GetDuration("review.timeout"),
	}

	orch := turn.New(s, machine, client, generator, reviewer, client, nil,
		roll.New(nil), turn.DefaultRetryPolicy(), opts, logger)

	return &engine{
		store:     s,
		machine:   machine,
		generator: generator,
		reviewer:  reviewer,
		orch:      orch,
	}, nil
}
