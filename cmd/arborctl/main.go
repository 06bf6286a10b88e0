// Package main provides the arborctl operator CLI for the event-sourced
// conversation engine: session, agent, mail, and replay inspection commands
// for operating the store outside of the (separately wired) REPL loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/arborhq/arbor/internal/config"
	"github.com/arborhq/arbor/internal/observability"
	"github.com/arborhq/arbor/internal/registry"
	"github.com/arborhq/arbor/internal/replay"
	"github.com/arborhq/arbor/internal/store"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "arborctl",
		Short:        "Operator CLI for the arbor event-sourced conversation engine",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML or JSON5 config file")

	root.AddCommand(buildSessionCmd())
	root.AddCommand(buildAgentsCmd())
	root.AddCommand(buildMailCmd())
	root.AddCommand(buildReplayCmd())
	root.AddCommand(buildConfigCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		pgCfg := store.PostgresConfig{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		}
		pg, err := store.NewPostgresStore(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildSessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Inspect and manage sessions"}

	cmd.AddCommand(&cobra.Command{
		Use:   "active",
		Short: "Print the active session id, or 0 if none",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			id, err := st.GetActiveSession(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create a new session and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			id, err := st.CreateSession(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	})

	var endID int64
	endCmd := &cobra.Command{
		Use:   "end",
		Short: "End a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.EndSession(cmd.Context(), endID)
		},
	}
	endCmd.Flags().Int64Var(&endID, "id", 0, "session id to end")
	cmd.AddCommand(endCmd)

	return cmd
}

func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agents", Short: "Inspect the agent tree"}

	var sessionID int64
	treeCmd := &cobra.Command{
		Use:   "tree",
		Short: "Print every agent in a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			agents, err := st.ListAgents(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			for _, a := range agents {
				parent := "-"
				if a.ParentUUID != nil {
					parent = *a.ParentUUID
				}
				fmt.Printf("%s\tparent=%s\tstatus=%s\tfork_at=%d\n", a.UUID, parent, a.Status, a.ForkMessageID)
			}
			return nil
		},
	}
	treeCmd.Flags().Int64Var(&sessionID, "session", 0, "session id")
	cmd.AddCommand(treeCmd)

	var cascade bool
	var killUUID string
	killCmd := &cobra.Command{
		Use:   "kill",
		Short: "Mark an agent dead",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			reg := registry.New(st)
			if cascade {
				descendants, err := reg.DescendantsOf(cmd.Context(), killUUID)
				if err != nil {
					return err
				}
				for _, d := range descendants {
					if err := reg.MarkDead(cmd.Context(), d.UUID); err != nil {
						return err
					}
				}
			}
			return reg.MarkDead(cmd.Context(), killUUID)
		},
	}
	killCmd.Flags().StringVar(&killUUID, "uuid", "", "agent uuid")
	killCmd.Flags().BoolVar(&cascade, "cascade", false, "also kill every descendant")
	cmd.AddCommand(killCmd)

	return cmd
}

func buildMailCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mail", Short: "Inspect mail"}

	var sessionID int64
	var to string
	inboxCmd := &cobra.Command{
		Use:   "inbox",
		Short: "Print an agent's inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			inbox, err := st.Inbox(cmd.Context(), sessionID, to)
			if err != nil {
				return err
			}
			for _, m := range inbox {
				fmt.Printf("#%d from=%s read=%v %q\n", m.ID, m.FromUUID, m.Read, m.Body)
			}
			return nil
		},
	}
	inboxCmd.Flags().Int64Var(&sessionID, "session", 0, "session id")
	inboxCmd.Flags().StringVar(&to, "to", "", "recipient agent uuid")
	cmd.AddCommand(inboxCmd)

	return cmd
}

func buildReplayCmd() *cobra.Command {
	var sessionID int64
	var agentUUID string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Dump a rebuilt replay context for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			reg := registry.New(st)
			engine := replay.New(st, reg, observability.New(observability.LogConfig{}).Slog(), nil)
			rebuilt, err := engine.Rebuild(cmd.Context(), sessionID, agentUUID)
			if err != nil {
				return err
			}
			for _, m := range rebuilt.Messages {
				fmt.Printf("#%d [%s] %s\n", m.EventID, m.Kind, m.Content)
			}
			for _, mark := range rebuilt.MarkStack {
				fmt.Printf("mark #%d %q\n", mark.MessageID, mark.Label)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&sessionID, "session", 0, "session id")
	cmd.Flags().StringVar(&agentUUID, "agent", "", "agent uuid")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}

	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for the config file format",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(schema)
			return err
		},
	})

	return cmd
}
