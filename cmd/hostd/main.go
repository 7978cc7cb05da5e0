package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sandboxrt/hostd/core"
	"github.com/sandboxrt/hostd/httpapi"
	"github.com/sandboxrt/hostd/internal/supervisor"
	"github.com/sandboxrt/hostd/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "hostd"}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func openRuntime(log *logrus.Logger, dbPath string) (*core.Runtime, func(), error) {
	store, err := core.OpenStore(dbPath)
	if err != nil {
		return nil, nil, err
	}
	cache, err := core.NewProgramCache()
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	rt := core.NewRuntime(store, cache, log)
	return rt, func() { _ = store.Close() }, nil
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the hostd HTTP server and agent supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Logging.Level)

			rt, closeStore, err := openRuntime(log, cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer closeStore()

			sup := supervisor.New(rt, log, cfg.Agents.SupervisorEventBuffer)
			defer sup.Stop()
			if err := resumeAgents(rt, sup); err != nil {
				return err
			}
			go drainSupervisorEvents(log, sup)

			router := httpapi.NewRouter(rt, sup, log, cfg.HTTP.RateLimitPerSec)
			srv := &http.Server{
				Addr:         cfg.HTTP.ListenAddr,
				Handler:      router,
				ReadTimeout:  httpapi.ReadTimeout,
				WriteTimeout: httpapi.WriteTimeout,
				IdleTimeout:  httpapi.IdleTimeout,
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			log.WithField("addr", cfg.HTTP.ListenAddr).Info("hostd listening")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			select {
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
			case <-sigCh:
				log.Info("shutting down")
				_ = srv.Close()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay name")
	return cmd
}

// resumeAgents restarts supervised tasks for every agent already installed
// in the store, so a restart picks schedules and websocket clients back up
// without re-running initialize_agent.
func resumeAgents(rt *core.Runtime, sup *supervisor.Supervisor) error {
	var agents []core.ID
	err := rt.Store.View(func(tx *core.Tx) error {
		var err error
		agents, err = core.EnumeratePrograms(tx, core.KindAgent, true)
		return err
	})
	if err != nil {
		return err
	}
	for _, agent := range agents {
		var init *core.AgentInit
		var revoked bool
		err := rt.Store.View(func(tx *core.Tx) error {
			var err error
			revoked, err = core.NewController(tx, agent).IsRevoked()
			if err != nil {
				return err
			}
			init, err = core.StoredAgentInit(tx, agent)
			return err
		})
		if err != nil {
			return err
		}
		if revoked || init == nil {
			continue
		}
		sup.StartAgent(agent, *init)
	}
	return nil
}

func drainSupervisorEvents(log *logrus.Logger, sup *supervisor.Supervisor) {
	for ev := range sup.Events() {
		fields := logrus.Fields{"agent": ev.Agent.String(), "kind": ev.Kind}
		if ev.Err != nil {
			log.WithFields(fields).WithError(ev.Err).Warn("supervisor event")
		} else {
			log.WithFields(fields).Debug("supervisor event")
		}
	}
}

// runCmd is the one-shot runner: install --contract's bytecode under the
// Introduction described by --action against --db, without starting the
// HTTP server. It prints the resulting program id (plus, for an agent, its
// schedule/ws config) as JSON to stdout.
func runCmd() *cobra.Command {
	var dbPath, contractPath, actionJSON, owner string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "introduce a program into a store without starting a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger("info")
			rt, closeStore, err := openRuntime(log, dbPath)
			if err != nil {
				return err
			}
			defer closeStore()

			code, err := os.ReadFile(contractPath)
			if err != nil {
				return fmt.Errorf("read --contract: %w", err)
			}
			introRaw, err := os.ReadFile(actionJSON)
			if err != nil {
				return fmt.Errorf("read --action: %w", err)
			}
			var intro core.Introduction
			if err := json.Unmarshal(introRaw, &intro); err != nil {
				return fmt.Errorf("parse --action as an introduction: %w", err)
			}
			var ownerID core.ID
			if owner != "" {
				if ownerID, err = core.ParseID(owner); err != nil {
					return err
				}
			}

			if intro.ID.IsAgent() {
				init, err := rt.IntroduceAgent(intro, ownerID, code)
				if err != nil {
					return err
				}
				return json.NewEncoder(os.Stdout).Encode(map[string]any{"program_id": intro.ID, "agent_init": init})
			}
			if err := rt.IntroduceContract(intro, ownerID, code); err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(map[string]any{"program_id": intro.ID})
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the bbolt store file (required)")
	cmd.Flags().StringVar(&contractPath, "contract", "", "path to a compiled wasm module (required)")
	cmd.Flags().StringVar(&actionJSON, "action", "", "path to a JSON-encoded Introduction (required)")
	cmd.Flags().StringVar(&owner, "owner", "", "owning participant id")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("contract")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}
