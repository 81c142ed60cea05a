// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command ryu is the multi-agent orchestration gateway.
//
// Usage:
//
//	ryu serve --config ryu.yaml
//	ryu validate --config ryu.yaml
//	ryu schema
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/ryu/pkg/agent"
	"github.com/kadirpekel/ryu/pkg/config"
	"github.com/kadirpekel/ryu/pkg/evidence"
	"github.com/kadirpekel/ryu/pkg/llms"
	"github.com/kadirpekel/ryu/pkg/logger"
	"github.com/kadirpekel/ryu/pkg/observability"
	"github.com/kadirpekel/ryu/pkg/orchestrator"
	"github.com/kadirpekel/ryu/pkg/recovery"
	"github.com/kadirpekel/ryu/pkg/server"
	"github.com/kadirpekel/ryu/pkg/session"
	"github.com/kadirpekel/ryu/pkg/task"
	"github.com/kadirpekel/ryu/pkg/todomd"
	"github.com/kadirpekel/ryu/pkg/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the gateway."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the config."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"ryu.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(*CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("ryu gateway version %s\n", version)
	return nil
}

// ValidateCmd validates the configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	rendered, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration valid.\n\n%s", rendered)
	return nil
}

// SchemaCmd emits the config JSON schema.
type SchemaCmd struct{}

func (c *SchemaCmd) Run(*CLI) error {
	reflector := jsonschema.Reflector{ExpandedStruct: true}
	schema := reflector.Reflect(&config.Config{})
	data, err := schema.MarshalJSON()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ServeCmd starts the gateway.
type ServeCmd struct {
	Host string `help:"Listen host override."`
	Port int    `help:"Listen port override."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	obs, err := observability.New(cfg.Observability)
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}

	// Wiring: registry -> router -> engine -> server.
	registry := llms.NewBackendRegistry(&cfg.LLM)
	router := llms.NewRouter(registry,
		cfg.LLM.FailureThreshold,
		time.Duration(cfg.LLM.CooldownSeconds)*time.Second,
		time.Duration(cfg.LLM.HealthCacheTTLSeconds)*time.Second,
	)

	hooks := session.NewHTTPHooks(cfg.Session.HooksURL, time.Duration(cfg.Session.TimeoutSeconds)*time.Second)

	host := tools.NewMCPHost(cfg.Tools.HostURL,
		tools.WithCallTimeout(time.Duration(cfg.Tools.CallTimeoutSeconds)*time.Second))
	defer func() { _ = host.Close() }()

	permissions := tools.NewPermissionManager(cfg.Agent.OperationMode, cfg.Tools.PermissionsPath)
	if err := permissions.Load(); err != nil {
		slog.Warn("failed to load persisted permissions", "error", err)
	}

	dispatcher := &tools.Dispatcher{
		Permissions: permissions,
		Hooks:       hooks,
		Host:        host,
		Role:        session.RoleLeader,
	}

	// Tool catalog: host tools plus the local set.
	toolDefs := agent.LocalToolDefinitions()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if hostTools, err := host.ListTools(ctx); err != nil {
		slog.Warn("tool host unavailable at startup", "url", cfg.Tools.HostURL, "error", err)
	} else {
		for _, t := range hostTools {
			toolDefs = append(toolDefs, llms.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
	}
	cancel()
	dispatcher.SetSchemas(toToolInfos(toolDefs))

	store := task.NewInMemoryStore()
	rec := recovery.NewManager(store, cfg.Workspace.CheckpointRoot)
	evidenceGen := evidence.NewGenerator(cfg.Workspace.EvidenceRoot)
	engine := orchestrator.NewEngine(store, rec, evidenceGen, cfg.Orchestrator)

	// Source of truth scaffold + change watcher.
	todo := todomd.NewParser(cfg.Workspace.TodoPath)
	if err := todo.EnsureExists(); err != nil {
		slog.Warn("failed to create todo.md scaffold", "error", err)
	}
	engine.SetTodoSync(orchestrator.NewTodoSync(todo))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if watcher, err := todomd.NewWatcher(todo, func(sections map[string][]todomd.Item) {
		slog.Debug("todo.md changed",
			"backlog", len(sections["Backlog"]), "active", len(sections["Active"]),
			"done", len(sections["Done"]))
	}); err != nil {
		slog.Warn("todo.md watcher unavailable", "error", err)
	} else {
		go watcher.Run(rootCtx)
	}

	// Silent-worker monitor.
	monitor := orchestrator.NewSilentMonitor(store, evidenceGen,
		time.Duration(cfg.Orchestrator.SilentCheckIntervalSeconds)*time.Second,
		time.Duration(cfg.Orchestrator.SilenceThresholdSeconds)*time.Second,
	)
	go monitor.Run(rootCtx)

	// Startup recovery: auto-resume maintenance pauses.
	recovered := rec.RecoverFromShutdown()
	slog.Info("startup recovery",
		"paused_found", recovered["paused_tasks_found"],
		"auto_resumed", recovered["auto_resumed"])

	srv := server.New(server.Options{
		Config:     cfg,
		Registry:   registry,
		Router:     router,
		Engine:     engine,
		Recovery:   rec,
		Store:      store,
		Dispatcher: dispatcher,
		Hooks:      hooks,
		Obs:        obs,
		Tools:      toolDefs,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-rootCtx.Done():
	}

	slog.Info("shutting down gracefully")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := permissions.Save(); err != nil {
		slog.Warn("failed to persist permissions", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return obs.Shutdown(shutdownCtx)
}

func toToolInfos(defs []llms.ToolDefinition) []tools.ToolInfo {
	infos := make([]tools.ToolInfo, 0, len(defs))
	for _, d := range defs {
		infos = append(infos, tools.ToolInfo{Name: d.Name, Description: d.Description, InputSchema: d.Parameters})
	}
	return infos
}

func main() {
	cli := &CLI{}
	parsed := kong.Parse(cli,
		kong.Name("ryu"),
		kong.Description("Multi-agent orchestration gateway fronting a fleet of LLM backends."),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	if err := parsed.Run(cli); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
