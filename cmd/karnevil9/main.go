// Command karnevil9 hosts the agentic task runtime.
//
// Usage:
//
//	karnevil9 serve --config config.yaml
//	karnevil9 run --config config.yaml --task "summarize the logs" --mode mock
//	karnevil9 validate --config config.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/oldeucryptoboi/karnevil9/pkg/config"
	"github.com/oldeucryptoboi/karnevil9/pkg/journal"
	"github.com/oldeucryptoboi/karnevil9/pkg/logger"
	"github.com/oldeucryptoboi/karnevil9/pkg/runtime"
	"github.com/oldeucryptoboi/karnevil9/pkg/session"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the runtime host (scheduler and swarm node)."`
	Run      RunCmd      `cmd:"" help:"Run a single task to completion."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Verify   VerifyCmd   `cmd:"" help:"Verify the journal hash chain."`

	Config   string `short:"c" help:"Path to config file." type:"path" default:"config.yaml"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:""`
	LogFile  string `help:"Log file path (empty = stderr)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("karnevil9 %s\n", version)
	return nil
}

// ValidateCmd validates the configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Println("configuration is valid")
	return nil
}

// VerifyCmd re-verifies the journal hash chain.
type VerifyCmd struct{}

func (c *VerifyCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	j, err := journal.Open(cfg.Journal.Path, journal.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	report, err := j.VerifyIntegrity()
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if !report.Valid {
		return fmt.Errorf("journal chain broken at seq %v", *report.FirstBrokenSeq)
	}
	return nil
}

// ServeCmd starts the long-running host.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	rt, cfg, err := buildRuntime(cli)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("karnevil9 serving (journal: %s, swarm: %v, scheduler: %v)\n",
		cfg.Journal.Path, cfg.Swarm.Enabled, cfg.Scheduler.Enabled)

	<-ctx.Done()
	fmt.Println("shutting down")
	rt.Stop(context.Background())
	return nil
}

// RunCmd executes one task through the kernel.
type RunCmd struct {
	Task string `help:"Task text." required:""`
	Mode string `help:"Execution mode (real, dry_run, mock)." default:"real" enum:"real,dry_run,mock"`
}

func (c *RunCmd) Run(cli *CLI) error {
	rt, _, err := buildRuntime(cli)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer rt.Stop(context.Background())

	sess := rt.NewSession(c.Task, session.Mode(c.Mode))
	if err := rt.RunSession(ctx, sess); err != nil {
		return err
	}

	fmt.Printf("session %s finished: %s\n", sess.ID, sess.Status())
	if reason := sess.FailReason(); reason != "" {
		fmt.Printf("reason: %s\n", reason)
	}
	usage := sess.Usage()
	fmt.Printf("usage: %d tokens, $%.4f, %d calls\n", usage.Tokens, usage.TotalCostUSD, usage.Calls)
	if sess.Status() != session.StatusCompleted {
		os.Exit(1)
	}
	return nil
}

func buildRuntime(cli *CLI) (*runtime.Runtime, *config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, nil, err
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.LogFile != "" {
		cfg.LogFile = cli.LogFile
	}

	output := os.Stderr
	if cfg.LogFile != "" {
		// The log file stays open for the life of the process.
		file, _, err := logger.OpenLogFile(cfg.LogFile)
		if err != nil {
			return nil, nil, err
		}
		output = file
	}
	logger.Init(logger.ParseLevel(cfg.LogLevel), output)

	rt, err := runtime.New(cfg, runtime.Options{
		Planner: runtime.DirectPlanner{},
		Prompt:  runtime.StdioPrompt,
	})
	if err != nil {
		return nil, nil, err
	}
	return rt, cfg, nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("karnevil9"),
		kong.Description("Agentic task runtime with policy enforcement and swarm delegation."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
