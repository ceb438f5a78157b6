// Command coord is the control plane CLI (spec §6): a thin command
// surface invoking the coordinator, reactor, telemetry, and optimization
// loop operations directly against a coordination directory.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coreframe/coord/pkg/config"
	"github.com/coreframe/coord/pkg/coordinator"
	"github.com/coreframe/coord/pkg/coorderrs"
	"github.com/coreframe/coord/pkg/ident"
	"github.com/coreframe/coord/pkg/log"
	"github.com/coreframe/coord/pkg/optimizer"
	"github.com/coreframe/coord/pkg/pcs"
	"github.com/coreframe/coord/pkg/types"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes, normative per spec §6.
const (
	exitOK        = 0
	exitConflict  = 10
	exitUnknown   = 20
	exitInvariant = 30
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch coorderrs.KindOf(err) {
	case coorderrs.AlreadyClaimed:
		return exitConflict
	case coorderrs.UnknownAgent, coorderrs.UnknownWork:
		return exitUnknown
	case coorderrs.InvariantViolation:
		return exitInvariant
	default:
		return 1
	}
}

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:     "coord",
	Short:   "coord drives the work-claim coordination runtime",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("coord version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("coord-dir", "", "Coordination directory (overrides COORD_DIR)")
	rootCmd.PersistentFlags().String("env-file", "", "Optional .env file to load")
	rootCmd.PersistentFlags().String("config-file", "coord.yaml", "Optional coord.yaml config file")

	cobra.OnInitialize(initConfigAndLogging)

	rootCmd.AddCommand(registerCmd, claimCmd, claimIntelligentCmd, progressCmd, completeCmd, releaseCmd, statusCmd, optimizeCmd)
}

func initConfigAndLogging() {
	envFile, _ := rootCmd.PersistentFlags().GetString("env-file")
	configFile, _ := rootCmd.PersistentFlags().GetString("config-file")

	loaded, err := config.Load(envFile, configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded

	if dir, _ := rootCmd.PersistentFlags().GetString("coord-dir"); dir != "" {
		cfg.CoordDir = dir
	}

	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func openCoordinator() (*coordinator.Coordinator, error) {
	store, err := pcs.Open(cfg.CoordDir)
	if err != nil {
		return nil, err
	}
	ids := ident.NewWithHostPrefix(cfg.HostPrefix)
	return coordinator.New(store, ids), nil
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		team, _ := cmd.Flags().GetString("team")
		specialization, _ := cmd.Flags().GetString("specialization")
		capacity, _ := cmd.Flags().GetInt("capacity")

		crd, err := openCoordinator()
		if err != nil {
			return err
		}
		agentID, err := crd.RegisterAgent(cmd.Context(), team, specialization, capacity)
		if err != nil {
			return err
		}
		fmt.Println(agentID)
		return nil
	},
}

func init() {
	registerCmd.Flags().String("team", "", "Team to register the agent under")
	registerCmd.Flags().String("specialization", "", "Agent specialization tag")
	registerCmd.Flags().Int("capacity", 1, "Agent concurrent-work capacity")
}

var claimCmd = &cobra.Command{
	Use:   "claim <work_id> <agent_id>",
	Short: "Claim a specific work item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		crd, err := openCoordinator()
		if err != nil {
			return err
		}
		traceCtx, err := traceContextFromFlags(cmd)
		if err != nil {
			return err
		}
		_, err = crd.Claim(cmd.Context(), args[0], args[1], traceCtx)
		return err
	},
}

var claimIntelligentCmd = &cobra.Command{
	Use:   "claim-intelligent <type> <desc> <priority> <team>",
	Short: "Create and intelligently route a work item to the best available agent",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		crd, err := openCoordinator()
		if err != nil {
			return err
		}
		traceCtx, err := traceContextFromFlags(cmd)
		if err != nil {
			return err
		}
		workID, _, err := crd.ClaimIntelligent(cmd.Context(), args[0], args[1], types.Priority(args[2]), args[3], traceCtx)
		if err != nil {
			return err
		}
		fmt.Println(workID)
		return nil
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress <work_id> <agent_id> <pct>",
	Short: "Report claim progress",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pct int
		if _, err := fmt.Sscanf(args[2], "%d", &pct); err != nil {
			return coorderrs.New(coorderrs.IO, "", "invalid progress percentage %q", args[2])
		}
		crd, err := openCoordinator()
		if err != nil {
			return err
		}
		return crd.Progress(cmd.Context(), args[0], args[1], pct)
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <work_id> <agent_id> <result>",
	Short: "Mark a claim complete",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		velocity, _ := cmd.Flags().GetInt("velocity")
		var velocityPtr *int
		if cmd.Flags().Changed("velocity") {
			velocityPtr = &velocity
		}
		crd, err := openCoordinator()
		if err != nil {
			return err
		}
		return crd.Complete(cmd.Context(), args[0], args[1], args[2], velocityPtr)
	},
}

func init() {
	completeCmd.Flags().Int("velocity", 0, "Velocity points to record against the coordination log entry")
}

var releaseCmd = &cobra.Command{
	Use:   "release <work_id> <agent_id> <reason>",
	Short: "Release a claim back to pending",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		crd, err := openCoordinator()
		if err != nil {
			return err
		}
		return crd.Release(cmd.Context(), args[0], args[1], args[2])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a snapshot of work items and agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		crd, err := openCoordinator()
		if err != nil {
			return err
		}
		work, err := crd.ListWork(cmd.Context())
		if err != nil {
			return err
		}
		agents, err := crd.ListAgents(cmd.Context())
		if err != nil {
			return err
		}
		snapshot := map[string]any{"work_items": work, "agents": agents}
		out, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run the optimization loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		loopMode, _ := cmd.Flags().GetBool("loop")

		store, err := pcs.Open(cfg.CoordDir)
		if err != nil {
			return err
		}
		ids := ident.NewWithHostPrefix(cfg.HostPrefix)
		crd := coordinator.New(store, ids)
		loop := optimizer.New(crd, store).WithAgentTTL(cfg.AgentTTL)

		if loopMode {
			loop.Start(cfg.OptimizationInterval)
			<-cmd.Context().Done()
			loop.Stop()
			return nil
		}
		return loop.RunCycle(cmd.Context())
	},
}

func init() {
	optimizeCmd.Flags().Bool("once", true, "Run a single optimization cycle and exit (default)")
	optimizeCmd.Flags().Bool("loop", false, "Run continuously at the configured optimization interval until cancelled")
}

func traceContextFromFlags(cmd *cobra.Command) (types.TraceContext, error) {
	traceID, _ := cmd.Flags().GetString("trace-id")
	parentSpanID, _ := cmd.Flags().GetString("parent-span-id")
	if traceID == "" {
		traceID = ident.NewTraceID()
	}
	return types.TraceContext{
		TraceID:      traceID,
		SpanID:       ident.NewSpanID(),
		ParentSpanID: parentSpanID,
	}, nil
}

func init() {
	for _, c := range []*cobra.Command{claimCmd, claimIntelligentCmd} {
		c.Flags().String("trace-id", "", "W3C trace id to propagate (generated if omitted)")
		c.Flags().String("parent-span-id", "", "W3C parent span id to propagate")
	}
}
