package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sitebox/internal/orchestrator"
	"github.com/jkaninda/sitebox/internal/site"
)

var (
	createDomain  string
	createEngine  string
	createRuntime string
	createStorage string
	createStart   bool
)

var createCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := initShared()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		ctx, cancel := operationContext()
		defer cancel()

		rec, err := sc.Orch.Create(ctx, orchestrator.CreateSpec{
			DisplayName:    args[0],
			Domain:         createDomain,
			ServerEngine:   createEngine,
			RuntimeVersion: createRuntime,
			StorageEngine:  createStorage,
			StartNow:       createStart,
		})
		if err != nil {
			return err
		}
		return printRecord(rec)
	},
}

var startCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Start a sandbox's server process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSandbox(args[0], func(ctx context.Context, sc *SharedComponents, id uuid.UUID) (*site.Sandbox, error) {
			return sc.Orch.Start(ctx, id)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Stop a sandbox's server process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSandbox(args[0], func(ctx context.Context, sc *SharedComponents, id uuid.UUID) (*site.Sandbox, error) {
			return sc.Orch.Stop(ctx, id)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a sandbox and all its data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return &site.ValidationError{Field: "id", Reason: "not a valid sandbox ID"}
		}
		sc, err := initShared()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		ctx, cancel := operationContext()
		defer cancel()

		if err := sc.Orch.Delete(ctx, id); err != nil {
			return err
		}
		return printJSON(map[string]string{"id": id.String(), "status": "deleted"})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sandboxes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := initShared()
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		return printJSON(sc.Orch.List())
	},
}

var (
	swapEngine  string
	swapRuntime string
	swapStorage string
)

var swapCmd = &cobra.Command{
	Use:   "swap-engine ID",
	Short: "Swap a sandbox's engine configuration in place",
	Long: `Swap the server engine, runtime version, or storage backend of a sandbox
without changing its ID, domain, or port. On any failure the previous
configuration is restored and the previous process restarted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if swapEngine == "" && swapRuntime == "" && swapStorage == "" {
			return &site.ValidationError{
				Field:  "swap",
				Reason: "at least one of --engine, --runtime, --storage is required",
			}
		}
		return withSandbox(args[0], func(ctx context.Context, sc *SharedComponents, id uuid.UUID) (*site.Sandbox, error) {
			return sc.Orch.Swap(ctx, id, orchestrator.SwapSpec{
				ServerEngine:   swapEngine,
				RuntimeVersion: swapRuntime,
				StorageEngine:  swapStorage,
			})
		})
	},
}

func init() {
	createCmd.Flags().StringVar(&createDomain, "domain", "", "local domain (default: derived from NAME)")
	createCmd.Flags().StringVar(&createEngine, "engine", "", "server engine: builtin, nginx, caddy")
	createCmd.Flags().StringVar(&createRuntime, "runtime", "", "runtime version, e.g. 8.3")
	createCmd.Flags().StringVar(&createStorage, "storage", "", "storage engine: sqlite, postgresql, cockroach")
	createCmd.Flags().BoolVar(&createStart, "start", false, "start the sandbox immediately")

	swapCmd.Flags().StringVar(&swapEngine, "engine", "", "new server engine")
	swapCmd.Flags().StringVar(&swapRuntime, "runtime", "", "new runtime version")
	swapCmd.Flags().StringVar(&swapStorage, "storage", "", "new storage engine")
}

// withSandbox runs one orchestrator operation against a parsed sandbox ID
// and prints the resulting record.
func withSandbox(rawID string, op func(context.Context, *SharedComponents, uuid.UUID) (*site.Sandbox, error)) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return &site.ValidationError{Field: "id", Reason: "not a valid sandbox ID"}
	}
	sc, err := initShared()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, cancel := operationContext()
	defer cancel()

	rec, err := op(ctx, sc, id)
	if err != nil {
		return err
	}
	return printRecord(rec)
}

// operationContext is canceled by Ctrl-C, so an interrupted Create or Start
// still releases its port and kills any partially started process.
func operationContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printRecord(rec *site.Sandbox) error {
	return printJSON(rec)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
