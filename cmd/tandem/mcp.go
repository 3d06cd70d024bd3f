package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/tandem"
	"github.com/aretw0/tandem/pkg/adapters/mcp"
	"github.com/aretw0/tandem/pkg/undo"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server over the document store",
	Long: `Exposes document editing, undo and redo as Model Context Protocol tools.
Edits share one undo history and are persisted to the configured store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		svc, err := openServices(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		opts := []tandem.Option{
			tandem.WithLogger(logger),
			tandem.WithStore(svc.store),
			tandem.WithUndoOptions(undo.WithCaptureTimeout(cfg.Undo.CaptureTimeout)),
		}
		if svc.locker != nil {
			opts = append(opts, tandem.WithLocker(svc.locker))
		}
		if svc.replication != nil {
			// Edits reach relay peers through the same pub/sub channels.
			opts = append(opts, tandem.WithProvider(svc.replication))
		}
		rt, err := tandem.New(opts...)
		if err != nil {
			return err
		}
		defer rt.Close(context.Background())

		manager, err := rt.SyncManager()
		if err != nil {
			return err
		}
		server := mcp.NewServer(manager, logger)

		sse, _ := cmd.Flags().GetString("sse")
		if sse == "" {
			return server.ServeStdio()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		baseURL, _ := cmd.Flags().GetString("base-url")
		if baseURL == "" {
			baseURL = fmt.Sprintf("http://localhost%s", sse)
		}
		return server.ServeSSE(ctx, sse, baseURL)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().String("sse", "", "Serve the SSE transport on this address (e.g. :8081) instead of stdio")
	mcpCmd.Flags().String("base-url", "", "Public base URL of the SSE transport")
}
