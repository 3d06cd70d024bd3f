package main

import (
	"encoding/json"
	"errors"
	"fmt"

	loamAdapter "github.com/aretw0/tandem/pkg/adapters/loam"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/spf13/cobra"
)

var documentsCmd = &cobra.Command{
	Use:     "documents",
	Aliases: []string{"docs"},
	Short:   "Manage persisted documents",
	Long:    `List, inspect, and remove documents held by the configured store.`,
}

var documentsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List persisted documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := servicesFor(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		keys, err := svc.store.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list documents: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(keys) == 0 {
			fmt.Fprintln(out, "No documents found.")
			return nil
		}
		for _, key := range keys {
			fmt.Fprintln(out, "- "+key.String())
		}
		return nil
	},
}

// documentView is the JSON rendering of a decoded document.
type documentView struct {
	Key         string                    `json:"key"`
	Maps        map[string]map[string]any `json:"maps"`
	Texts       map[string]string         `json:"texts"`
	StateVector crdt.StateVector          `json:"state_vector"`
	Pending     int                       `json:"pending,omitempty"`
}

var documentsInspectCmd = &cobra.Command{
	Use:   "inspect <objectType:objectId>",
	Short: "Decode and print a persisted document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := domain.ParseDocumentKey(args[0])
		if err != nil {
			return err
		}
		svc, err := servicesFor(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		state, err := svc.store.Load(cmd.Context(), key)
		if err != nil {
			return fmt.Errorf("failed to load '%s': %w", key, err)
		}
		doc := crdt.NewDoc(crdt.WithGUID(key.String()))
		if err := doc.ApplyUpdate(state, domain.OriginLocalSyncManager); err != nil {
			return fmt.Errorf("failed to decode '%s': %w", key, err)
		}

		view := documentView{
			Key:         key.String(),
			Maps:        make(map[string]map[string]any),
			Texts:       make(map[string]string),
			StateVector: doc.StateVector(),
			Pending:     doc.PendingCount(),
		}
		for _, name := range doc.MapNames() {
			view.Maps[name] = doc.Map(name).ToMap()
		}
		for _, name := range doc.TextNames() {
			view.Texts[name] = doc.Text(name).String()
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

var documentsRmCmd = &cobra.Command{
	Use:   "rm <objectType:objectId>...",
	Short: "Remove one or more documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := servicesFor(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		var errs []error
		for _, arg := range args {
			key, err := domain.ParseDocumentKey(arg)
			if err == nil {
				err = svc.store.Delete(cmd.Context(), key)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to remove '%s': %w", arg, err))
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed document '%s'\n", arg)
		}
		return errors.Join(errs...)
	},
}

var documentsImportCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Import Markdown content as collaborative documents",
	Long: `Reads every Markdown, JSON or YAML document under <dir>. Frontmatter fields become record
fields and the body becomes the content text. The object type is the frontmatter "type", else the
first directory of the path; the object id is the frontmatter "id", else the file name.`,
	Args: cobra.ExactArgs(1),
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

		objectType, _ := cmd.Flags().GetString("type")
		overwrite, _ := cmd.Flags().GetBool("overwrite")
		importer, err := loamAdapter.Open(args[0],
			loamAdapter.WithDefaultType(objectType),
			loamAdapter.WithOverwrite(overwrite),
			loamAdapter.WithLogger(logger),
		)
		if err != nil {
			return err
		}

		keys, err := importer.Import(cmd.Context(), svc.store)
		for _, key := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "Imported document '%s'\n", key)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(documentsCmd)
	documentsCmd.AddCommand(documentsImportCmd)
	documentsImportCmd.Flags().String("type", "", "Object type for documents that do not declare one")
	documentsImportCmd.Flags().Bool("overwrite", false, "Replace documents that already exist")
	documentsCmd.AddCommand(documentsLsCmd)
	documentsCmd.AddCommand(documentsInspectCmd)
	documentsCmd.AddCommand(documentsRmCmd)
}

func servicesFor(cmd *cobra.Command) (*services, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openServices(cmd.Context(), cfg, logger)
}
