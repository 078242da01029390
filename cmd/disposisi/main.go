package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"disposisi-go/internal/app"
	"disposisi-go/internal/config"
	"disposisi-go/internal/disposisi"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "DocCreate", "Backup").
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cmd.Context(), cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// readPassphrase prompts for a passphrase without echoing it.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(pass), nil
}

// parseFieldFlags turns repeated key=value flags into a field map.
// Values parse as bool, integer, or float when they look like one,
// otherwise they stay strings.
func parseFieldFlags(raw []string) (map[string]any, error) {
	fields := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q (expected key=value)", kv)
		}
		fields[key] = parseFieldValue(value)
	}
	return fields, nil
}

func parseFieldValue(s string) any {
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "disposisi",
	Short: "Document disposition manager",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Database:   %s\n", cfg.Database.Type)
		fmt.Printf("Blob Store: %s\n", cfg.BlobStore.Type)
		fmt.Printf("Backup Dir: %s\n", cfg.Backup.Dir)
		fmt.Printf("Encrypt:    %v\n", cfg.Backup.Encrypt)
		return nil
	},
}

var configKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the backup encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Keygen")
		if err != nil {
			return err
		}
		defer a.Close()

		if a.EncryptionConfigured() {
			return fmt.Errorf("encryption keys already exist")
		}

		pass, err := readPassphrase("Passphrase for private key: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}
		if pass == "" {
			return fmt.Errorf("passphrase must not be empty")
		}

		if err := a.SetupEncryption(pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}

		fmt.Println("Encryption key pair generated.")
		return nil
	},
}

// doc command
var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Manage documents",
}

var docCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a document",
	RunE: func(cmd *cobra.Command, args []string) error {
		rawFields, _ := cmd.Flags().GetStringArray("field")
		attachments, _ := cmd.Flags().GetStringArray("attach")

		fields, err := parseFieldFlags(rawFields)
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "DocCreate")
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.CreateDocument(cmd.Context(), fields, attachments)
		if err != nil {
			return err
		}
		return printJSON(doc)
	},
}

var docGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid document id %q", args[0])
		}

		a, err := newApp(cmd, "DocGet")
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.GetDocument(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(doc)
	},
}

var docListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		a, err := newApp(cmd, "DocList")
		if err != nil {
			return err
		}
		defer a.Close()

		docs, err := a.ListDocuments(cmd.Context(), disposisi.ListFilter{
			Status: disposisi.StatusFilter(status),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		return printJSON(docs)
	},
}

var docUpdateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Update a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid document id %q", args[0])
		}
		version, _ := cmd.Flags().GetInt64("version")
		rawFields, _ := cmd.Flags().GetStringArray("field")

		fields, err := parseFieldFlags(rawFields)
		if err != nil {
			return err
		}

		patch := disposisi.Patch{Fields: fields}
		if cmd.Flags().Changed("attach") {
			attachments, _ := cmd.Flags().GetStringArray("attach")
			patch.Attachments = &attachments
		}

		a, err := newApp(cmd, "DocUpdate")
		if err != nil {
			return err
		}
		defer a.Close()

		doc, err := a.UpdateDocument(cmd.Context(), id, version, patch)
		if err != nil {
			return err
		}
		return printJSON(doc)
	},
}

var docDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid document id %q", args[0])
		}
		hard, _ := cmd.Flags().GetBool("hard")

		a, err := newApp(cmd, "DocDelete")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteDocument(cmd.Context(), id, hard); err != nil {
			return err
		}

		if hard {
			fmt.Printf("Document %d permanently deleted\n", id)
		} else {
			fmt.Printf("Document %d deleted\n", id)
		}
		return nil
	},
}

// blob command
var blobCmd = &cobra.Command{
	Use:   "blob",
	Short: "Manage attachments",
}

var blobPutCmd = &cobra.Command{
	Use:   "put PATH",
	Short: "Store a file as an attachment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contentType, _ := cmd.Flags().GetString("content-type")

		a, err := newApp(cmd, "BlobPut")
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.PutBlob(cmd.Context(), args[0], contentType)
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

var blobGetCmd = &cobra.Command{
	Use:   "get ID [DEST]",
	Short: "Retrieve an attachment",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest := ""
		if len(args) > 1 {
			dest = args[1]
		}

		a, err := newApp(cmd, "BlobGet")
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.GetBlob(cmd.Context(), args[0], dest)
		if err != nil {
			return err
		}

		if dest == "" {
			dest = info.Filename
		}
		fmt.Printf("Wrote %d bytes to %s\n", info.Size, dest)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a backup archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Backup")
		if err != nil {
			return err
		}
		defer a.Close()

		path, err := a.Backup(cmd.Context())
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		fmt.Printf("Backup written to %s\n", path)
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore ARCHIVE",
	Short: "Restore from a backup archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		a, err := newApp(cmd, "Restore")
		if err != nil {
			return err
		}
		defer a.Close()

		opts := disposisi.RestoreOptions{Overwrite: overwrite}
		if a.EncryptionConfigured() {
			pass, err := readPassphrase("Passphrase: ")
			if err != nil {
				return err
			}
			opts.Passphrase = pass
		}

		result, err := a.Restore(cmd.Context(), args[0], opts)
		if err != nil {
			if result != nil && disposisi.IsCode(err, disposisi.CodeConflict) && !overwrite {
				fmt.Printf("Status: %s\n", result.Status)
				for _, id := range result.ConflictingDocuments {
					fmt.Printf("  conflicting document: %d\n", id)
				}
				for _, name := range result.ConflictingCounters {
					fmt.Printf("  conflicting counter: %s\n", name)
				}
				fmt.Println("Re-run with --overwrite to replace conflicting data.")
			}
			return fmt.Errorf("restore failed: %w", err)
		}

		fmt.Printf("Status: %s\n", result.Status)
		fmt.Printf("Documents restored: %d\n", result.DocumentsRestored)
		fmt.Printf("Blobs restored:     %d\n", result.BlobsRestored)
		fmt.Printf("Counters restored:  %d\n", result.CountersRestored)
		return nil
	},
}

// gc command
var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete unreferenced attachments",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "PurgeOrphans")
		if err != nil {
			return err
		}
		defer a.Close()

		count, err := a.PurgeOrphans(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Removed %d orphaned blob(s)\n", count)
		return nil
	},
}

// stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Stats")
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.Stats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Documents: %d\n", stats.DocumentCount)
		fmt.Printf("Blobs:     %d\n", stats.BlobCount)
		for name, value := range stats.Counters {
			fmt.Printf("Counter %s: %d\n", name, value)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View document audit history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "History")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No history recorded.")
			return nil
		}

		for _, e := range entries {
			fmt.Printf("%s  %-18s  doc:%d  %s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"),
				e.Action,
				e.DocumentID,
				e.Details,
			)
		}
		return nil
	},
}

// seq command
var seqCmd = &cobra.Command{
	Use:   "seq",
	Short: "Manage counters",
}

var seqNextCmd = &cobra.Command{
	Use:   "next NAME",
	Short: "Allocate the next counter value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "SeqNext")
		if err != nil {
			return err
		}
		defer a.Close()

		value, err := a.NextSequence(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Println(value)
		return nil
	},
}

var seqResetCmd = &cobra.Command{
	Use:   "reset NAME VALUE",
	Short: "Set a counter to a value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid counter value %q", args[1])
		}

		a, err := newApp(cmd, "SeqReset")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ResetSequence(cmd.Context(), args[0], value); err != nil {
			return err
		}

		fmt.Printf("Counter %s set to %d\n", args[0], value)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configKeygenCmd)

	// doc subcommands
	docCmd.AddCommand(docCreateCmd)
	docCreateCmd.Flags().StringArray("field", nil, "Document field as key=value (repeatable)")
	docCreateCmd.Flags().StringArray("attach", nil, "Attachment blob ID (repeatable)")
	docCmd.AddCommand(docGetCmd)
	docCmd.AddCommand(docListCmd)
	docListCmd.Flags().String("status", "active", "Filter: active, deleted, or all")
	docListCmd.Flags().IntP("limit", "n", 0, "Maximum number of documents to show")
	docListCmd.Flags().Int("offset", 0, "Number of documents to skip")
	docCmd.AddCommand(docUpdateCmd)
	docUpdateCmd.Flags().Int64("version", 0, "Expected document version")
	docUpdateCmd.MarkFlagRequired("version")
	docUpdateCmd.Flags().StringArray("field", nil, "Field to set as key=value (repeatable)")
	docUpdateCmd.Flags().StringArray("attach", nil, "Replacement attachment blob ID (repeatable)")
	docCmd.AddCommand(docDeleteCmd)
	docDeleteCmd.Flags().Bool("hard", false, "Remove the document permanently")

	// blob subcommands
	blobCmd.AddCommand(blobPutCmd)
	blobPutCmd.Flags().String("content-type", "", "MIME type of the file")
	blobCmd.AddCommand(blobGetCmd)

	// seq subcommands
	seqCmd.AddCommand(seqNextCmd)
	seqCmd.AddCommand(seqResetCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(docCmd)
	rootCmd.AddCommand(blobCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().Bool("overwrite", false, "Replace conflicting documents and counters")
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries to show")
	rootCmd.AddCommand(seqCmd)
}
