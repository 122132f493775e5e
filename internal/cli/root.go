// Package cli implements the treedocctl commands.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/treedoc/internal/crdt"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the server rejected the request
	ExitCommandError = 2 // bad flags or an unreachable server
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server   string
	Document string
	ClientID string
	Format   string
	Timeout  time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func (o *RootOptions) client() *Client {
	return NewClient(o.Server, o.Document, o.ClientID, o.Timeout)
}

// NewRootCommand creates the treedocctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "treedocctl",
		Short: "Inspect and edit treedoc documents",
		Long:  "treedocctl talks to a treedoc server over its HTTP API.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.Server, "server", "s", "http://localhost:8080", "server base URL")
	cmd.PersistentFlags().StringVarP(&opts.Document, "document", "d", "default", "document id")
	cmd.PersistentFlags().StringVar(&opts.ClientID, "client-id", "treedocctl", "client id sent with edits")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(newDocumentCommand(opts))
	cmd.AddCommand(newNodesCommand(opts))
	cmd.AddCommand(newInsertCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newPositionCommand(opts))
	cmd.AddCommand(newTypeCommand(opts))

	return cmd
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var status *StatusError
	if errors.As(err, &status) && status.Code < http.StatusInternalServerError {
		return ExitFailure
	}
	return ExitCommandError
}

func newDocumentCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "document",
		Short: "Print the document text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := opts.client().Document(cmd.Context())
			if err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), opts.Format, map[string]string{"document": opts.Document, "text": text}, text)
		},
	}
}

func newNodesCommand(opts *RootOptions) *cobra.Command {
	var deleted bool
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the nodes of the document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := opts.client().Nodes(cmd.Context(), deleted)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return write(cmd.OutOrStdout(), opts.Format, nodes, "")
			}
			for _, n := range nodes {
				mark := ""
				if n.Deleted {
					mark = " (deleted)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tparent=%s\tcounter=%d\t%q%s\n", n.ID, n.Parent, n.Counter, string(n.Value), mark)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleted, "deleted", false, "list tombstones only")
	return cmd
}

func newInsertCommand(opts *RootOptions) *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "insert <char>",
		Short: "Insert one character under a parent node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.client().Insert(cmd.Context(), args[0], parent)
			if err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), opts.Format, map[string]string{"id": id}, id)
		},
	}
	cmd.Flags().StringVarP(&parent, "parent", "p", crdt.RootID.String(), "parent node id")
	return cmd
}

func newDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <node-id>",
		Short: "Delete a character by node id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := crdt.ParseNodeID(args[0]); err != nil {
				return err
			}
			deleted, err := opts.client().Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), opts.Format, map[string]bool{"deleted": deleted}, strconv.FormatBool(deleted))
		},
	}
}

func newPositionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "position <index>",
		Short: "Print the node id of the character at index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("index must be an integer: %w", err)
			}
			id, err := opts.client().Position(cmd.Context(), index)
			if err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), opts.Format, map[string]any{"index": index, "id": id}, id)
		},
	}
}

func newTypeCommand(opts *RootOptions) *cobra.Command {
	var after string
	cmd := &cobra.Command{
		Use:   "type <text>",
		Short: "Insert text as a chain of characters",
		Long: `Insert text one character at a time, each under the previous one.

Example:
  treedocctl type "hello" --after 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			parent := after
			ids := make([]string, 0, len(args[0]))
			for _, r := range args[0] {
				id, err := client.Insert(cmd.Context(), string(r), parent)
				if err != nil {
					return fmt.Errorf("insert %q after %s: %w", r, parent, err)
				}
				ids = append(ids, id)
				parent = id
			}
			return write(cmd.OutOrStdout(), opts.Format, map[string][]string{"ids": ids}, parent)
		},
	}
	cmd.Flags().StringVarP(&after, "after", "a", crdt.RootID.String(), "node id to type after")
	return cmd
}

func write(w io.Writer, format string, v any, text string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}
