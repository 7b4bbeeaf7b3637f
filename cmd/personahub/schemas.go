package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"persona-hub/internal/domain"
	"persona-hub/internal/usecase/eventbus"
)

func newSchemasCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "schemas [event-type]",
		GroupID: "server",
		Short:   "List event types, or print one type's payload schema",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := eventbus.NewSchemaRegistry()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return printSchema(out, reg, domain.EventType(args[0]))
			}
			return listSchemas(out, reg)
		},
	}
}

func listSchemas(w io.Writer, reg *eventbus.SchemaRegistry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT TYPE\tPERMISSION\tDESCRIPTION")
	for _, t := range reg.EventTypes() {
		d, _ := reg.Descriptor(t)
		perm := string(d.RequiredPermission)
		if perm == "" {
			perm = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t, perm, d.Description)
	}
	return tw.Flush()
}

func printSchema(w io.Writer, reg *eventbus.SchemaRegistry, t domain.EventType) error {
	d, ok := reg.Descriptor(t)
	if !ok {
		return domain.NewDomainError("schemas", domain.ErrUnknownEventType, string(t))
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, d.Schema, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "validate <event-type> <file>",
		GroupID: "server",
		Short:   "Validate a JSON payload file against an event type's schema",
		Long: `Validate reads a JSON payload from file ("-" for stdin) and checks it
against the schema registered for event-type. On success the normalized
payload is printed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}
			reg, err := eventbus.NewSchemaRegistry()
			if err != nil {
				return err
			}
			out, err := reg.Validate(domain.EventType(args[0]), data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out)
			return nil
		},
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}
