package kb

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	submitCmd = &cobra.Command{
		Use:   "submit [prolog]",
		Short: "Submits Prolog source as an entry (or a JSON document with --file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			file, _ := cmd.Flags().GetString("file")
			field, _ := cmd.Flags().GetString("field")
			key, _ := cmd.Flags().GetString("key")

			var payload map[string]any
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &payload); err != nil {
					return fmt.Errorf("%s is no JSON object: %w", file, err)
				}
				if payload == nil {
					return fmt.Errorf("%s is no JSON object", file)
				}
			case len(args) == 1:
				payload = map[string]any{field: args[0]}
			default:
				return fmt.Errorf("either a Prolog source or --file is required")
			}
			if key != "" {
				payload["key"] = key
			}

			resp, err := kbClient.Submit(cmd.Context(), id, payload)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s at position %d)\n", resp.Message, resp.Key, resp.Position)
			return nil
		},
	}
	ruleCmd = &cobra.Command{
		Use:   "rule [rule]",
		Short: "Adds a single rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			resp, err := kbClient.AddRule(cmd.Context(), id, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", resp.Message, resp.Key)
			return nil
		},
	}
	patchCmd = &cobra.Command{
		Use:   "patch [id] [json]",
		Short: "Merges a JSON patch into an api entry (null removes a field)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch map[string]any
			if err := json.Unmarshal([]byte(args[1]), &patch); err != nil {
				return fmt.Errorf("patch is no JSON object: %w", err)
			}
			resp, err := kbClient.Patch(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", resp.Message, resp.Key)
			return nil
		},
	}
	rmCmd = &cobra.Command{
		Use:   "rm [id]",
		Short: "Deletes an api entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := kbClient.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if resp.Found {
				fmt.Printf("deleted %s\n", resp.Key)
			} else {
				fmt.Printf("%s does not exist\n", resp.Key)
			}
			return nil
		},
	}
	queryCmd = &cobra.Command{
		Use:   "query [query]",
		Short: "Runs a Prolog query against the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := kbClient.Query(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp.Result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	lsCmd = &cobra.Command{
		Use:   "ls",
		Short: "Lists all entries of the document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := kbClient.Entries(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "#\tKEY\tORIGIN\tACTION\tUPDATED\tPAYLOAD")
			for i, e := range resp.Entries {
				_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					i, e.Key, e.Origin, e.Action, e.UpdatedAt.Format(time.RFC3339), truncate(string(e.Payload), 60))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d entries (version %d)\n", len(resp.Entries), resp.Version)
			return nil
		},
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Shows the state of the document and the knowledge base",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := kbClient.Status(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
)

func init() {
	submitCmd.Flags().String("id", "", "id of the entry (generated if empty)")
	submitCmd.Flags().String("file", "", "JSON file to submit as payload")
	submitCmd.Flags().String("field", "prolog", "field the Prolog source is stored in")
	submitCmd.Flags().String("key", "", "full key of the entry to replace (e.g. file:/data/rules.json), takes precedence over --id")
	ruleCmd.Flags().String("id", "", "id of the entry (generated if empty)")
}

// truncate shortens s to at most n runes
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
