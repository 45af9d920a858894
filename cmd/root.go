package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dKB/cmd/kb"
	"github.com/ValentinKolb/dKB/cmd/serve"
	"github.com/ValentinKolb/dKB/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dkb",
		Short: "replicated document store with a Prolog knowledge base",
		Long: fmt.Sprintf(`dKB (v%s)

Keeps an ordered, replicated document in sync with a directory of JSON
files and an HTTP API, and rebuilds a queryable Prolog knowledge base
whenever the document changes.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dKB",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dKB v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kb.KnowledgeBaseCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("body encoding of the api client (json, msgpack)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
