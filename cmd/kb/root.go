package kb

import (
	"github.com/ValentinKolb/dKB/cmd/util"
	"github.com/ValentinKolb/dKB/rpc/client"
	"github.com/spf13/cobra"
)

var (
	kbClient *client.KnowledgeBaseClient

	// KnowledgeBaseCommands represents the knowledge base command group
	KnowledgeBaseCommands = &cobra.Command{
		Use:                "kb",
		Short:              "Submit entries to and query a dKB server",
		PersistentPreRunE:  setupClient,
		PersistentPostRunE: closeClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common RPC flags to the kb command
	util.SetupRPCClientFlags(KnowledgeBaseCommands)

	// Add subcommands
	KnowledgeBaseCommands.AddCommand(submitCmd)
	KnowledgeBaseCommands.AddCommand(ruleCmd)
	KnowledgeBaseCommands.AddCommand(patchCmd)
	KnowledgeBaseCommands.AddCommand(rmCmd)
	KnowledgeBaseCommands.AddCommand(queryCmd)
	KnowledgeBaseCommands.AddCommand(lsCmd)
	KnowledgeBaseCommands.AddCommand(statusCmd)
	KnowledgeBaseCommands.AddCommand(perfTestCmd)
}

// setupClient initializes the api client
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Get serializer
	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	// Create the client
	kbClient, err = client.NewRPCKnowledgeBase(
		*util.GetClientConfig(),
		util.GetTransport(),
		s,
	)

	return err
}

// closeClient releases the connections of the client
func closeClient(_ *cobra.Command, _ []string) error {
	if kbClient == nil {
		return nil
	}
	return kbClient.Close()
}
