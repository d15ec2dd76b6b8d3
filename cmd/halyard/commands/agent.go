package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/halyardhq/halyard/relay"
	"github.com/halyardhq/halyard/secret"
	"github.com/halyardhq/halyard/store"
	"github.com/halyardhq/halyard/wire"
)

// AgentCmd groups agent lifecycle operations.
var AgentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents on a remote server",
	Long: `Manage agents on a remote server.

Agents form a hierarchy under the server's master agent. New sub-agents
start in PENDING_VALIDATION until an operator validates them.

Examples:
  halyard agent spawn srv-1 --name builder --role worker --capability git,tests
  halyard agent validate srv-1 <agent-id> --by ops@example.com
  halyard agent tree srv-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var agentSpawnCmd = &cobra.Command{
	Use:   "spawn <server-id>",
	Short: "Create a sub-agent under the server's master agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		role, _ := cmd.Flags().GetString("role")
		parent, _ := cmd.Flags().GetString("parent")
		capabilities, _ := cmd.Flags().GetStringSlice("capability")
		createdBy, _ := cmd.Flags().GetString("by")
		if name == "" {
			return fmt.Errorf("--name is required")
		}

		facade, cleanup, err := openFacade(cmd, args[0])
		if err != nil {
			return err
		}
		defer cleanup()

		agent, err := facade.CreateSubAgent(cmd.Context(), relay.AgentSpec{
			DisplayName:   name,
			Role:          role,
			Capabilities:  capabilities,
			ParentAgentID: parent,
		}, createdBy)
		if err != nil {
			return err
		}

		fmt.Printf("Agent %s created (%s)\n", agent.ID, agent.Status)
		fmt.Println("Validate it before it can run prompts:")
		fmt.Printf("  halyard agent validate %s %s\n", args[0], agent.ID)
		return nil
	},
}

var agentValidateCmd = &cobra.Command{
	Use:   "validate <server-id> <agent-id>",
	Short: "Validate a pending agent so it can run prompts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")

		facade, cleanup, err := openFacade(cmd, args[0])
		if err != nil {
			return err
		}
		defer cleanup()

		if err := facade.ValidateAgent(cmd.Context(), args[1], by); err != nil {
			return err
		}
		fmt.Printf("Agent %s validated\n", args[1])
		return nil
	},
}

var agentTreeCmd = &cobra.Command{
	Use:   "tree <server-id>",
	Short: "Show the server's agent hierarchy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		facade, cleanup, err := openFacade(cmd, args[0])
		if err != nil {
			return err
		}
		defer cleanup()

		root, err := facade.GetAgentHierarchy(cmd.Context())
		if err != nil {
			return err
		}
		if root == nil {
			fmt.Println("No master agent on this server yet.")
			return nil
		}
		printAgentNode(root, 0)
		return nil
	},
}

func printAgentNode(node *relay.AgentNode, depth int) {
	indent := strings.Repeat("  ", depth)
	label := node.Agent.DisplayName
	if label == "" {
		label = node.Agent.ID
	}
	line := fmt.Sprintf("%s%s [%s, %s]", indent, label, node.Agent.Role, node.Agent.Status)
	if len(node.Agent.Capabilities) > 0 {
		line += " " + strings.Join(node.Agent.Capabilities, ",")
	}
	fmt.Println(line)
	for _, child := range node.Children {
		printAgentNode(child, depth+1)
	}
}

// openFacade resolves an initialized execution facade for a server.
func openFacade(cmd *cobra.Command, serverID string) (*relay.Facade, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}

	decryptor, err := secret.FromKey(cfg.Remote.CredentialKey)
	if err != nil {
		database.Close()
		return nil, nil, err
	}

	pool := wire.NewPool(wire.OptionsFromConfig(cfg.Remote))
	registry := relay.NewRegistry(relay.Deps{
		Pool:      pool,
		Servers:   store.NewServerStore(database),
		Agents:    store.NewAgentStore(database),
		Decryptor: decryptor,
		Remote:    cfg.Remote,
	})

	facade, err := registry.Resolve(cmd.Context(), serverID)
	if err != nil {
		registry.Close()
		database.Close()
		return nil, nil, err
	}

	cleanup := func() {
		registry.Close()
		database.Close()
	}
	return facade, cleanup, nil
}

func init() {
	agentSpawnCmd.Flags().String("name", "", "Display name for the new agent")
	agentSpawnCmd.Flags().String("role", "worker", "Agent role")
	agentSpawnCmd.Flags().String("parent", "", "Parent agent id (default: master agent)")
	agentSpawnCmd.Flags().StringSlice("capability", nil, "Capabilities, repeatable or comma-separated")
	agentSpawnCmd.Flags().String("by", "", "Operator creating the agent")

	agentValidateCmd.Flags().String("by", "", "Operator validating the agent")

	AgentCmd.AddCommand(agentSpawnCmd)
	AgentCmd.AddCommand(agentValidateCmd)
	AgentCmd.AddCommand(agentTreeCmd)
}
