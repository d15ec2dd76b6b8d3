package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/halyardhq/halyard/secret"
	"github.com/halyardhq/halyard/store"
)

// RemoteCmd groups remote server configuration management.
var RemoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage remote server configurations",
	Long: `Manage remote server configurations.

A remote is one agent-capable server endpoint. Credentials are encrypted
at rest when remote.credential_key is set in halyard.toml.

Examples:
  halyard remote add srv-1 wss://agents.example.com --name production --credential $TOKEN
  halyard remote ls
  halyard remote set-master srv-1 <agent-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <server-id> <url>",
	Short: "Register a remote server",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		credential, _ := cmd.Flags().GetString("credential")
		masterName, _ := cmd.Flags().GetString("master-name")
		if name == "" {
			name = args[0]
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		stored := credential
		if credential != "" && cfg.Remote.CredentialKey != "" {
			cipher, err := secret.NewAESGCM(cfg.Remote.CredentialKey)
			if err != nil {
				return err
			}
			stored, err = cipher.Encrypt(credential)
			if err != nil {
				return err
			}
		}

		servers := store.NewServerStore(database)
		if err := servers.CreateServer(&store.ServerConfiguration{
			ID:                  args[0],
			Name:                name,
			URL:                 args[1],
			EncryptedCredential: stored,
			Active:              true,
		}); err != nil {
			return err
		}

		// Every server carries a master agent that orchestrates the rest.
		if masterName == "" {
			masterName = name + "-master"
		}
		agents := store.NewAgentStore(database)
		master := &store.Agent{
			ID:          uuid.NewString(),
			ServerID:    args[0],
			DisplayName: masterName,
			Role:        store.RoleMaster,
			Status:      store.AgentStatusActive,
		}
		if err := agents.CreateAgent(master); err != nil {
			return err
		}
		if err := servers.SetMasterAgent(args[0], master.ID); err != nil {
			return err
		}

		fmt.Printf("Remote %s registered at %s\n", args[0], args[1])
		fmt.Printf("Master agent: %s (%s)\n", masterName, master.ID)
		return nil
	},
}

var remoteLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered remotes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		servers, err := store.NewServerStore(database).ListServers()
		if err != nil {
			return err
		}
		if len(servers) == 0 {
			fmt.Println("No remotes registered. Add one with: halyard remote add <id> <url>")
			return nil
		}

		for _, server := range servers {
			state := "active"
			if !server.Active {
				state = "inactive"
			}
			fmt.Printf("%s  %s  %s  (%s)\n", server.ID, server.Name, server.URL, state)
		}
		return nil
	},
}

var remoteSetMasterCmd = &cobra.Command{
	Use:   "set-master <server-id> <agent-id>",
	Short: "Designate a server's master agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		agent, err := store.NewAgentStore(database).GetAgent(args[1])
		if err != nil {
			return err
		}
		if agent.ServerID != args[0] {
			return fmt.Errorf("agent %s belongs to server %s, not %s", args[1], agent.ServerID, args[0])
		}

		if err := store.NewServerStore(database).SetMasterAgent(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Master agent for %s set to %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	remoteAddCmd.Flags().String("name", "", "Human-readable server name (default: the id)")
	remoteAddCmd.Flags().String("credential", "", "Bearer credential for the server")
	remoteAddCmd.Flags().String("master-name", "", "Display name for the master agent")

	RemoteCmd.AddCommand(remoteAddCmd)
	RemoteCmd.AddCommand(remoteLsCmd)
	RemoteCmd.AddCommand(remoteSetMasterCmd)
}
