package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/halyardhq/halyard/relay"
	"github.com/halyardhq/halyard/secret"
	"github.com/halyardhq/halyard/store"
	"github.com/halyardhq/halyard/wire"
)

// ExecCmd executes a single prompt against a remote server, streaming agent
// output to stdout as it arrives.
var ExecCmd = &cobra.Command{
	Use:   "exec <server-id> <prompt>",
	Short: "Execute a prompt against a remote server",
	Long: `Execute a prompt against a remote server and stream the output.

The prompt runs on the server's master agent unless --agent names another
one. The connection falls back from WebSocket to HTTP automatically.

Examples:
  halyard exec srv-1 "summarize the error logs"
  halyard exec srv-1 "run the test suite" --agent builder-2 --timeout 600`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverID := args[0]
		prompt := strings.Join(args[1:], " ")
		agentID, _ := cmd.Flags().GetString("agent")
		timeoutSeconds, _ := cmd.Flags().GetInt("timeout")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		decryptor, err := secret.FromKey(cfg.Remote.CredentialKey)
		if err != nil {
			return err
		}

		pool := wire.NewPool(wire.OptionsFromConfig(cfg.Remote))
		registry := relay.NewRegistry(relay.Deps{
			Pool:      pool,
			Servers:   store.NewServerStore(database),
			Agents:    store.NewAgentStore(database),
			Decryptor: decryptor,
			Remote:    cfg.Remote,
		})
		defer registry.Close()

		ctx := cmd.Context()
		facade, err := registry.Resolve(ctx, serverID)
		if err != nil {
			return err
		}

		cb := &relay.Callbacks{
			OnStart: func(executionID, agentID string) {
				fmt.Fprintf(cmd.ErrOrStderr(), "execution %s started on agent %s\n", executionID, agentID)
			},
			OnOutput: func(executionID, content string) {
				fmt.Print(content)
			},
			OnToolCall: func(executionID, tool string, _ json.RawMessage) {
				fmt.Fprintf(cmd.ErrOrStderr(), "[tool] %s\n", tool)
			},
			OnFileChange: func(executionID, path, kind string) {
				fmt.Fprintf(cmd.ErrOrStderr(), "[file] %s %s\n", kind, path)
			},
		}

		result, err := facade.ExecutePrompt(ctx, relay.ExecuteParams{
			AgentID:        agentID,
			Prompt:         prompt,
			TimeoutSeconds: timeoutSeconds,
		}, cb)
		if err != nil {
			return err
		}

		fmt.Println()
		if !result.Success {
			return fmt.Errorf("execution failed: %s", result.Error)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "done (%d tokens)\n", result.TokensUsed)
		return nil
	},
}

func init() {
	ExecCmd.Flags().String("agent", "", "Agent to run the prompt on (default: master agent)")
	ExecCmd.Flags().Int("timeout", 0, "Execution timeout in seconds (0 uses the server default)")
}
