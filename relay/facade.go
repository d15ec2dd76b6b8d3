package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halyardhq/halyard/config"
	"github.com/halyardhq/halyard/errors"
	"github.com/halyardhq/halyard/logger"
	"github.com/halyardhq/halyard/secret"
	"github.com/halyardhq/halyard/store"
	"github.com/halyardhq/halyard/wire"
)

// protocolClient is the slice of wire.Client the facade drives. Tests
// substitute a stub to exercise the fallback chain without a live server.
type protocolClient interface {
	State() wire.State
	Connect(ctx context.Context) error
	Execute(ctx context.Context, req wire.ExecuteRequest, onNotify wire.NotificationFunc) (*wire.ExecutionResult, error)
	ExecuteHTTP(ctx context.Context, req wire.ExecuteRequest) (*wire.ExecutionResult, error)
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Deps carries the collaborators a Facade needs, injected from the
// composition root.
type Deps struct {
	Pool      *wire.Pool
	Servers   *store.ServerStore
	Agents    *store.AgentStore
	Decryptor secret.Decryptor
	Remote    config.RemoteConfig
}

// ExecuteParams describes one prompt execution. AgentID may be empty, in
// which case the server's master agent runs the prompt. An empty ExecutionID
// is assigned a fresh UUID.
type ExecuteParams struct {
	ExecutionID    string
	AgentID        string
	Prompt         string
	Context        map[string]string
	TimeoutSeconds int
}

// AgentSpec describes a sub-agent to create.
type AgentSpec struct {
	DisplayName   string
	Role          string
	Capabilities  []string
	ParentAgentID string
}

// AgentNode is one node of the agent hierarchy tree.
type AgentNode struct {
	Agent    *store.Agent
	Children []*AgentNode
}

// Facade orchestrates execution against one remote server.
type Facade struct {
	serverID string
	deps     Deps
	log      *zap.SugaredLogger

	mu          sync.Mutex
	initialized bool
	server      *store.ServerConfiguration
	master      *store.Agent
	credential  string
	client      protocolClient
}

// NewFacade creates an uninitialized facade for the given server.
func NewFacade(serverID string, deps Deps) *Facade {
	return &Facade{
		serverID: serverID,
		deps:     deps,
		log:      logger.Named("relay").With("server_id", serverID),
	}
}

// Initialize loads the server configuration, resolves the master agent, and
// obtains the pooled client. It must be called before any other method and
// is idempotent. A missing server record surfaces ErrConfigurationNotFound.
func (f *Facade) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}

	server, err := f.deps.Servers.GetServer(f.serverID)
	if err != nil {
		return err
	}

	var master *store.Agent
	if server.MasterAgentID != "" {
		master, err = f.deps.Agents.GetAgent(server.MasterAgentID)
		if err != nil {
			return errors.Wrap(err, "configured master agent could not be loaded")
		}
	} else {
		master, err = f.deps.Agents.FindMaster(f.serverID)
		if err != nil {
			return errors.Wrap(err, "failed to resolve master agent")
		}
	}

	credential, err := f.deps.Decryptor.Decrypt(server.EncryptedCredential)
	if err != nil {
		return errors.Wrap(err, "failed to decrypt server credential")
	}

	f.server = server
	f.master = master
	f.credential = credential
	f.client = f.deps.Pool.Get(server.URL, credential)
	f.initialized = true

	masterID := ""
	if master != nil {
		masterID = master.ID
	}
	f.log.Infow("Facade initialized",
		"server_name", server.Name,
		"master_agent_id", masterID,
	)
	return nil
}

// ExecutePrompt runs a prompt through the fallback chain: the live
// connection first, then the HTTP endpoint, then (only when
// remote.simulation_enabled is set) a deterministic local simulation.
// Callbacks fire for lifecycle and streamed events; OnComplete or OnError is
// always the terminal emission.
func (f *Facade) ExecutePrompt(ctx context.Context, params ExecuteParams, cb *Callbacks) (*wire.ExecutionResult, error) {
	f.mu.Lock()
	if !f.initialized {
		f.mu.Unlock()
		return nil, errors.New("facade not initialized")
	}
	client := f.client
	master := f.master
	f.mu.Unlock()

	agent, err := f.resolveAgent(params.AgentID, master)
	if err != nil {
		return nil, err
	}

	if params.ExecutionID == "" {
		params.ExecutionID = uuid.NewString()
	}

	req := wire.ExecuteRequest{
		ExecutionID:    params.ExecutionID,
		AgentID:        agent.ID,
		Prompt:         params.Prompt,
		Context:        params.Context,
		TimeoutSeconds: params.TimeoutSeconds,
	}

	cb.emitStart(req.ExecutionID, agent.ID)

	result, err := f.executeTiers(ctx, client, req, cb)
	if err != nil {
		cb.emitError(req.ExecutionID, err)
		return nil, err
	}

	if result.Success {
		cb.emitComplete(req.ExecutionID, result)
	} else {
		cb.emitError(req.ExecutionID, errors.Newf("execution failed: %s", result.Error))
	}
	return result, nil
}

// executeTiers walks the transport tiers in order, moving down only on
// failure of the tier above.
func (f *Facade) executeTiers(ctx context.Context, client protocolClient, req wire.ExecuteRequest, cb *Callbacks) (*wire.ExecutionResult, error) {
	// Tier 1: the live connection. Try to open it if it is down.
	wsErr := func() error {
		if client.State() != wire.StateConnected {
			if err := client.Connect(ctx); err != nil {
				return err
			}
		}
		return nil
	}()
	if wsErr == nil {
		result, err := client.Execute(ctx, req, cb.notificationSink())
		if err == nil {
			return result, nil
		}
		wsErr = err
	}
	f.log.Warnw("Live execution unavailable, falling back to HTTP",
		"execution_id", req.ExecutionID,
		"error", wsErr.Error(),
	)

	// Tier 2: the blocking HTTP endpoint.
	result, httpErr := client.ExecuteHTTP(ctx, req)
	if httpErr == nil {
		return result, nil
	}
	f.log.Warnw("HTTP execution failed",
		"execution_id", req.ExecutionID,
		"error", httpErr.Error(),
	)

	// Tier 3: local simulation, opt-in only. A production deployment must
	// never fabricate a successful execution.
	if f.deps.Remote.SimulationEnabled {
		f.log.Warnw("Falling back to local simulation", "execution_id", req.ExecutionID)
		return f.simulate(req, cb), nil
	}

	return nil, errors.Wrap(errors.CombineErrors(wsErr, httpErr), "all execution transports failed")
}

func (f *Facade) resolveAgent(agentID string, master *store.Agent) (*store.Agent, error) {
	if agentID != "" {
		agent, err := f.deps.Agents.GetAgent(agentID)
		if err != nil {
			return nil, err
		}
		return agent, nil
	}
	if master == nil {
		return nil, errors.Mark(
			errors.Newf("no master agent resolved for server %s", f.serverID),
			errors.ErrAgentNotAvailable)
	}
	return master, nil
}

// CreateSubAgent persists a new agent in PENDING_VALIDATION and asks the
// remote, best-effort, to provision the matching identity. A provisioning
// failure is logged and swallowed: the local record is the source of truth
// and the remote catches up on validation.
func (f *Facade) CreateSubAgent(ctx context.Context, spec AgentSpec, createdByID string) (*store.Agent, error) {
	f.mu.Lock()
	if !f.initialized {
		f.mu.Unlock()
		return nil, errors.New("facade not initialized")
	}
	client := f.client
	f.mu.Unlock()

	agent := &store.Agent{
		ID:            uuid.NewString(),
		ServerID:      f.serverID,
		DisplayName:   spec.DisplayName,
		Role:          spec.Role,
		Status:        store.AgentStatusPendingValidation,
		ParentAgentID: spec.ParentAgentID,
		Capabilities:  spec.Capabilities,
	}
	if err := f.deps.Agents.CreateAgent(agent); err != nil {
		return nil, err
	}

	f.bestEffortCallTool(ctx, client, "provision_agent", map[string]any{
		"agentId":      agent.ID,
		"displayName":  agent.DisplayName,
		"role":         agent.Role,
		"capabilities": agent.Capabilities,
		"createdBy":    createdByID,
	})

	f.log.Infow("Sub-agent created",
		"agent_id", agent.ID,
		"display_name", agent.DisplayName,
		"created_by", createdByID,
	)
	return agent, nil
}

// ValidateAgent transitions an agent to ACTIVE, records the validator, and
// best-effort notifies the remote.
func (f *Facade) ValidateAgent(ctx context.Context, agentID, validatedByID string) error {
	f.mu.Lock()
	if !f.initialized {
		f.mu.Unlock()
		return errors.New("facade not initialized")
	}
	client := f.client
	f.mu.Unlock()

	if err := f.deps.Agents.Validate(agentID, validatedByID, time.Now()); err != nil {
		return err
	}

	f.bestEffortCallTool(ctx, client, "activate_agent", map[string]any{
		"agentId":     agentID,
		"validatedBy": validatedByID,
	})

	f.log.Infow("Agent validated", "agent_id", agentID, "validated_by", validatedByID)
	return nil
}

// bestEffortCallTool invokes a remote lifecycle tool, connecting first if
// needed. Failures are logged, never surfaced.
func (f *Facade) bestEffortCallTool(ctx context.Context, client protocolClient, name string, args map[string]any) {
	if client.State() != wire.StateConnected {
		if err := client.Connect(ctx); err != nil {
			f.log.Warnw("Skipping remote tool call: connection unavailable",
				"tool", name,
				"error", err.Error(),
			)
			return
		}
	}
	if _, err := client.CallTool(ctx, name, args); err != nil {
		f.log.Warnw("Remote tool call failed",
			"tool", name,
			"error", err.Error(),
		)
	}
}

// GetAgentHierarchy materializes the server's agents into a parent→children
// tree rooted at the master agent, from a single flat query. Returns nil
// when no master agent resolves.
func (f *Facade) GetAgentHierarchy(ctx context.Context) (*AgentNode, error) {
	f.mu.Lock()
	if !f.initialized {
		f.mu.Unlock()
		return nil, errors.New("facade not initialized")
	}
	master := f.master
	f.mu.Unlock()

	if master == nil {
		return nil, nil
	}

	agents, err := f.deps.Agents.ListByServer(f.serverID)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*AgentNode, len(agents))
	for _, agent := range agents {
		nodes[agent.ID] = &AgentNode{Agent: agent}
	}
	for _, agent := range agents {
		if agent.ParentAgentID == "" || agent.ID == master.ID {
			continue
		}
		if parent, ok := nodes[agent.ParentAgentID]; ok {
			parent.Children = append(parent.Children, nodes[agent.ID])
		}
	}

	root, ok := nodes[master.ID]
	if !ok {
		// The master row vanished between resolution and listing.
		return nil, nil
	}
	return root, nil
}

// Disconnect releases the pooled client for this server. The facade must be
// re-initialized before further use.
func (f *Facade) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.initialized {
		return
	}

	f.deps.Pool.Remove(f.server.URL, f.credential)
	f.initialized = false
	f.client = nil
	f.log.Debugw("Facade disconnected")
}
