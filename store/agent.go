package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/halyardhq/halyard/errors"
)

// AgentStatus represents the lifecycle state of an agent
type AgentStatus string

const (
	AgentStatusPendingValidation AgentStatus = "PENDING_VALIDATION"
	AgentStatusActive            AgentStatus = "ACTIVE"
	AgentStatusInactive          AgentStatus = "INACTIVE"
)

// RoleMaster is the role of the designated orchestrating agent on a server.
const RoleMaster = "master"

// Agent is a logical agent hosted on a remote server. The local row is the
// source of truth; the remote identity is reconciled best-effort.
type Agent struct {
	ID            string
	ServerID      string
	DisplayName   string
	Role          string
	Status        AgentStatus
	ParentAgentID string
	Capabilities  []string
	ValidatedBy   string
	ValidatedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AgentStore handles persistence of agents
type AgentStore struct {
	db *sql.DB
}

// NewAgentStore creates an agent store
func NewAgentStore(db *sql.DB) *AgentStore {
	return &AgentStore{db: db}
}

// CreateAgent inserts a new agent row
func (s *AgentStore) CreateAgent(agent *Agent) error {
	now := time.Now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = AgentStatusPendingValidation
	}

	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return errors.Wrap(err, "failed to marshal capabilities")
	}

	query := `
		INSERT INTO agents (
			id, server_id, display_name, role, status,
			parent_agent_id, capabilities, validated_by, validated_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query,
		agent.ID,
		agent.ServerID,
		agent.DisplayName,
		agent.Role,
		agent.Status,
		nullString(agent.ParentAgentID),
		string(caps),
		nullString(agent.ValidatedBy),
		nullTime(agent.ValidatedAt),
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create agent")
		err = errors.WithDetailf(err, "Agent ID: %s", agent.ID)
		return err
	}
	return nil
}

const agentColumns = `id, server_id, display_name, role, status,
	parent_agent_id, capabilities, validated_by, validated_at,
	created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var agent Agent
	var parentID, caps, validatedBy sql.NullString
	var validatedAt sql.NullTime

	err := row.Scan(
		&agent.ID,
		&agent.ServerID,
		&agent.DisplayName,
		&agent.Role,
		&agent.Status,
		&parentID,
		&caps,
		&validatedBy,
		&validatedAt,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	agent.ParentAgentID = parentID.String
	agent.ValidatedBy = validatedBy.String
	agent.ValidatedAt = timePtr(validatedAt)
	if caps.Valid && caps.String != "" {
		if err := json.Unmarshal([]byte(caps.String), &agent.Capabilities); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal capabilities")
		}
	}
	return &agent, nil
}

// GetAgent retrieves an agent by ID. Returns ErrAgentNotAvailable when absent.
func (s *AgentStore) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrAgentNotAvailable, "agent not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get agent")
	}
	return agent, nil
}

// ListByServer returns all agents on a server in one flat query, ordered by
// creation time so hierarchy materialization is deterministic.
func (s *AgentStore) ListByServer(serverID string) ([]*Agent, error) {
	rows, err := s.db.Query(
		`SELECT `+agentColumns+` FROM agents WHERE server_id = ? ORDER BY created_at ASC, id ASC`,
		serverID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list agents")
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan agent")
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// FindMaster resolves the active master agent for a server, or nil when none.
func (s *AgentStore) FindMaster(serverID string) (*Agent, error) {
	row := s.db.QueryRow(
		`SELECT `+agentColumns+` FROM agents
		 WHERE server_id = ? AND role = ? AND status = ?
		 ORDER BY created_at ASC LIMIT 1`,
		serverID, RoleMaster, AgentStatusActive,
	)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find master agent")
	}
	return agent, nil
}

// Validate transitions an agent to ACTIVE, recording the validator and time.
func (s *AgentStore) Validate(id, validatedBy string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE agents
		 SET status = ?, validated_by = ?, validated_at = ?, updated_at = ?
		 WHERE id = ?`,
		AgentStatusActive, validatedBy, at, time.Now(), id,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to validate agent")
		err = errors.WithDetailf(err, "Agent ID: %s", id)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrAgentNotAvailable, "agent not found: %s", id)
	}
	return nil
}
