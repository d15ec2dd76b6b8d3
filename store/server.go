package store

import (
	"database/sql"
	"time"

	"github.com/halyardhq/halyard/errors"
)

// ServerConfiguration describes one remote agent-capable endpoint. The
// credential column holds ciphertext; decryption happens at the orchestration
// layer via secret.Decryptor.
type ServerConfiguration struct {
	ID                  string
	Name                string
	URL                 string
	EncryptedCredential string
	MasterAgentID       string
	Active              bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ServerStore handles persistence of server configurations
type ServerStore struct {
	db *sql.DB
}

// NewServerStore creates a server configuration store
func NewServerStore(db *sql.DB) *ServerStore {
	return &ServerStore{db: db}
}

// CreateServer inserts a new server configuration
func (s *ServerStore) CreateServer(server *ServerConfiguration) error {
	now := time.Now()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now

	query := `
		INSERT INTO server_configurations (
			id, name, url, encrypted_credential, master_agent_id, active,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		server.ID,
		server.Name,
		server.URL,
		server.EncryptedCredential,
		nullString(server.MasterAgentID),
		server.Active,
		server.CreatedAt,
		server.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create server configuration")
		err = errors.WithDetailf(err, "Server ID: %s", server.ID)
		return err
	}
	return nil
}

// GetServer retrieves a server configuration by ID.
// Returns ErrConfigurationNotFound when the row is absent.
func (s *ServerStore) GetServer(id string) (*ServerConfiguration, error) {
	var server ServerConfiguration
	var masterAgentID sql.NullString

	err := s.db.QueryRow(
		`SELECT id, name, url, encrypted_credential, master_agent_id, active,
		        created_at, updated_at
		 FROM server_configurations WHERE id = ?`, id,
	).Scan(
		&server.ID,
		&server.Name,
		&server.URL,
		&server.EncryptedCredential,
		&masterAgentID,
		&server.Active,
		&server.CreatedAt,
		&server.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrConfigurationNotFound, "server not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get server configuration")
	}

	server.MasterAgentID = masterAgentID.String
	return &server, nil
}

// ListServers returns all server configurations, oldest first.
func (s *ServerStore) ListServers() ([]*ServerConfiguration, error) {
	rows, err := s.db.Query(
		`SELECT id, name, url, encrypted_credential, master_agent_id, active,
		        created_at, updated_at
		 FROM server_configurations ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list server configurations")
	}
	defer rows.Close()

	var servers []*ServerConfiguration
	for rows.Next() {
		var server ServerConfiguration
		var masterAgentID sql.NullString
		if err := rows.Scan(
			&server.ID,
			&server.Name,
			&server.URL,
			&server.EncryptedCredential,
			&masterAgentID,
			&server.Active,
			&server.CreatedAt,
			&server.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan server configuration")
		}
		server.MasterAgentID = masterAgentID.String
		servers = append(servers, &server)
	}
	return servers, rows.Err()
}

// SetMasterAgent updates the designated master agent for a server.
func (s *ServerStore) SetMasterAgent(serverID, agentID string) error {
	_, err := s.db.Exec(
		`UPDATE server_configurations SET master_agent_id = ?, updated_at = ? WHERE id = ?`,
		nullString(agentID), time.Now(), serverID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to set master agent")
		err = errors.WithDetailf(err, "Server ID: %s", serverID)
		return err
	}
	return nil
}
