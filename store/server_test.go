package store

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyardhq/halyard/errors"
	hqtest "github.com/halyardhq/halyard/internal/testing"
)

func TestCreateAndGetServer(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	servers := NewServerStore(db)

	srv := &ServerConfiguration{
		ID:                  "srv-1",
		Name:                "prod agents",
		URL:                 "wss://agents.example.com",
		EncryptedCredential: "ciphertext-blob",
		Active:              true,
	}
	require.NoError(t, servers.CreateServer(srv))

	got, err := servers.GetServer("srv-1")
	require.NoError(t, err)
	assert.Equal(t, "prod agents", got.Name)
	assert.Equal(t, "ciphertext-blob", got.EncryptedCredential)
	assert.True(t, got.Active)
	assert.Empty(t, got.MasterAgentID)
}

func TestGetServerMissing(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	servers := NewServerStore(db)

	_, err := servers.GetServer("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigurationNotFound))
}

func TestSetMasterAgent(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	servers := NewServerStore(db)

	require.NoError(t, servers.CreateServer(&ServerConfiguration{
		ID: "srv-1", Name: "s", URL: "wss://x", Active: true,
	}))
	require.NoError(t, servers.SetMasterAgent("srv-1", "agent-m"))

	got, err := servers.GetServer("srv-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-m", got.MasterAgentID)
}

func TestGetServerQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, url").
		WillReturnError(errors.New("disk I/O error"))

	servers := NewServerStore(db)
	_, err = servers.GetServer("srv-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get server configuration")
	assert.NoError(t, mock.ExpectationsWereMet())
}
