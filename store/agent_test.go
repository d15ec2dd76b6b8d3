package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halyardhq/halyard/errors"
	hqtest "github.com/halyardhq/halyard/internal/testing"
)

func seedServer(t *testing.T, servers *ServerStore, id string) {
	t.Helper()
	require.NoError(t, servers.CreateServer(&ServerConfiguration{
		ID:     id,
		Name:   "test server",
		URL:    "wss://agents.example.com",
		Active: true,
	}))
}

func TestCreateAndGetAgent(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	servers := NewServerStore(db)
	agents := NewAgentStore(db)
	seedServer(t, servers, "srv-1")

	agent := &Agent{
		ID:           "agent-1",
		ServerID:     "srv-1",
		DisplayName:  "Researcher",
		Role:         "researcher",
		Capabilities: []string{"search", "summarize"},
	}
	require.NoError(t, agents.CreateAgent(agent))

	got, err := agents.GetAgent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, AgentStatusPendingValidation, got.Status)
	assert.Equal(t, []string{"search", "summarize"}, got.Capabilities)
	assert.Nil(t, got.ValidatedAt)
}

func TestGetAgentMissing(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	agents := NewAgentStore(db)

	_, err := agents.GetAgent("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAgentNotAvailable))
}

func TestFindMaster(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	servers := NewServerStore(db)
	agents := NewAgentStore(db)
	seedServer(t, servers, "srv-1")

	// No master yet
	master, err := agents.FindMaster("srv-1")
	require.NoError(t, err)
	assert.Nil(t, master)

	// A pending master does not resolve
	require.NoError(t, agents.CreateAgent(&Agent{
		ID: "agent-pending", ServerID: "srv-1", Role: RoleMaster,
	}))
	master, err = agents.FindMaster("srv-1")
	require.NoError(t, err)
	assert.Nil(t, master)

	// An active master does
	require.NoError(t, agents.CreateAgent(&Agent{
		ID: "agent-master", ServerID: "srv-1", Role: RoleMaster, Status: AgentStatusActive,
	}))
	master, err = agents.FindMaster("srv-1")
	require.NoError(t, err)
	require.NotNil(t, master)
	assert.Equal(t, "agent-master", master.ID)
}

func TestValidateAgent(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	servers := NewServerStore(db)
	agents := NewAgentStore(db)
	seedServer(t, servers, "srv-1")

	require.NoError(t, agents.CreateAgent(&Agent{
		ID: "agent-v", ServerID: "srv-1", Role: "worker",
	}))

	at := time.Now()
	require.NoError(t, agents.Validate("agent-v", "admin-7", at))

	got, err := agents.GetAgent("agent-v")
	require.NoError(t, err)
	assert.Equal(t, AgentStatusActive, got.Status)
	assert.Equal(t, "admin-7", got.ValidatedBy)
	require.NotNil(t, got.ValidatedAt)

	err = agents.Validate("ghost", "admin-7", at)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAgentNotAvailable))
}

func TestListByServer(t *testing.T) {
	db := hqtest.CreateTestDB(t)
	servers := NewServerStore(db)
	agents := NewAgentStore(db)
	seedServer(t, servers, "srv-1")
	seedServer(t, servers, "srv-2")

	for _, a := range []*Agent{
		{ID: "a1", ServerID: "srv-1", Role: RoleMaster, Status: AgentStatusActive},
		{ID: "a2", ServerID: "srv-1", ParentAgentID: "a1"},
		{ID: "b1", ServerID: "srv-2"},
	} {
		require.NoError(t, agents.CreateAgent(a))
	}

	list, err := agents.ListByServer("srv-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a1", list[0].ID)
	assert.Equal(t, "a1", list[1].ParentAgentID)
}
