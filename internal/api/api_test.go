package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chatline-io/chatline/internal/assign"
	"github.com/chatline-io/chatline/internal/auth"
	"github.com/chatline-io/chatline/internal/db"
	"github.com/chatline-io/chatline/internal/lifecycle"
	"github.com/chatline-io/chatline/internal/registry"
	"github.com/chatline-io/chatline/internal/repositories"
	"github.com/chatline-io/chatline/internal/wire"
)

type apiSession struct{ id string }

func (s *apiSession) ID() string           { return s.id }
func (s *apiSession) Push(wire.Frame) bool { return true }
func (s *apiSession) Kick(string)          {}
func (s *apiSession) Close()               {}
func (s *apiSession) Established() bool    { return true }

type apiFixture struct {
	server    *httptest.Server
	reg       *registry.Registry
	agents    repositories.AgentRepository
	customers repositories.CustomerRepository
	convs     repositories.ConversationRepository
	mgr       *lifecycle.Manager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	agents := repositories.NewAgentRepository(database)
	customers := repositories.NewCustomerRepository(database)
	convs := repositories.NewConversationRepository(database)

	svc := auth.NewService([]byte("test-signing-secret"), time.Hour, auth.NewMemoryTokenStore(), agents)

	reg := registry.New(registry.Config{
		HeartbeatTTL: time.Minute,
		LoadOf: func(ctx context.Context, agentID uuid.UUID) (float64, error) {
			return assign.Score(ctx, convs, agentID)
		},
		Logger: zap.NewNop(),
	})
	engine := assign.NewEngine(reg, agents, convs, zap.NewNop())
	mgr := lifecycle.New(lifecycle.Config{
		Agents:    agents,
		Customers: customers,
		Convs:     convs,
		Registry:  reg,
		Engine:    engine,
		Logger:    zap.NewNop(),
	})

	router := NewRouter(RouterConfig{
		AuthService: svc,
		Lifecycle:   mgr,
		Registry:    reg,
		Logger:      zap.NewNop(),
		DB:          database,
		Gateway: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
		Agents:        agents,
		Conversations: convs,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &apiFixture{
		server:    server,
		reg:       reg,
		agents:    agents,
		customers: customers,
		convs:     convs,
		mgr:       mgr,
	}
}

func (f *apiFixture) addAgent(t *testing.T, name, password string, admin bool) *db.Agent {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	a := &db.Agent{Name: name, Password: hash, Capacity: 5, Enabled: true, Admin: admin}
	require.NoError(t, f.agents.Create(context.Background(), a))
	return a
}

func (f *apiFixture) login(t *testing.T, name, password string) string {
	t.Helper()
	status, body := f.request(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"name": name, "password": password})
	require.Equal(t, http.StatusOK, status, string(body))

	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.Data.Token)
	return resp.Data.Token
}

func (f *apiFixture) request(t *testing.T, method, path, token string, payload any) (int, []byte) {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func TestLoginAndAgentDirectory(t *testing.T) {
	f := newAPIFixture(t)
	agent := f.addAgent(t, "alice", "secret", false)
	token := f.login(t, "alice", "secret")

	status, _ := f.request(t, http.MethodGet, "/api/v1/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status, "the directory needs a token")

	status, body := f.request(t, http.MethodGet, "/api/v1/agents", token, nil)
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		Data struct {
			Items []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"items"`
			Total int64 `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Equal(t, int64(1), resp.Data.Total)
	assert.Equal(t, agent.ID.String(), resp.Data.Items[0].ID)
	assert.Equal(t, "offline", resp.Data.Items[0].Status, "presence comes from the registry, not the store")

	f.reg.BindAgent(context.Background(), agent.ID, false, &apiSession{id: "s1"})
	_, body = f.request(t, http.MethodGet, "/api/v1/agents", token, nil)
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "online", resp.Data.Items[0].Status)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newAPIFixture(t)
	f.addAgent(t, "alice", "secret", false)

	status, _ := f.request(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"name": "alice", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.request(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"name": "alice"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newAPIFixture(t)
	f.addAgent(t, "alice", "secret", false)
	token := f.login(t, "alice", "secret")

	status, _ := f.request(t, http.MethodPost, "/api/v1/auth/logout", token, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, _ = f.request(t, http.MethodGet, "/api/v1/agents", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status, "a revoked token no longer authenticates")
}

func TestTransferEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)
	owner := f.addAgent(t, "alice", "secret", false)
	target := f.addAgent(t, "bob", "secret", false)
	f.reg.BindAgent(ctx, owner.ID, false, &apiSession{id: "s1"})
	f.reg.BindAgent(ctx, target.ID, false, &apiSession{id: "s2"})
	token := f.login(t, "alice", "secret")

	customer, err := f.customers.Upsert(ctx, "v1", repositories.CustomerAttrs{})
	require.NoError(t, err)
	conv, _, err := f.convs.GetOrOpenFor(ctx, customer.ID)
	require.NoError(t, err)
	require.NoError(t, f.convs.Assign(ctx, conv.ID, owner.ID))

	// Precondition failures are business results, not protocol errors.
	status, body := f.request(t, http.MethodPost, "/api/v1/conversations/"+conv.ID.String()+"/transfer", token,
		map[string]string{"target_agent_id": uuid.NewString()})
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		Data struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.False(t, resp.Data.Success)
	assert.Equal(t, "target agent not found", resp.Data.Message)

	status, body = f.request(t, http.MethodPost, "/api/v1/conversations/"+conv.ID.String()+"/transfer", token,
		map[string]string{"target_agent_id": target.ID.String(), "reason": "shift change"})
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.Data.Success)

	got, err := f.convs.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, target.ID, *got.AgentID)

	recs, err := f.convs.Transfers(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].OperatorID)
	assert.Equal(t, owner.ID, *recs[0].OperatorID, "the caller is recorded as the operator")
}

func TestCloseEndpointEnforcesOwnership(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)
	owner := f.addAgent(t, "alice", "secret", false)
	f.addAgent(t, "mallory", "secret", false)
	f.addAgent(t, "root", "secret", true)

	customer, err := f.customers.Upsert(ctx, "v1", repositories.CustomerAttrs{})
	require.NoError(t, err)
	conv, _, err := f.convs.GetOrOpenFor(ctx, customer.ID)
	require.NoError(t, err)
	require.NoError(t, f.convs.Assign(ctx, conv.ID, owner.ID))

	intruderToken := f.login(t, "mallory", "secret")
	status, _ := f.request(t, http.MethodPost, "/api/v1/conversations/"+conv.ID.String()+"/close", intruderToken, nil)
	assert.Equal(t, http.StatusForbidden, status)

	adminToken := f.login(t, "root", "secret")
	status, _ = f.request(t, http.MethodPost, "/api/v1/conversations/"+conv.ID.String()+"/close", adminToken, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = f.request(t, http.MethodPost, "/api/v1/conversations/"+uuid.NewString()+"/close", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestListConversationsFilters(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)
	agent := f.addAgent(t, "alice", "secret", false)
	f.addAgent(t, "root", "secret", true)
	token := f.login(t, "alice", "secret")
	adminToken := f.login(t, "root", "secret")

	for i, visitor := range []string{"v1", "v2", "v3"} {
		c, err := f.customers.Upsert(ctx, visitor, repositories.CustomerAttrs{})
		require.NoError(t, err)
		conv, _, err := f.convs.GetOrOpenFor(ctx, c.ID)
		require.NoError(t, err)
		if i < 2 {
			require.NoError(t, f.convs.Assign(ctx, conv.ID, agent.ID))
		}
	}

	var resp struct {
		Data struct {
			Items []json.RawMessage `json:"items"`
			Total int64             `json:"total"`
		} `json:"data"`
	}
	list := func(token, query string) int64 {
		t.Helper()
		status, body := f.request(t, http.MethodGet, "/api/v1/conversations"+query, token, nil)
		require.Equal(t, http.StatusOK, status, string(body))
		require.NoError(t, json.Unmarshal(body, &resp))
		return resp.Data.Total
	}

	assert.Equal(t, int64(3), list(adminToken, ""), "admins see every conversation")
	assert.Equal(t, int64(1), list(adminToken, "?status=waiting"))
	assert.Equal(t, int64(2), list(adminToken, "?agent_id="+agent.ID.String()))

	assert.Equal(t, int64(2), list(token, ""), "an agent only sees its own")
	assert.Equal(t, int64(2), list(token, "?agent_id="+uuid.NewString()), "foreign filters do not widen the scope")
	assert.Equal(t, int64(0), list(token, "?status=waiting"), "waiting conversations have no agent yet")

	status, _ := f.request(t, http.MethodGet, "/api/v1/conversations?status=bogus", token, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestConversationHistoryRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)
	owner := f.addAgent(t, "alice", "secret", false)
	f.addAgent(t, "mallory", "secret", false)
	f.addAgent(t, "root", "secret", true)

	customer, err := f.customers.Upsert(ctx, "v1", repositories.CustomerAttrs{})
	require.NoError(t, err)
	conv, _, err := f.convs.GetOrOpenFor(ctx, customer.ID)
	require.NoError(t, err)
	require.NoError(t, f.convs.Assign(ctx, conv.ID, owner.ID))

	ownerToken := f.login(t, "alice", "secret")
	intruderToken := f.login(t, "mallory", "secret")
	adminToken := f.login(t, "root", "secret")

	for _, path := range []string{
		"/api/v1/conversations/" + conv.ID.String() + "/messages",
		"/api/v1/conversations/" + conv.ID.String() + "/transfers",
	} {
		status, _ := f.request(t, http.MethodGet, path, intruderToken, nil)
		assert.Equal(t, http.StatusForbidden, status, path)

		status, _ = f.request(t, http.MethodGet, path, ownerToken, nil)
		assert.Equal(t, http.StatusOK, status, path)

		status, _ = f.request(t, http.MethodGet, path, adminToken, nil)
		assert.Equal(t, http.StatusOK, status, path)
	}

	status, _ := f.request(t, http.MethodGet, "/api/v1/conversations/"+uuid.NewString()+"/messages", ownerToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealthzProbesDatabase(t *testing.T) {
	f := newAPIFixture(t)
	status, body := f.request(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", string(body))
}
