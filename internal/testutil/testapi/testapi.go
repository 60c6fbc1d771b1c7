// Package testapi builds an in-process HTTP API backed by an in-memory
// sqlite store for route tests. Authentication runs in testing mode, so
// requests select their user with the X-User-ID header.
package testapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/centrorum/community-service/internal/config"
	"github.com/centrorum/community-service/internal/identity"
	"github.com/centrorum/community-service/internal/model"
	"github.com/centrorum/community-service/internal/plugin/route/auth"
	"github.com/centrorum/community-service/internal/plugin/route/conversations"
	"github.com/centrorum/community-service/internal/plugin/route/profile"
	"github.com/centrorum/community-service/internal/plugin/route/requests"
	"github.com/centrorum/community-service/internal/plugin/route/users"
	"github.com/centrorum/community-service/internal/plugin/store/postgres"
	"github.com/centrorum/community-service/internal/plugin/store/sqlite"
	registrystore "github.com/centrorum/community-service/internal/registry/store"
	"github.com/centrorum/community-service/internal/security"
)

// API is a fully wired test server.
type API struct {
	Router *gin.Engine
	Store  registrystore.CommunityStore
	Codec  *identity.Codec
	Issuer *security.TokenIssuer
	Cfg    *config.Config
}

// New builds an API over a fresh in-memory database.
func New(t *testing.T) *API {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	cfg.TokenSigningKey = "000102030405060708090a0b0c0d0e0f"

	db, err := sqlite.Open(cfg.DBURL)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, sqlite.Migrate(db))
	store := postgres.NewStore(db, &cfg, nil)

	issuer, err := security.NewTokenIssuer(&cfg)
	require.NoError(t, err)
	codec, err := identity.NewCodec(&cfg)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	authn := security.AuthMiddleware(issuer, true)
	auth.MountRoutes(router, store, &cfg, issuer, codec)
	profile.MountRoutes(router, store, authn, codec)
	users.MountRoutes(router, store, codec, nil)
	requests.MountRoutes(router, store, authn, codec)
	conversations.MountRoutes(router, store, authn, codec)

	return &API{Router: router, Store: store, Codec: codec, Issuer: issuer, Cfg: &cfg}
}

// Do performs a request as the given user (0 for anonymous) and returns the
// recorder.
func (a *API) Do(t *testing.T, method, path string, userID uint64, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		req.Header.Set("X-User-ID", fmt.Sprint(userID))
	}
	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, req)
	return rec
}

// Decode unmarshals a recorded JSON response body into out.
func Decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), "body: %s", rec.Body.String())
}

// CreateUser inserts a user directly through the store.
func (a *API) CreateUser(t *testing.T, email, name string) *model.User {
	t.Helper()
	hash, err := security.HashPassword("password123")
	require.NoError(t, err)
	user, err := a.Store.CreateUser(context.Background(), registrystore.CreateUserParams{
		Email:        email,
		DisplayName:  name,
		PasswordHash: hash,
	})
	require.NoError(t, err)
	return user
}

// Establish runs the request/accept handshake between two users and returns
// the conversation ID.
func (a *API) Establish(t *testing.T, requesterID, recipientID uint64, message string) uint64 {
	t.Helper()
	view, err := a.Store.CreateConversationRequest(context.Background(), requesterID, recipientID, message)
	require.NoError(t, err)
	decision, err := a.Store.RespondToConversationRequest(context.Background(), recipientID, view.Request.ID, true)
	require.NoError(t, err)
	require.NotNil(t, decision.Conversation)
	return decision.Conversation.ID
}
