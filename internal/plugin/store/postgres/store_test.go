package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centrorum/community-service/internal/config"
	"github.com/centrorum/community-service/internal/model"
	"github.com/centrorum/community-service/internal/plugin/store/postgres"
	registrymigrate "github.com/centrorum/community-service/internal/registry/migrate"
	registrystore "github.com/centrorum/community-service/internal/registry/store"
	"github.com/centrorum/community-service/internal/testutil/testpg"
)

func setupTestStore(t *testing.T) (registrystore.CommunityStore, context.Context, string) {
	t.Helper()

	dbURL := testpg.StartPostgres(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	ctx := config.WithContext(context.Background(), &cfg)

	// Ensure postgres store plugin is registered
	_ = postgres.ForceImport

	// Run migrations
	err := registrymigrate.RunAll(ctx)
	require.NoError(t, err)

	// Initialize store
	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)

	store, err := loader(ctx)
	require.NoError(t, err)

	return store, ctx, dbURL
}

func TestCreateAndGetUser(t *testing.T) {
	store, ctx, _ := setupTestStore(t)

	user, err := store.CreateUser(ctx, registrystore.CreateUserParams{
		Email:        "ana@upr.edu",
		DisplayName:  "Ana",
		Bio:          "CS student",
		PasswordHash: "x",
	})
	require.NoError(t, err)
	assert.NotZero(t, user.ID)

	got, err := store.GetUserByEmail(ctx, "ana@upr.edu")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, "Ana", got.DisplayName)

	_, err = store.CreateUser(ctx, registrystore.CreateUserParams{
		Email:        "ana@upr.edu",
		DisplayName:  "Ana Again",
		PasswordHash: "x",
	})
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict, got %T", err)
}

func TestRequestAcceptFlow(t *testing.T) {
	store, ctx, _ := setupTestStore(t)

	ana, err := store.CreateUser(ctx, registrystore.CreateUserParams{
		Email: "ana@upr.edu", DisplayName: "Ana", PasswordHash: "x",
	})
	require.NoError(t, err)
	ben, err := store.CreateUser(ctx, registrystore.CreateUserParams{
		Email: "ben@upr.edu", DisplayName: "Ben", PasswordHash: "x",
	})
	require.NoError(t, err)

	view, err := store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Hi")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusPending, view.Request.Status)

	decision, err := store.RespondToConversationRequest(ctx, ben.ID, view.Request.ID, true)
	require.NoError(t, err)
	require.NotNil(t, decision.Conversation)
	assert.Equal(t, model.RequestStatusAccepted, decision.Request.Status)

	// The intro message is seeded and message traffic flows both ways.
	_, err = store.SendMessage(ctx, ben.ID, decision.Conversation.ID, "Hello")
	require.NoError(t, err)
	messages, err := store.ListMessages(ctx, ana.ID, decision.Conversation.ID, registrystore.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Hi", messages[0].Content)
	assert.Equal(t, "Hello", messages[1].Content)

	// The schema's pair uniqueness blocks a second request.
	_, err = store.CreateConversationRequest(ctx, ben.ID, ana.ID, "again")
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict))
}

func TestDenyFlow(t *testing.T) {
	store, ctx, _ := setupTestStore(t)

	ana, err := store.CreateUser(ctx, registrystore.CreateUserParams{
		Email: "ana@upr.edu", DisplayName: "Ana", PasswordHash: "x",
	})
	require.NoError(t, err)
	ben, err := store.CreateUser(ctx, registrystore.CreateUserParams{
		Email: "ben@upr.edu", DisplayName: "Ben", PasswordHash: "x",
	})
	require.NoError(t, err)

	view, err := store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Hi")
	require.NoError(t, err)
	decision, err := store.RespondToConversationRequest(ctx, ben.ID, view.Request.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusDenied, decision.Request.Status)
	assert.Nil(t, decision.Conversation)

	_, err = store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Please?")
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Contains(t, conflict.Message, "denied")
}

func TestConcurrentRespondsSingleWinner(t *testing.T) {
	store, ctx, _ := setupTestStore(t)

	ana, err := store.CreateUser(ctx, registrystore.CreateUserParams{
		Email: "ana@upr.edu", DisplayName: "Ana", PasswordHash: "x",
	})
	require.NoError(t, err)
	ben, err := store.CreateUser(ctx, registrystore.CreateUserParams{
		Email: "ben@upr.edu", DisplayName: "Ben", PasswordHash: "x",
	})
	require.NoError(t, err)

	view, err := store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Hi")
	require.NoError(t, err)

	// An accept and a deny race on the same request. The status transition
	// is guarded, so exactly one wins and the loser sees the request as gone.
	decisions := make([]*registrystore.RequestDecision, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, accept := range []bool{true, false} {
		wg.Add(1)
		go func(i int, accept bool) {
			defer wg.Done()
			decisions[i], errs[i] = store.RespondToConversationRequest(ctx, ben.ID, view.Request.ID, accept)
		}(i, accept)
	}
	wg.Wait()

	var winners int
	var winner *registrystore.RequestDecision
	for i := range errs {
		if errs[i] == nil {
			winners++
			winner = decisions[i]
			continue
		}
		var notFound *registrystore.NotFoundError
		require.True(t, errors.As(errs[i], &notFound), "unexpected error: %v", errs[i])
	}
	require.Equal(t, 1, winners)

	if winner.Request.Status == model.RequestStatusAccepted {
		require.NotNil(t, winner.Conversation)
		messages, err := store.ListMessages(ctx, ana.ID, winner.Conversation.ID, registrystore.MessageQuery{})
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, "Hi", messages[0].Content)
	} else {
		assert.Nil(t, winner.Conversation)
		convs, err := store.ListConversations(ctx, ana.ID)
		require.NoError(t, err)
		assert.Empty(t, convs)
	}

	// The terminal status stays put on a retry.
	_, err = store.RespondToConversationRequest(ctx, ben.ID, view.Request.ID, true)
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestRacingAcceptsOneConversationPerPair(t *testing.T) {
	store, ctx, dbURL := setupTestStore(t)

	ana, err := store.CreateUser(ctx, registrystore.CreateUserParams{
		Email: "ana@upr.edu", DisplayName: "Ana", PasswordHash: "x",
	})
	require.NoError(t, err)
	ben, err := store.CreateUser(ctx, registrystore.CreateUserParams{
		Email: "ben@upr.edu", DisplayName: "Ben", PasswordHash: "x",
	})
	require.NoError(t, err)

	view, err := store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Hi")
	require.NoError(t, err)

	// Two racing creates can slip past the reciprocal-request check before
	// either commits. Plant the reverse row directly to reproduce that state.
	conn, err := pgx.Connect(ctx, dbURL)
	require.NoError(t, err)
	defer conn.Close(ctx)
	var reverseID uint64
	err = conn.QueryRow(ctx,
		`INSERT INTO conversation_requests (requester_id, recipient_id, status, message)
		 VALUES ($1, $2, 'pending', '') RETURNING id`,
		ben.ID, ana.ID).Scan(&reverseID)
	require.NoError(t, err)

	decisions := make([]*registrystore.RequestDecision, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		decisions[0], errs[0] = store.RespondToConversationRequest(ctx, ben.ID, view.Request.ID, true)
	}()
	go func() {
		defer wg.Done()
		decisions[1], errs[1] = store.RespondToConversationRequest(ctx, ana.ID, reverseID, true)
	}()
	wg.Wait()

	// Both accepts succeed but land on the same conversation row.
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NotNil(t, decisions[0].Conversation)
	require.NotNil(t, decisions[1].Conversation)
	assert.Equal(t, decisions[0].Conversation.ID, decisions[1].Conversation.ID)

	convs, err := store.ListConversations(ctx, ana.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	messages, err := store.ListMessages(ctx, ana.ID, convs[0].Conversation.ID, registrystore.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Hi", messages[0].Content)
}
