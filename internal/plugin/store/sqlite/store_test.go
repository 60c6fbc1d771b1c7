package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centrorum/community-service/internal/config"
	"github.com/centrorum/community-service/internal/model"
	"github.com/centrorum/community-service/internal/plugin/store/postgres"
	"github.com/centrorum/community-service/internal/plugin/store/sqlite"
	registrystore "github.com/centrorum/community-service/internal/registry/store"
)

func setupTestStore(t *testing.T) (registrystore.CommunityStore, context.Context) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := sqlite.Open(dsn)
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive and serializes
	// concurrent writers.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, sqlite.Migrate(db))

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = dsn
	return postgres.NewStore(db, &cfg, nil), context.Background()
}

func createUser(t *testing.T, store registrystore.CommunityStore, ctx context.Context, email, name string) *model.User {
	t.Helper()
	user, err := store.CreateUser(ctx, registrystore.CreateUserParams{
		Email:        email,
		DisplayName:  name,
		PasswordHash: "x",
	})
	require.NoError(t, err)
	return user
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	store, ctx := setupTestStore(t)

	createUser(t, store, ctx, "ana@upr.edu", "Ana")
	_, err := store.CreateUser(ctx, registrystore.CreateUserParams{
		Email:        "ana@upr.edu",
		DisplayName:  "Ana Again",
		PasswordHash: "x",
	})
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict error, got %T", err)
	assert.Equal(t, "email_taken", conflict.Code)
}

func TestUpdateUserPartialFields(t *testing.T) {
	store, ctx := setupTestStore(t)

	user := createUser(t, store, ctx, "ana@upr.edu", "Ana")

	bio := "CS student"
	updated, err := store.UpdateUser(ctx, user.ID, registrystore.ProfileUpdate{Bio: &bio})
	require.NoError(t, err)
	assert.Equal(t, "Ana", updated.DisplayName)
	assert.Equal(t, "CS student", updated.Bio)

	name := "Ana M"
	updated, err = store.UpdateUser(ctx, user.ID, registrystore.ProfileUpdate{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Ana M", updated.DisplayName)
	assert.Equal(t, "CS student", updated.Bio)

	_, err = store.UpdateUser(ctx, 99999, registrystore.ProfileUpdate{DisplayName: &name})
	var notFound *registrystore.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestRequestToSelfRejected(t *testing.T) {
	store, ctx := setupTestStore(t)

	user := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	_, err := store.CreateConversationRequest(ctx, user.ID, user.ID, "hello me")
	var validation *registrystore.ValidationError
	require.True(t, errors.As(err, &validation), "expected validation error, got %T", err)
}

func TestRequestToUnknownRecipient(t *testing.T) {
	store, ctx := setupTestStore(t)

	user := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	_, err := store.CreateConversationRequest(ctx, user.ID, 99999, "anyone there?")
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound), "expected not found, got %T", err)
}

func TestDuplicateRequestBlockedBothDirections(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")

	_, err := store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Hi")
	require.NoError(t, err)

	// Same direction again.
	_, err = store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Hi again")
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "request_pending", conflict.Code)

	// Reverse direction while the first is still pending.
	_, err = store.CreateConversationRequest(ctx, ben.ID, ana.ID, "Hi back")
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "request_pending", conflict.Code)
}

func TestDenialBlocksRecontact(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")

	view, err := store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Hi")
	require.NoError(t, err)

	decision, err := store.RespondToConversationRequest(ctx, ben.ID, view.Request.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusDenied, decision.Request.Status)
	assert.Nil(t, decision.Conversation)

	// Neither side can start over after a denial, and the error says why.
	var conflict *registrystore.ConflictError
	_, err = store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Please?")
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "request_denied", conflict.Code)
	assert.Contains(t, conflict.Message, "denied")

	_, err = store.CreateConversationRequest(ctx, ben.ID, ana.ID, "Changed my mind")
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "request_denied", conflict.Code)
}

func TestExistingConversationBlocksNewRequest(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")

	view, err := store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Hi")
	require.NoError(t, err)
	_, err = store.RespondToConversationRequest(ctx, ben.ID, view.Request.ID, true)
	require.NoError(t, err)

	var conflict *registrystore.ConflictError
	_, err = store.CreateConversationRequest(ctx, ben.ID, ana.ID, "again")
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "conversation_exists", conflict.Code)
}

func TestListConversationRequestsDirections(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")
	cal := createUser(t, store, ctx, "cal@upr.edu", "Cal")

	_, err := store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Hi Ben")
	require.NoError(t, err)
	_, err = store.CreateConversationRequest(ctx, cal.ID, ana.ID, "Hi Ana")
	require.NoError(t, err)

	views, err := store.ListConversationRequests(ctx, ana.ID)
	require.NoError(t, err)
	require.Len(t, views, 2)

	byDirection := map[registrystore.Direction]registrystore.RequestView{}
	for _, v := range views {
		byDirection[v.Direction] = v
	}
	assert.Equal(t, ben.ID, byDirection[registrystore.DirectionSent].Counterpart.ID)
	assert.Equal(t, cal.ID, byDirection[registrystore.DirectionReceived].Counterpart.ID)
}

func TestRespondOnlyVisibleToRecipient(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")
	cal := createUser(t, store, ctx, "cal@upr.edu", "Cal")

	view, err := store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Hi")
	require.NoError(t, err)

	// The requester and a stranger both see the same not-found answer, so
	// neither can probe for the request.
	var notFound *registrystore.NotFoundError
	_, err = store.RespondToConversationRequest(ctx, ana.ID, view.Request.ID, true)
	require.True(t, errors.As(err, &notFound), "requester got %T", err)
	_, err = store.RespondToConversationRequest(ctx, cal.ID, view.Request.ID, true)
	require.True(t, errors.As(err, &notFound), "stranger got %T", err)

	_, err = store.RespondToConversationRequest(ctx, ben.ID, view.Request.ID, true)
	require.NoError(t, err)

	// A second decision on the same request no longer matches.
	_, err = store.RespondToConversationRequest(ctx, ben.ID, view.Request.ID, false)
	require.True(t, errors.As(err, &notFound), "second respond got %T", err)
}

func TestAcceptSeedsConversationWithRequestMessage(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")

	view, err := store.CreateConversationRequest(ctx, ana.ID, ben.ID, "  Hi  ")
	require.NoError(t, err)
	assert.Equal(t, "Hi", view.Request.Message)

	decision, err := store.RespondToConversationRequest(ctx, ben.ID, view.Request.ID, true)
	require.NoError(t, err)
	require.NotNil(t, decision.Conversation)

	messages, err := store.ListMessages(ctx, ben.ID, decision.Conversation.ID, registrystore.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Hi", messages[0].Content)
	assert.Equal(t, ana.ID, messages[0].SenderID)
}

func TestAcceptWithoutIntroMessage(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")

	view, err := store.CreateConversationRequest(ctx, ana.ID, ben.ID, "")
	require.NoError(t, err)
	decision, err := store.RespondToConversationRequest(ctx, ben.ID, view.Request.ID, true)
	require.NoError(t, err)
	require.NotNil(t, decision.Conversation)

	messages, err := store.ListMessages(ctx, ana.ID, decision.Conversation.ID, registrystore.MessageQuery{})
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestMessageOrderingAndPagination(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")
	conv := establishConversation(t, store, ctx, ana.ID, ben.ID)

	for i := 1; i <= 5; i++ {
		_, err := store.SendMessage(ctx, ana.ID, conv.ID, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	messages, err := store.ListMessages(ctx, ben.ID, conv.ID, registrystore.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, messages, 5)
	for i := 1; i < len(messages); i++ {
		assert.Less(t, messages[i-1].ID, messages[i].ID)
		assert.False(t, messages[i].CreatedAt.Before(messages[i-1].CreatedAt))
	}

	// Listing twice returns the same order.
	again, err := store.ListMessages(ctx, ben.ID, conv.ID, registrystore.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, again, 5)
	for i := range messages {
		assert.Equal(t, messages[i].ID, again[i].ID)
	}

	// Resume after the second message.
	tail, err := store.ListMessages(ctx, ben.ID, conv.ID, registrystore.MessageQuery{AfterID: messages[1].ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, messages[2].ID, tail[0].ID)
	assert.Equal(t, messages[3].ID, tail[1].ID)
}

func TestNonParticipantAccessForbidden(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")
	cal := createUser(t, store, ctx, "cal@upr.edu", "Cal")
	conv := establishConversation(t, store, ctx, ana.ID, ben.ID)

	var forbidden *registrystore.ForbiddenError
	_, err := store.GetConversation(ctx, cal.ID, conv.ID)
	require.True(t, errors.As(err, &forbidden), "get got %T", err)
	_, err = store.ListMessages(ctx, cal.ID, conv.ID, registrystore.MessageQuery{})
	require.True(t, errors.As(err, &forbidden), "list got %T", err)
	_, err = store.SendMessage(ctx, cal.ID, conv.ID, "let me in")
	require.True(t, errors.As(err, &forbidden), "send got %T", err)
	_, err = store.MarkMessagesRead(ctx, cal.ID, conv.ID)
	require.True(t, errors.As(err, &forbidden), "mark got %T", err)

	var notFound *registrystore.NotFoundError
	_, err = store.GetConversation(ctx, ana.ID, 99999)
	require.True(t, errors.As(err, &notFound))
}

func TestUnreadCountsAndMarkRead(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")
	conv := establishConversation(t, store, ctx, ana.ID, ben.ID)

	_, err := store.SendMessage(ctx, ana.ID, conv.ID, "one")
	require.NoError(t, err)
	_, err = store.SendMessage(ctx, ana.ID, conv.ID, "two")
	require.NoError(t, err)

	// Unread counts only the counterpart's messages.
	benView, err := store.GetConversation(ctx, ben.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), benView.UnreadCount)
	anaView, err := store.GetConversation(ctx, ana.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), anaView.UnreadCount)

	updated, err := store.MarkMessagesRead(ctx, ben.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	// Already-read rows are untouched on the next call.
	updated, err = store.MarkMessagesRead(ctx, ben.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated)

	benView, err = store.GetConversation(ctx, ben.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), benView.UnreadCount)
}

func TestSendMessageContentRules(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")
	conv := establishConversation(t, store, ctx, ana.ID, ben.ID)

	var validation *registrystore.ValidationError
	_, err := store.SendMessage(ctx, ana.ID, conv.ID, "")
	require.True(t, errors.As(err, &validation))
	_, err = store.SendMessage(ctx, ana.ID, conv.ID, "   \n\t ")
	require.True(t, errors.As(err, &validation))

	long := strings.Repeat("a", 10000)
	msg, err := store.SendMessage(ctx, ana.ID, conv.ID, long)
	require.NoError(t, err)
	assert.Equal(t, long, msg.Content)

	messages, err := store.ListMessages(ctx, ben.ID, conv.ID, registrystore.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, long, messages[0].Content)
}

func TestConversationListOrderedByActivity(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")
	cal := createUser(t, store, ctx, "cal@upr.edu", "Cal")

	withBen := establishConversation(t, store, ctx, ana.ID, ben.ID)
	withCal := establishConversation(t, store, ctx, ana.ID, cal.ID)

	time.Sleep(10 * time.Millisecond) // ensure a later updated_at
	_, err := store.SendMessage(ctx, ben.ID, withBen.ID, "ping")
	require.NoError(t, err)

	views, err := store.ListConversations(ctx, ana.ID)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, withBen.ID, views[0].Conversation.ID)
	assert.Equal(t, withCal.ID, views[1].Conversation.ID)

	require.NotNil(t, views[0].LastMessage)
	assert.Equal(t, "ping", views[0].LastMessage.Content)
	assert.Equal(t, ben.ID, views[0].Counterpart.ID)
	assert.Equal(t, int64(1), views[0].UnreadCount)
	assert.Nil(t, views[1].LastMessage)
}

func TestSeedTouchesConversationActivity(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")

	view, err := store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Hi")
	require.NoError(t, err)
	decision, err := store.RespondToConversationRequest(ctx, ben.ID, view.Request.ID, true)
	require.NoError(t, err)
	require.NotNil(t, decision.Conversation)

	// The seeded intro counts as activity, so the ordering key does not lag
	// the conversation's only message.
	views, err := store.ListConversations(ctx, ana.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.NotNil(t, views[0].LastMessage)
	assert.Equal(t, "Hi", views[0].LastMessage.Content)
	assert.False(t, views[0].Conversation.UpdatedAt.Before(views[0].LastMessage.CreatedAt))
}

func TestConcurrentSendsAllStored(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")
	conv := establishConversation(t, store, ctx, ana.ID, ben.ID)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := ana.ID
			if i%2 == 1 {
				sender = ben.ID
			}
			_, err := store.SendMessage(ctx, sender, conv.ID, fmt.Sprintf("msg %d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	messages, err := store.ListMessages(ctx, ana.ID, conv.ID, registrystore.MessageQuery{})
	require.NoError(t, err)
	assert.Len(t, messages, n)
}

func TestConversationFlowEndToEnd(t *testing.T) {
	store, ctx := setupTestStore(t)

	ana := createUser(t, store, ctx, "ana@upr.edu", "Ana")
	ben := createUser(t, store, ctx, "ben@upr.edu", "Ben")

	view, err := store.CreateConversationRequest(ctx, ana.ID, ben.ID, "Hi")
	require.NoError(t, err)
	decision, err := store.RespondToConversationRequest(ctx, ben.ID, view.Request.ID, true)
	require.NoError(t, err)
	conv := decision.Conversation
	require.NotNil(t, conv)

	_, err = store.SendMessage(ctx, ben.ID, conv.ID, "Hello")
	require.NoError(t, err)
	_, err = store.SendMessage(ctx, ana.ID, conv.ID, "Hey")
	require.NoError(t, err)

	messages, err := store.ListMessages(ctx, ana.ID, conv.ID, registrystore.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "Hi", messages[0].Content)
	assert.Equal(t, "Hello", messages[1].Content)
	assert.Equal(t, "Hey", messages[2].Content)

	// Ana has Ben's "Hello" unread; the seeded "Hi" and her "Hey" are her own.
	anaView, err := store.GetConversation(ctx, ana.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), anaView.UnreadCount)
	benView, err := store.GetConversation(ctx, ben.ID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), benView.UnreadCount)
}

// establishConversation runs the request/accept handshake and returns the
// resulting conversation.
func establishConversation(t *testing.T, store registrystore.CommunityStore, ctx context.Context, requesterID, recipientID uint64) *model.Conversation {
	t.Helper()
	view, err := store.CreateConversationRequest(ctx, requesterID, recipientID, "")
	require.NoError(t, err)
	decision, err := store.RespondToConversationRequest(ctx, recipientID, view.Request.ID, true)
	require.NoError(t, err)
	require.NotNil(t, decision.Conversation)
	return decision.Conversation
}
