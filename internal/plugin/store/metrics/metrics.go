package metrics

import (
	"context"
	"time"

	"github.com/centrorum/community-service/internal/model"
	"github.com/centrorum/community-service/internal/registry/store"
	"github.com/centrorum/community-service/internal/security"
)

// Wrap returns a CommunityStore that records StoreLatency for every operation.
func Wrap(inner store.CommunityStore) store.CommunityStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.CommunityStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency != nil {
		security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (m *metricsStore) CreateUser(ctx context.Context, params store.CreateUserParams) (*model.User, error) {
	defer observe("create_user", time.Now())
	return m.inner.CreateUser(ctx, params)
}

func (m *metricsStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	defer observe("get_user_by_email", time.Now())
	return m.inner.GetUserByEmail(ctx, email)
}

func (m *metricsStore) GetUserByID(ctx context.Context, id uint64) (*model.User, error) {
	defer observe("get_user_by_id", time.Now())
	return m.inner.GetUserByID(ctx, id)
}

func (m *metricsStore) UpdateUser(ctx context.Context, id uint64, update store.ProfileUpdate) (*model.User, error) {
	defer observe("update_user", time.Now())
	return m.inner.UpdateUser(ctx, id, update)
}

func (m *metricsStore) CreateConversationRequest(ctx context.Context, requesterID, recipientID uint64, message string) (*store.RequestView, error) {
	defer observe("create_conversation_request", time.Now())
	return m.inner.CreateConversationRequest(ctx, requesterID, recipientID, message)
}

func (m *metricsStore) ListConversationRequests(ctx context.Context, userID uint64) ([]store.RequestView, error) {
	defer observe("list_conversation_requests", time.Now())
	return m.inner.ListConversationRequests(ctx, userID)
}

func (m *metricsStore) RespondToConversationRequest(ctx context.Context, userID, requestID uint64, accept bool) (*store.RequestDecision, error) {
	defer observe("respond_to_conversation_request", time.Now())
	return m.inner.RespondToConversationRequest(ctx, userID, requestID, accept)
}

func (m *metricsStore) ListConversations(ctx context.Context, userID uint64) ([]store.ConversationView, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversations(ctx, userID)
}

func (m *metricsStore) GetConversation(ctx context.Context, userID, conversationID uint64) (*store.ConversationView, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, userID, conversationID)
}

func (m *metricsStore) ListMessages(ctx context.Context, userID, conversationID uint64, query store.MessageQuery) ([]model.Message, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, userID, conversationID, query)
}

func (m *metricsStore) SendMessage(ctx context.Context, userID, conversationID uint64, content string) (*model.Message, error) {
	defer observe("send_message", time.Now())
	return m.inner.SendMessage(ctx, userID, conversationID, content)
}

func (m *metricsStore) MarkMessagesRead(ctx context.Context, userID, conversationID uint64) (int64, error) {
	defer observe("mark_messages_read", time.Now())
	return m.inner.MarkMessagesRead(ctx, userID, conversationID)
}

func (m *metricsStore) Ping(ctx context.Context) error {
	defer observe("ping", time.Now())
	return m.inner.Ping(ctx)
}
