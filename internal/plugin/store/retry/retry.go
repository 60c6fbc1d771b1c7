// Package retry decorates a CommunityStore with contention retries. Transient
// datastore failures (serialization aborts, deadlocks, lock timeouts) are
// retried with exponential backoff and jitter; everything else passes through
// untouched.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/centrorum/community-service/internal/model"
	"github.com/centrorum/community-service/internal/registry/store"
	"github.com/centrorum/community-service/internal/security"
)

// Wrap returns a CommunityStore that retries transient failures.
// maxAttempts is the total attempt budget including the first try; baseDelay
// is the initial backoff interval, doubled per retry with up to 50% jitter.
func Wrap(inner store.CommunityStore, maxAttempts int, baseDelay time.Duration) store.CommunityStore {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 25 * time.Millisecond
	}
	return &retryStore{inner: inner, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

type retryStore struct {
	inner       store.CommunityStore
	maxAttempts int
	baseDelay   time.Duration
}

func (r *retryStore) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.baseDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.maxAttempts-1)), ctx)
}

func (r *retryStore) do(ctx context.Context, op string, fn func() error) error {
	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		if security.StoreRetries != nil {
			security.StoreRetries.WithLabelValues(op).Inc()
		}
		log.Debug("retrying datastore operation", "op", op, "error", err)
		return err
	}, r.policy(ctx))
	if err != nil && IsTransient(err) {
		return &store.UnavailableError{Op: op, Err: err}
	}
	return err
}

// IsTransient reports whether the error is a contention failure worth
// retrying. Covers postgres serialization aborts (40001), deadlocks (40P01)
// and lock timeouts (55P03), plus sqlite busy locks.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func (r *retryStore) CreateUser(ctx context.Context, params store.CreateUserParams) (*model.User, error) {
	var result *model.User
	err := r.do(ctx, "create_user", func() error {
		var err error
		result, err = r.inner.CreateUser(ctx, params)
		return err
	})
	return result, err
}

func (r *retryStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var result *model.User
	err := r.do(ctx, "get_user_by_email", func() error {
		var err error
		result, err = r.inner.GetUserByEmail(ctx, email)
		return err
	})
	return result, err
}

func (r *retryStore) GetUserByID(ctx context.Context, id uint64) (*model.User, error) {
	var result *model.User
	err := r.do(ctx, "get_user_by_id", func() error {
		var err error
		result, err = r.inner.GetUserByID(ctx, id)
		return err
	})
	return result, err
}

func (r *retryStore) UpdateUser(ctx context.Context, id uint64, update store.ProfileUpdate) (*model.User, error) {
	var result *model.User
	err := r.do(ctx, "update_user", func() error {
		var err error
		result, err = r.inner.UpdateUser(ctx, id, update)
		return err
	})
	return result, err
}

func (r *retryStore) CreateConversationRequest(ctx context.Context, requesterID, recipientID uint64, message string) (*store.RequestView, error) {
	var result *store.RequestView
	err := r.do(ctx, "create_conversation_request", func() error {
		var err error
		result, err = r.inner.CreateConversationRequest(ctx, requesterID, recipientID, message)
		return err
	})
	return result, err
}

func (r *retryStore) ListConversationRequests(ctx context.Context, userID uint64) ([]store.RequestView, error) {
	var result []store.RequestView
	err := r.do(ctx, "list_conversation_requests", func() error {
		var err error
		result, err = r.inner.ListConversationRequests(ctx, userID)
		return err
	})
	return result, err
}

func (r *retryStore) RespondToConversationRequest(ctx context.Context, userID, requestID uint64, accept bool) (*store.RequestDecision, error) {
	var result *store.RequestDecision
	err := r.do(ctx, "respond_to_conversation_request", func() error {
		var err error
		result, err = r.inner.RespondToConversationRequest(ctx, userID, requestID, accept)
		return err
	})
	return result, err
}

func (r *retryStore) ListConversations(ctx context.Context, userID uint64) ([]store.ConversationView, error) {
	var result []store.ConversationView
	err := r.do(ctx, "list_conversations", func() error {
		var err error
		result, err = r.inner.ListConversations(ctx, userID)
		return err
	})
	return result, err
}

func (r *retryStore) GetConversation(ctx context.Context, userID, conversationID uint64) (*store.ConversationView, error) {
	var result *store.ConversationView
	err := r.do(ctx, "get_conversation", func() error {
		var err error
		result, err = r.inner.GetConversation(ctx, userID, conversationID)
		return err
	})
	return result, err
}

func (r *retryStore) ListMessages(ctx context.Context, userID, conversationID uint64, query store.MessageQuery) ([]model.Message, error) {
	var result []model.Message
	err := r.do(ctx, "list_messages", func() error {
		var err error
		result, err = r.inner.ListMessages(ctx, userID, conversationID, query)
		return err
	})
	return result, err
}

func (r *retryStore) SendMessage(ctx context.Context, userID, conversationID uint64, content string) (*model.Message, error) {
	var result *model.Message
	err := r.do(ctx, "send_message", func() error {
		var err error
		result, err = r.inner.SendMessage(ctx, userID, conversationID, content)
		return err
	})
	return result, err
}

func (r *retryStore) MarkMessagesRead(ctx context.Context, userID, conversationID uint64) (int64, error) {
	var result int64
	err := r.do(ctx, "mark_messages_read", func() error {
		var err error
		result, err = r.inner.MarkMessagesRead(ctx, userID, conversationID)
		return err
	})
	return result, err
}

func (r *retryStore) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", func() error {
		return r.inner.Ping(ctx)
	})
}
