package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/centrorum/community-service/internal/config"
	"github.com/centrorum/community-service/internal/model"
	registrycache "github.com/centrorum/community-service/internal/registry/cache"
	registrymigrate "github.com/centrorum/community-service/internal/registry/migrate"
	registrystore "github.com/centrorum/community-service/internal/registry/store"
	"github.com/centrorum/community-service/internal/security"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.CommunityStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{TranslateError: true})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return NewStore(db, cfg, registrycache.ProfileCacheFromContext(ctx)), nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }
func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil // skip if not using postgres
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// Store implements CommunityStore using GORM. The postgres plugin loads it
// against a postgres connection; the sqlite plugin reuses it against sqlite.
type Store struct {
	db           *gorm.DB
	cfg          *config.Config
	profileCache registrycache.ProfileCache
}

// NewStore builds a Store over an already-open gorm connection.
func NewStore(db *gorm.DB, cfg *config.Config, profileCache registrycache.ProfileCache) *Store {
	return &Store{db: db, cfg: cfg, profileCache: profileCache}
}

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, params registrystore.CreateUserParams) (*model.User, error) {
	user := model.User{
		Email:        params.Email,
		DisplayName:  params.DisplayName,
		Bio:          params.Bio,
		PasswordHash: params.PasswordHash,
		CreatedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if isDuplicate(err) {
			return nil, &ConflictError{Message: "a user with this email already exists", Code: "email_taken"}
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "user", ID: email}
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

func (s *Store) GetUserByID(ctx context.Context, id uint64) (*model.User, error) {
	if s.profileCache != nil && s.profileCache.Available() {
		if cached, err := s.profileCache.Get(ctx, id); err != nil {
			log.Debug("profile cache get failed", "userId", id, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	var user model.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "user", ID: fmt.Sprint(id)}
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if s.profileCache != nil && s.profileCache.Available() {
		if err := s.profileCache.Set(ctx, user, s.cfg.CacheProfileTTL); err != nil {
			log.Debug("profile cache set failed", "userId", id, "error", err)
		}
	}
	return &user, nil
}

func (s *Store) UpdateUser(ctx context.Context, id uint64, update registrystore.ProfileUpdate) (*model.User, error) {
	changes := map[string]interface{}{}
	if update.DisplayName != nil {
		changes["display_name"] = *update.DisplayName
	}
	if update.Bio != nil {
		changes["bio"] = *update.Bio
	}
	if len(changes) > 0 {
		result := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Updates(changes)
		if result.Error != nil {
			return nil, fmt.Errorf("failed to update user: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, &NotFoundError{Resource: "user", ID: fmt.Sprint(id)}
		}
	}

	if s.profileCache != nil && s.profileCache.Available() {
		if err := s.profileCache.Remove(ctx, id); err != nil {
			log.Debug("profile cache invalidation failed", "userId", id, "error", err)
		}
	}

	var user model.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "user", ID: fmt.Sprint(id)}
		}
		return nil, fmt.Errorf("failed to reload user: %w", err)
	}
	return &user, nil
}

// --- Conversation requests ---

func (s *Store) CreateConversationRequest(ctx context.Context, requesterID, recipientID uint64, message string) (*registrystore.RequestView, error) {
	if requesterID == recipientID {
		return nil, &ValidationError{Field: "recipient", Message: "you cannot send a conversation request to yourself"}
	}

	var recipient model.User
	if err := s.db.WithContext(ctx).First(&recipient, recipientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "user", ID: fmt.Sprint(recipientID)}
		}
		return nil, fmt.Errorf("failed to load recipient: %w", err)
	}

	// An established conversation wins over any request state.
	u1, u2 := model.CanonicalPair(requesterID, recipientID)
	var convCount int64
	if err := s.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("user1_id = ? AND user2_id = ?", u1, u2).
		Count(&convCount).Error; err != nil {
		return nil, fmt.Errorf("failed to check existing conversation: %w", err)
	}
	if convCount > 0 {
		return nil, &ConflictError{Message: "you already have a conversation with this user", Code: "conversation_exists"}
	}

	// Check both directions for a prior request.
	var existing model.ConversationRequest
	result := s.db.WithContext(ctx).
		Where("(requester_id = ? AND recipient_id = ?) OR (requester_id = ? AND recipient_id = ?)",
			requesterID, recipientID, recipientID, requesterID).
		Limit(1).
		Find(&existing)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to check existing request: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		switch existing.Status {
		case model.RequestStatusPending:
			if existing.RequesterID == requesterID {
				return nil, &ConflictError{Message: "you already sent a pending request to this user", Code: "request_pending"}
			}
			return nil, &ConflictError{Message: "this user has already sent you a request", Code: "request_pending"}
		case model.RequestStatusDenied:
			// A denial blocks re-contact in both directions.
			return nil, &ConflictError{Message: "a previous conversation request between you and this user was denied", Code: "request_denied"}
		default:
			return nil, &ConflictError{Message: "you already have a conversation with this user", Code: "conversation_exists"}
		}
	}

	req := model.ConversationRequest{
		RequesterID: requesterID,
		RecipientID: recipientID,
		Status:      model.RequestStatusPending,
		Message:     strings.TrimSpace(message),
		CreatedAt:   time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&req).Error; err != nil {
		if isDuplicate(err) {
			// Lost a race with a concurrent identical request.
			return nil, &ConflictError{Message: "a conversation request for this user already exists", Code: "request_exists"}
		}
		return nil, fmt.Errorf("failed to create conversation request: %w", err)
	}

	return &registrystore.RequestView{
		Request:     req,
		Counterpart: recipient,
		Direction:   registrystore.DirectionSent,
	}, nil
}

func (s *Store) ListConversationRequests(ctx context.Context, userID uint64) ([]registrystore.RequestView, error) {
	// Received requests only matter while pending; sent requests stay visible
	// until accepted so the requester can see a denial.
	var requests []model.ConversationRequest
	err := s.db.WithContext(ctx).
		Preload("Requester").
		Preload("Recipient").
		Where("(recipient_id = ? AND status = ?) OR (requester_id = ? AND status IN ?)",
			userID, model.RequestStatusPending,
			userID, []model.RequestStatus{model.RequestStatusPending, model.RequestStatusDenied}).
		Order("created_at DESC, id DESC").
		Find(&requests).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation requests: %w", err)
	}

	views := make([]registrystore.RequestView, 0, len(requests))
	for _, req := range requests {
		view := registrystore.RequestView{Request: req}
		if req.RequesterID == userID {
			view.Direction = registrystore.DirectionSent
			if req.Recipient != nil {
				view.Counterpart = *req.Recipient
			}
		} else {
			view.Direction = registrystore.DirectionReceived
			if req.Requester != nil {
				view.Counterpart = *req.Requester
			}
		}
		view.Request.Requester = nil
		view.Request.Recipient = nil
		views = append(views, view)
	}
	return views, nil
}

func (s *Store) RespondToConversationRequest(ctx context.Context, userID, requestID uint64, accept bool) (*registrystore.RequestDecision, error) {
	var req model.ConversationRequest
	var conv *model.Conversation

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Only the recipient of a still-pending request gets a match. Anyone
		// else sees a 404, so neither the requester nor a stranger can probe
		// for the request's existence or state.
		err := tx.Where("id = ? AND recipient_id = ? AND status = ?",
			requestID, userID, model.RequestStatusPending).
			First(&req).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Resource: "conversation request", ID: fmt.Sprint(requestID)}
			}
			return fmt.Errorf("failed to load request: %w", err)
		}

		status := model.RequestStatusDenied
		if accept {
			status = model.RequestStatusAccepted
		}
		// The transition is guarded on status so a concurrent respond that
		// committed after our read cannot be overwritten. Losing the race
		// reads the same as the request never being visible.
		res := tx.Model(&model.ConversationRequest{}).
			Where("id = ? AND recipient_id = ? AND status = ?",
				requestID, userID, model.RequestStatusPending).
			Update("status", status)
		if res.Error != nil {
			return fmt.Errorf("failed to update request status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &NotFoundError{Resource: "conversation request", ID: fmt.Sprint(requestID)}
		}
		req.Status = status

		if accept {
			established, err := s.findOrCreateConversation(tx, req.RequesterID, req.RecipientID)
			if err != nil {
				return err
			}
			conv = established
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Seed the conversation with the request's intro message. Runs outside the
	// decision transaction: a seed failure must not undo the accept.
	if conv != nil && req.Message != "" {
		if err := s.seedConversation(ctx, conv, &req); err != nil {
			log.Warn("failed to seed conversation with request message",
				"conversationId", conv.ID, "requestId", req.ID, "error", err)
		}
	}

	return &registrystore.RequestDecision{Request: req, Conversation: conv}, nil
}

// findOrCreateConversation establishes the unique conversation for a user
// pair. Concurrent accepts race on the pair uniqueness index; the loser
// re-reads the winner's row.
func (s *Store) findOrCreateConversation(tx *gorm.DB, a, b uint64) (*model.Conversation, error) {
	u1, u2 := model.CanonicalPair(a, b)

	var conv model.Conversation
	result := tx.Where("user1_id = ? AND user2_id = ?", u1, u2).Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to look up conversation: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return &conv, nil
	}

	now := time.Now()
	conv = model.Conversation{User1ID: u1, User2ID: u2, CreatedAt: now, UpdatedAt: now}
	// ON CONFLICT DO NOTHING keeps the transaction usable when a concurrent
	// accept wins the pair index. Zero rows affected means the winner's row
	// is committed and readable.
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&conv)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := tx.Where("user1_id = ? AND user2_id = ?", u1, u2).First(&conv).Error; err != nil {
			return nil, fmt.Errorf("failed to load conversation after create race: %w", err)
		}
	}
	return &conv, nil
}

// seedConversation writes the request's intro message as the first message,
// attributed to the requester. Skipped when messages already exist, so the
// seed stays idempotent across racing accepts.
func (s *Store) seedConversation(ctx context.Context, conv *model.Conversation, req *model.ConversationRequest) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Message{}).Where("conversation_id = ?", conv.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		msg := model.Message{
			ConversationID: conv.ID,
			SenderID:       req.RequesterID,
			Content:        req.Message,
			CreatedAt:      time.Now(),
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&model.Conversation{}).
			Where("id = ?", conv.ID).
			Update("updated_at", msg.CreatedAt).Error
	})
}

// --- Conversations and messages ---

func (s *Store) ListConversations(ctx context.Context, userID uint64) ([]registrystore.ConversationView, error) {
	var convs []model.Conversation
	err := s.db.WithContext(ctx).
		Preload("User1").
		Preload("User2").
		Where("user1_id = ? OR user2_id = ?", userID, userID).
		Order("updated_at DESC, id DESC").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	views := make([]registrystore.ConversationView, 0, len(convs))
	for i := range convs {
		view, err := s.buildConversationView(ctx, &convs[i], userID)
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}

func (s *Store) GetConversation(ctx context.Context, userID, conversationID uint64) (*registrystore.ConversationView, error) {
	conv, err := s.requireParticipant(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.buildConversationView(ctx, conv, userID)
}

func (s *Store) buildConversationView(ctx context.Context, conv *model.Conversation, userID uint64) (*registrystore.ConversationView, error) {
	view := registrystore.ConversationView{Conversation: *conv}

	counterpart := conv.User1
	if conv.User1ID == userID {
		counterpart = conv.User2
	}
	if counterpart == nil {
		loaded, err := s.GetUserByID(ctx, conv.CounterpartID(userID))
		if err != nil {
			return nil, err
		}
		counterpart = loaded
	}
	view.Counterpart = *counterpart
	view.Conversation.User1 = nil
	view.Conversation.User2 = nil

	var last model.Message
	result := s.db.WithContext(ctx).
		Where("conversation_id = ?", conv.ID).
		Order("created_at DESC, id DESC").
		Limit(1).
		Find(&last)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load last message: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		view.LastMessage = &last
	}

	err := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND read_at IS NULL", conv.ID, userID).
		Count(&view.UnreadCount).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return &view, nil
}

func (s *Store) ListMessages(ctx context.Context, userID, conversationID uint64, query registrystore.MessageQuery) ([]model.Message, error) {
	if _, err := s.requireParticipant(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	tx := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC")
	if query.AfterID > 0 {
		tx = tx.Where("id > ?", query.AfterID)
	}
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}

	var messages []model.Message
	if err := tx.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

func (s *Store) SendMessage(ctx context.Context, userID, conversationID uint64, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &ValidationError{Field: "content", Message: "message content must not be empty"}
	}
	if _, err := s.requireParticipant(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	msg := model.Message{
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		return tx.Model(&model.Conversation{}).
			Where("id = ?", conversationID).
			Update("updated_at", msg.CreatedAt).Error
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, userID, conversationID uint64) (int64, error) {
	if _, err := s.requireParticipant(ctx, userID, conversationID); err != nil {
		return 0, err
	}

	result := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND read_at IS NULL", conversationID, userID).
		Update("read_at", time.Now())
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- Helpers ---

// requireParticipant loads the conversation and verifies the user belongs to it.
func (s *Store) requireParticipant(ctx context.Context, userID, conversationID uint64) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).
		Preload("User1").
		Preload("User2").
		First(&conv, conversationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "conversation", ID: fmt.Sprint(conversationID)}
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, &ForbiddenError{Message: "you are not a participant in this conversation"}
	}
	return &conv, nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}
