package store

import (
	"context"
	"fmt"

	"github.com/centrorum/community-service/internal/model"
)

// Direction indicates which side of a conversation request the viewing user is on.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// CreateUserParams is the input for registering a user. Email must already be
// normalized to lowercase and PasswordHash computed by the caller.
type CreateUserParams struct {
	Email        string
	DisplayName  string
	Bio          string
	PasswordHash string
}

// ProfileUpdate defines the mutable profile fields. Nil fields are left unchanged.
type ProfileUpdate struct {
	DisplayName *string
	Bio         *string
}

// RequestView is a conversation request together with the counterpart user
// relative to the viewer.
type RequestView struct {
	Request     model.ConversationRequest `json:"request"`
	Counterpart model.User                `json:"counterpart"`
	Direction   Direction                 `json:"direction"`
}

// ConversationView is a conversation summary for the viewer: the counterpart,
// the most recent message if any, and the viewer's unread count.
type ConversationView struct {
	Conversation model.Conversation `json:"conversation"`
	Counterpart  model.User         `json:"counterpart"`
	LastMessage  *model.Message     `json:"lastMessage,omitempty"`
	UnreadCount  int64              `json:"unreadCount"`
}

// RequestDecision is the outcome of responding to a conversation request.
// Conversation is set only when the request was accepted.
type RequestDecision struct {
	Request      model.ConversationRequest `json:"request"`
	Conversation *model.Conversation       `json:"conversation,omitempty"`
}

// MessageQuery holds parameters for message listing.
type MessageQuery struct {
	// Messages strictly after this ID. Zero means from the beginning.
	AfterID uint64
	// Maximum messages returned. Zero or negative means no limit.
	Limit int
}

// CommunityStore defines the primary data access interface for the community service.
type CommunityStore interface {
	// Users
	CreateUser(ctx context.Context, params CreateUserParams) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id uint64) (*model.User, error)
	UpdateUser(ctx context.Context, id uint64, update ProfileUpdate) (*model.User, error)

	// Conversation requests
	CreateConversationRequest(ctx context.Context, requesterID, recipientID uint64, message string) (*RequestView, error)
	ListConversationRequests(ctx context.Context, userID uint64) ([]RequestView, error)
	RespondToConversationRequest(ctx context.Context, userID, requestID uint64, accept bool) (*RequestDecision, error)

	// Conversations and messages
	ListConversations(ctx context.Context, userID uint64) ([]ConversationView, error)
	GetConversation(ctx context.Context, userID, conversationID uint64) (*ConversationView, error)
	ListMessages(ctx context.Context, userID, conversationID uint64, query MessageQuery) ([]model.Message, error)
	SendMessage(ctx context.Context, userID, conversationID uint64, content string) (*model.Message, error)
	MarkMessagesRead(ctx context.Context, userID, conversationID uint64) (int64, error)

	// Ping verifies datastore connectivity. Used by the readiness probe.
	Ping(ctx context.Context) error
}

// Loader creates a CommunityStore from config.
type Loader func(ctx context.Context) (CommunityStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
