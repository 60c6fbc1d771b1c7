// Package views maps store results to API response shapes. Every serialized
// user carries both its numeric ID and the opaque encrypted identifier, so
// legacy clients keep working while newer ones use the opaque form.
package views

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/centrorum/community-service/internal/identity"
	"github.com/centrorum/community-service/internal/model"
	registrystore "github.com/centrorum/community-service/internal/registry/store"
)

// UserRef is a user reference in a request body. Accepts either a JSON string
// (opaque identifier or numeric) or a bare JSON number, which legacy clients
// still send.
type UserRef string

func (r *UserRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = UserRef(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = UserRef(n.String())
	return nil
}

// User is the API representation of a user. Email is only present on the
// owner's own profile views.
type User struct {
	ID          uint64    `json:"id"`
	EncryptedID string    `json:"encrypted_id"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name"`
	Bio         string    `json:"bio"`
	DateJoined  time.Time `json:"date_joined"`
}

// NewUser builds the public view of a user.
func NewUser(codec *identity.Codec, u model.User) User {
	return User{
		ID:          u.ID,
		EncryptedID: codec.Encode(u.ID),
		DisplayName: u.DisplayName,
		Bio:         u.Bio,
		DateJoined:  u.CreatedAt,
	}
}

// NewOwnUser builds the owner's view of their profile, including email.
func NewOwnUser(codec *identity.Codec, u model.User) User {
	view := NewUser(codec, u)
	view.Email = u.Email
	return view
}

// Request is the API representation of a conversation request.
type Request struct {
	ID          uint64    `json:"id"`
	Counterpart User      `json:"counterpart"`
	Direction   string    `json:"direction"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewRequest builds the API view of a conversation request.
func NewRequest(codec *identity.Codec, v registrystore.RequestView) Request {
	return Request{
		ID:          v.Request.ID,
		Counterpart: NewUser(codec, v.Counterpart),
		Direction:   string(v.Direction),
		Status:      string(v.Request.Status),
		Message:     v.Request.Message,
		CreatedAt:   v.Request.CreatedAt,
	}
}

// Message is the API representation of a message.
type Message struct {
	ID             uint64     `json:"id"`
	ConversationID uint64     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at"`
}

// NewMessage builds the API view of a message.
func NewMessage(codec *identity.Codec, m model.Message) Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       codec.Encode(m.SenderID),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		ReadAt:         m.ReadAt,
	}
}

// NewMessages builds API views for a message list, preserving order.
func NewMessages(codec *identity.Codec, msgs []model.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, NewMessage(codec, m))
	}
	return out
}

// Conversation is the API representation of a conversation summary.
type Conversation struct {
	ID          uint64    `json:"id"`
	Counterpart User      `json:"counterpart"`
	LastMessage *Message  `json:"last_message"`
	UnreadCount int64     `json:"unread_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewConversation builds the API view of a conversation summary.
func NewConversation(codec *identity.Codec, v registrystore.ConversationView) Conversation {
	view := Conversation{
		ID:          v.Conversation.ID,
		Counterpart: NewUser(codec, v.Counterpart),
		UnreadCount: v.UnreadCount,
		CreatedAt:   v.Conversation.CreatedAt,
		UpdatedAt:   v.Conversation.UpdatedAt,
	}
	if v.LastMessage != nil {
		msg := NewMessage(codec, *v.LastMessage)
		view.LastMessage = &msg
	}
	return view
}
