package model

import (
	"time"
)

// RequestStatus represents the state of a conversation request.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusAccepted RequestStatus = "accepted"
	RequestStatusDenied   RequestStatus = "denied"
)

// IsTerminal returns true once a request can no longer change state.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusAccepted || s == RequestStatusDenied
}

// User is a registered community member. Email is stored lowercase and is
// unique case-insensitively.
type User struct {
	ID           uint64    `json:"id"          gorm:"primaryKey;autoIncrement"`
	Email        string    `json:"email"       gorm:"uniqueIndex;not null;size:254"`
	DisplayName  string    `json:"displayName" gorm:"not null;size:100"`
	Bio          string    `json:"bio"         gorm:"not null;default:'';size:500"`
	PasswordHash string    `json:"-"           gorm:"not null"`
	CreatedAt    time.Time `json:"dateJoined"  gorm:"not null"`
}

func (User) TableName() string { return "users" }

// ConversationRequest is a directed proposal to open a conversation.
// At most one row exists per directed (requester, recipient) pair; the
// reverse direction is rejected by application checks before insert.
type ConversationRequest struct {
	ID          uint64        `json:"id"        gorm:"primaryKey;autoIncrement"`
	RequesterID uint64        `json:"-"         gorm:"not null;uniqueIndex:idx_request_pair,priority:1"`
	RecipientID uint64        `json:"-"         gorm:"not null;uniqueIndex:idx_request_pair,priority:2"`
	Status      RequestStatus `json:"status"    gorm:"not null;default:'pending';size:10"`
	Message     string        `json:"message"   gorm:"not null;default:''"`
	CreatedAt   time.Time     `json:"createdAt" gorm:"not null"`

	Requester *User `json:"-" gorm:"foreignKey:RequesterID;constraint:OnDelete:CASCADE"`
	Recipient *User `json:"-" gorm:"foreignKey:RecipientID;constraint:OnDelete:CASCADE"`
}

func (ConversationRequest) TableName() string { return "conversation_requests" }

// Conversation is an established two-party channel. Participants are stored
// in canonical order (User1ID < User2ID) so the pair uniqueness constraint
// holds regardless of who initiated it.
type Conversation struct {
	ID        uint64    `json:"id"        gorm:"primaryKey;autoIncrement"`
	User1ID   uint64    `json:"-"         gorm:"not null;uniqueIndex:idx_conversation_pair,priority:1"`
	User2ID   uint64    `json:"-"         gorm:"not null;uniqueIndex:idx_conversation_pair,priority:2"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null"`

	User1 *User `json:"-" gorm:"foreignKey:User1ID;constraint:OnDelete:CASCADE"`
	User2 *User `json:"-" gorm:"foreignKey:User2ID;constraint:OnDelete:CASCADE"`
}

func (Conversation) TableName() string { return "conversations" }

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID uint64) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// CounterpartID returns the other participant relative to userID. The caller
// must have verified participation first.
func (c *Conversation) CounterpartID(userID uint64) uint64 {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// CanonicalPair returns two user IDs in canonical (ascending) order.
func CanonicalPair(a, b uint64) (uint64, uint64) {
	if a < b {
		return a, b
	}
	return b, a
}

// Message is a single message inside a conversation. ReadAt is null until the
// counterpart marks the conversation read. Listing order is
// (created_at, id) ascending; the id tiebreak keeps the order total when the
// clock resolution collapses timestamps.
type Message struct {
	ID             uint64     `json:"id"             gorm:"primaryKey;autoIncrement"`
	ConversationID uint64     `json:"conversationId" gorm:"not null;index"`
	SenderID       uint64     `json:"senderId"       gorm:"not null"`
	Content        string     `json:"content"        gorm:"not null"`
	CreatedAt      time.Time  `json:"createdAt"      gorm:"not null;index"`
	ReadAt         *time.Time `json:"readAt,omitempty"`

	Conversation *Conversation `json:"-" gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
	Sender       *User         `json:"-" gorm:"foreignKey:SenderID;constraint:OnDelete:CASCADE"`
}

func (Message) TableName() string { return "messages" }
