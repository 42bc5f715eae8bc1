// Package model holds the persistent records of the chat platform and the
// pure transition rules of the session state machine.
package model

import "time"

// Role is a user's platform role
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleCreator Role = "creator"
	RoleUser    Role = "user"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleCreator, RoleUser:
		return true
	}
	return false
}

// Visibility controls chatbot discoverability
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
	VisibilityLinkOnly Visibility = "link_only"
)

// Valid reports whether v is a known visibility
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityPrivate, VisibilityLinkOnly:
		return true
	}
	return false
}

// SessionType is the conversation mode of a session
type SessionType string

const (
	TypeAIConversation SessionType = "ai_conversation"
	TypeHumanSupport   SessionType = "human_support"
)

// SessionStatus is the lifecycle status of a session
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusResolved SessionStatus = "resolved"
	StatusArchived SessionStatus = "archived"
)

// SenderType identifies who produced a message
type SenderType string

const (
	SenderUser    SenderType = "user"
	SenderCreator SenderType = "creator"
	SenderAI      SenderType = "ai"
	SenderSystem  SenderType = "system"
)

// Valid reports whether s is a known sender type
func (s SenderType) Valid() bool {
	switch s {
	case SenderUser, SenderCreator, SenderAI, SenderSystem:
		return true
	}
	return false
}

// Anonymous reports whether messages of this sender type carry no sender id
func (s SenderType) Anonymous() bool {
	return s == SenderAI || s == SenderSystem
}

// User is owned by the directory; the chat core references it by id and role.
type User struct {
	ID           string    `json:"id" bson:"_id"`
	Username     string    `json:"username" bson:"username"`
	Email        string    `json:"email" bson:"email"`
	PasswordHash string    `json:"-" bson:"passwordHash"`
	Role         Role      `json:"role" bson:"role"`
	CreatedAt    time.Time `json:"created_at" bson:"createdAt"`
}

// Chatbot owns a knowledge tree and the sessions held against it
type Chatbot struct {
	ID          string     `json:"id" bson:"_id"`
	CreatorID   string     `json:"creator_id" bson:"creatorId"`
	Title       string     `json:"title" bson:"title"`
	Description string     `json:"description" bson:"description"`
	Visibility  Visibility `json:"visibility" bson:"visibility"`
	IsActive    bool       `json:"is_active" bson:"isActive"`
	CreatedAt   time.Time  `json:"created_at" bson:"createdAt"`
}

// Node is one entry of a chatbot's knowledge tree. ParentID is nil for the root.
type Node struct {
	ID        string  `json:"id" bson:"_id"`
	ChatbotID string  `json:"chatbot_id" bson:"chatbotId"`
	Label     string  `json:"label" bson:"label"`
	Content   string  `json:"content" bson:"content"`
	ParentID  *string `json:"parent_id" bson:"parentId"`
}

// Session is a conversation between a user (or guest) and a chatbot.
// UserID is nil for guest sessions.
type Session struct {
	ID        string        `json:"id" bson:"_id"`
	ChatbotID string        `json:"chatbot_id" bson:"chatbotId"`
	UserID    *string       `json:"user_id" bson:"userId"`
	Type      SessionType   `json:"type" bson:"type"`
	Status    SessionStatus `json:"status" bson:"status"`
	CreatedAt time.Time     `json:"created_at" bson:"createdAt"`
	UpdatedAt time.Time     `json:"updated_at" bson:"updatedAt"`
}

// OwnedBy reports whether actorID is the session's originating user
func (s *Session) OwnedBy(actorID string) bool {
	return actorID != "" && s.UserID != nil && *s.UserID == actorID
}

// Message is an append-only chat entry. Seq is strictly increasing per session.
type Message struct {
	ID         string     `json:"id" bson:"_id"`
	SessionID  string     `json:"session_id" bson:"sessionId"`
	Seq        int64      `json:"seq" bson:"seq"`
	SenderID   *string    `json:"sender_id" bson:"senderId"`
	SenderType SenderType `json:"sender_type" bson:"senderType"`
	Content    string     `json:"content" bson:"content"`
	CreatedAt  time.Time  `json:"created_at" bson:"createdAt"`
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or ""
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
