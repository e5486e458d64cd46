package models

import (
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chatId"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NewMessage builds an unpersisted message. The ID is assigned by the
// store when the message is added.
func NewMessage(chatID, role, content string) *Message {
	return &Message{
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}
