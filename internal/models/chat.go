package models

import (
	"time"
)

type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewChat builds an unpersisted chat. The ID is assigned by the store
// when the chat is added.
func NewChat(name, model string) *Chat {
	return &Chat{
		Name:      name,
		Model:     model,
		CreatedAt: time.Now(),
	}
}
