package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"ollama-chat/internal/models"
)

// ErrNotFound is returned when a chat or message id does not resolve to a
// persisted record.
var ErrNotFound = errors.New("record not found")

// Store persists chats and messages in an embedded Badger database.
// Chats live under "chat:<id>", messages under "msg:<chatID>:<msgID>" so a
// chat's messages are a single prefix scan.
type Store struct {
	db *badger.DB
}

func Open(dbPath string) (*Store, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func chatKey(chatID string) []byte {
	return []byte("chat:" + chatID)
}

func messageKey(chatID, messageID string) []byte {
	return []byte("msg:" + chatID + ":" + messageID)
}

func messagePrefix(chatID string) []byte {
	return []byte("msg:" + chatID + ":")
}

// AddChat assigns a fresh id to the chat and persists it. The assigned id
// is returned and also written back onto the record.
func (s *Store) AddChat(ctx context.Context, chat *models.Chat) (string, error) {
	chat.ID = uuid.NewString()

	data, err := json.Marshal(chat)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chatKey(chat.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to store chat: %w", err)
	}

	return chat.ID, nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var chat models.Chat

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chatKey(chatID))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &chat)
		})
	})

	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to retrieve chat: %w", err)
	}

	return &chat, nil
}

// UpdateChat overwrites the persisted record for an existing chat.
func (s *Store) UpdateChat(ctx context.Context, chat *models.Chat) error {
	data, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to marshal chat: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(chatKey(chat.ID)); err != nil {
			return err
		}
		return txn.Set(chatKey(chat.ID), data)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update chat: %w", err)
	}

	return nil
}

// DeleteChat removes the chat record and every message stored under it.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(chatKey(chatID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to delete chat: %w", err)
		}

		prefix := messagePrefix(chatID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("failed to delete message: %w", err)
			}
		}

		return nil
	})
}

// ListChats returns every chat, most recently created first.
func (s *Store) ListChats(ctx context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	prefix := []byte("chat:")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var chat models.Chat
				if err := json.Unmarshal(val, &chat); err != nil {
					return err
				}
				chats = append(chats, chat)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	sort.Slice(chats, func(i, j int) bool {
		return chats[i].CreatedAt.After(chats[j].CreatedAt)
	})

	return chats, nil
}

// AddMessage assigns a fresh id to the message and persists it. The owning
// chat must exist.
func (s *Store) AddMessage(ctx context.Context, msg *models.Message) (string, error) {
	msg.ID = uuid.NewString()

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(chatKey(msg.ChatID)); err != nil {
			return err
		}
		return txn.Set(messageKey(msg.ChatID, msg.ID), data)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to store message: %w", err)
	}

	return msg.ID, nil
}

// UpdateMessageContent replaces the content of a persisted message. Called
// once per received chunk while a response streams in.
func (s *Store) UpdateMessageContent(ctx context.Context, chatID, messageID, content string) error {
	key := messageKey(chatID, messageID)

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}

		var msg models.Message
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return err
		}

		msg.Content = content
		data, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update message: %w", err)
	}

	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(messageKey(chatID, messageID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// MessagesByChat returns a chat's messages sorted by creation time
// ascending. Sorting on read keeps display order consistent even when
// records arrive with out-of-band timestamps, as imported ones can.
func (s *Store) MessagesByChat(ctx context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	prefix := messagePrefix(chatID)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var msg models.Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return err
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to retrieve messages: %w", err)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	return messages, nil
}

// Clear drops every chat and message record.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("failed to clear database: %w", err)
	}
	return nil
}
