// ABOUTME: Read-only local copy of conversation history used when the gateway is unreachable
// ABOUTME: Stored as one JSON file; only list and read consult it, never mutating calls

package chatclient

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// Snapshot is a static copy of a user's history.
type Snapshot struct {
	Conversations []Conversation       `json:"conversations"`
	Messages      map[string][]Message `json:"messages"`
}

// LoadSnapshot reads a snapshot file.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing snapshot %s: %w", path, err)
	}
	return &s, nil
}

// Save writes the snapshot atomically.
func (s *Snapshot) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// List returns one page of the snapshot's conversations.
func (s *Snapshot) List(offset, limit int) []Conversation {
	if offset < 0 || offset >= len(s.Conversations) || limit <= 0 {
		return []Conversation{}
	}
	end := min(offset+limit, len(s.Conversations))
	return slices.Clone(s.Conversations[offset:end])
}

// Read returns the messages of a conversation, if the snapshot has them.
func (s *Snapshot) Read(conversationID string) ([]Message, bool) {
	msgs, ok := s.Messages[conversationID]
	if !ok {
		return nil, false
	}
	return slices.Clone(msgs), true
}

// Put records a conversation and its messages, replacing an older copy.
func (s *Snapshot) Put(c Conversation, msgs []Message) {
	if s.Messages == nil {
		s.Messages = make(map[string][]Message)
	}
	i := slices.IndexFunc(s.Conversations, func(have Conversation) bool { return have.ID == c.ID })
	if i >= 0 {
		s.Conversations[i] = c
	} else {
		s.Conversations = append(s.Conversations, c)
	}
	s.Messages[c.ID] = slices.Clone(msgs)
}
