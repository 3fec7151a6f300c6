package relay

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is what callees see about a caller.
type Profile struct {
	ID       string `yaml:"id" json:"id"`
	Username string `yaml:"username" json:"username"`
	Avatar   string `yaml:"avatar,omitempty" json:"avatar,omitempty"`
}

// Directory answers who belongs to a conversation and who a user is.
type Directory interface {
	Members(ctx context.Context, conversationID string) ([]string, error)
	Profile(ctx context.Context, userID string) (Profile, error)
}

// StaticDirectory is an in-memory directory, loaded from YAML or built in code.
type StaticDirectory struct {
	Users         []Profile           `yaml:"users"`
	Conversations map[string][]string `yaml:"conversations"`
}

// LoadDirectory reads a directory file:
//
//	users:
//	  - {id: alice, username: Alice}
//	conversations:
//	  conv-1: [alice, bob]
func LoadDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var d StaticDirectory
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse directory %s: %w", path, err)
	}
	return &d, nil
}

func (d *StaticDirectory) Members(ctx context.Context, conversationID string) ([]string, error) {
	members, ok := d.Conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrUnknownConversation)
	}
	return append([]string(nil), members...), nil
}

func (d *StaticDirectory) Profile(ctx context.Context, userID string) (Profile, error) {
	for _, u := range d.Users {
		if u.ID == userID {
			return u, nil
		}
	}
	return Profile{ID: userID, Username: userID}, nil
}
