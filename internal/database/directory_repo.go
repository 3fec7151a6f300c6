package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/observer/owlycall/internal/relay"
)

// DirectoryRepository answers membership and profile lookups for the relay.
type DirectoryRepository struct {
	db *DB
}

// NewDirectoryRepository creates a new DirectoryRepository
func NewDirectoryRepository(db *DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

var _ relay.Directory = (*DirectoryRepository)(nil)

// Members returns the user ids of a conversation.
func (r *DirectoryRepository) Members(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT user_id FROM conversation_members
		WHERE conversation_id = $1
		ORDER BY joined_at
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan members: %w", err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, relay.ErrUnknownConversation)
	}
	return members, nil
}

// Profile returns what callees are shown about userID. Unknown users are
// shown by id.
func (r *DirectoryRepository) Profile(ctx context.Context, userID string) (relay.Profile, error) {
	p := relay.Profile{ID: userID}
	var avatar *string
	err := r.db.Pool.QueryRow(ctx, `SELECT username, avatar_url FROM users WHERE id = $1`, userID).Scan(&p.Username, &avatar)
	if errors.Is(err, pgx.ErrNoRows) {
		p.Username = userID
		return p, nil
	}
	if err != nil {
		return relay.Profile{}, fmt.Errorf("query profile: %w", err)
	}
	if avatar != nil {
		p.Avatar = *avatar
	}
	return p, nil
}

// AddMember adds a user to a conversation, creating both if needed.
func (r *DirectoryRepository) AddMember(ctx context.Context, conversationID string, user relay.Profile) error {
	var avatar *string
	if user.Avatar != "" {
		avatar = &user.Avatar
	}
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO users (id, username, avatar_url) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, avatar_url = EXCLUDED.avatar_url
		`, user.ID, user.Username, avatar); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO conversations (id) VALUES ($1) ON CONFLICT DO NOTHING`, conversationID); err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, conversationID, user.ID); err != nil {
			return fmt.Errorf("add member: %w", err)
		}
		return nil
	})
}

// Seed loads a static directory into the database.
func (r *DirectoryRepository) Seed(ctx context.Context, dir *relay.StaticDirectory) error {
	for conv, members := range dir.Conversations {
		for _, id := range members {
			p, _ := dir.Profile(ctx, id)
			if err := r.AddMember(ctx, conv, p); err != nil {
				return err
			}
		}
	}
	return nil
}
