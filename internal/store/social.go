package store

import (
	"context"
	"database/sql"
)

// ReplaceFollows swaps a user's follow set for the one carried by their
// latest contact-list event.
func (s *Store) ReplaceFollows(ctx context.Context, userID string, follows []Follow) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM follows WHERE user_id = $1`, userID); err != nil {
		return err
	}
	for _, f := range follows {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO follows (user_id, pubkey, display_name)
			VALUES ($1,$2,$3)
			ON CONFLICT (user_id, pubkey) DO NOTHING`,
			userID, f.Pubkey, f.DisplayName); err != nil {
			return err
		}
	}
	return nil
}

// ListFollowedPubkeys returns the union of every local user's follow set.
func (s *Store) ListFollowedPubkeys(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT DISTINCT pubkey FROM follows`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// FollowerUserID returns one local user following a pubkey, if any.
// Imported notes hang off that user's view.
func (s *Store) FollowerUserID(ctx context.Context, pubkey string) (string, error) {
	var userID string
	err := s.q.QueryRowContext(ctx,
		`SELECT user_id FROM follows WHERE pubkey = $1 LIMIT 1`, pubkey).
		Scan(&userID)
	if err != nil {
		return "", mapNoRows(err)
	}
	return userID, nil
}

// ListGroupIDs returns the distinct community ids present in local topics;
// the community poller builds #a filters from this set.
func (s *Store) ListGroupIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT DISTINCT group_id FROM topics WHERE group_id <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpdateFollowDisplayName refreshes a followee's cached display name.
func (s *Store) UpdateFollowDisplayName(ctx context.Context, pubkey, displayName string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE follows SET display_name = $2 WHERE pubkey = $1`, pubkey, displayName)
	return err
}

// InsertTopicOnce imports a note, idempotent on its event id.
func (s *Store) InsertTopicOnce(ctx context.Context, t *Topic) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO topics (id, user_id, event_id, author_pubkey, content,
			group_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (event_id) DO NOTHING`,
		t.ID, t.UserID, t.EventID, t.AuthorPubkey, t.Content, t.GroupID)
	return err
}

// GetTopicByEventID resolves a topic from the event that created it.
func (s *Store) GetTopicByEventID(ctx context.Context, eventID string) (*Topic, error) {
	var t Topic
	err := s.q.QueryRowContext(ctx, `
		SELECT id, user_id, event_id, author_pubkey, content, group_id, created_at
		FROM topics WHERE event_id = $1`, eventID).
		Scan(&t.ID, &t.UserID, &t.EventID, &t.AuthorPubkey, &t.Content,
			&t.GroupID, &t.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &t, nil
}

// ListTopicEventIDs returns the event ids of all local topics; reaction and
// reply pollers build #e filters from this set.
func (s *Store) ListTopicEventIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT event_id FROM topics WHERE event_id <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InsertCommentOnce imports a reply, idempotent on its event id.
func (s *Store) InsertCommentOnce(ctx context.Context, c *Comment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO comments (id, topic_id, event_id, author_pubkey, content, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (event_id) DO NOTHING`,
		c.ID, c.TopicID, c.EventID, c.AuthorPubkey, c.Content)
	return err
}

// InsertLikeOnce records a reaction, idempotent on its event id.
func (s *Store) InsertLikeOnce(ctx context.Context, eventID, topicID, reactorPubkey string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO likes (event_id, topic_id, reactor_pubkey, created_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, topicID, reactorPubkey)
	return err
}

// InsertNotification raises an owner-visible alert.
func (s *Store) InsertNotification(ctx context.Context, n *Notification) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, ref_id, message, read, created_at)
		VALUES ($1,$2,$3,$4,$5,false,now())`,
		n.ID, n.UserID, n.Type, n.RefID, n.Message)
	return err
}

// RecentBoardInput reports whether the board already accepted the same
// (author, input) within the dedup window. The original requester's pubkey
// rides in the job params under "requester".
func (s *Store) RecentBoardInput(ctx context.Context, boardUserID, authorPubkey, input string, windowSeconds int) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM jobs
			WHERE user_id = $1 AND role = 'customer'
			  AND params->>'requester' = $2 AND input = $3
			  AND created_at > now() - make_interval(secs => $4))`,
		boardUserID, authorPubkey, input, windowSeconds).Scan(&exists)
	return exists, err
}

func mapNoRows(err error) error {
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}
