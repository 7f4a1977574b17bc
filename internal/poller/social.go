package poller

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/dvmesh/backend/internal/nostr"
	"github.com/dvmesh/backend/internal/store"
)

// followedUsers imports notes from every local user's follow set and
// refreshes cached display names from profile events.
func (s *Set) followedUsers(ctx context.Context, since int64) (int64, error) {
	follows, err := s.store.ListFollowedPubkeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(follows) == 0 {
		return 0, nil
	}
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Kinds:   []int{nostr.KindNote, nostr.KindMetadata},
		Authors: follows,
		Since:   sincePtr(since),
	}}, s.logger)

	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
		switch ev.Kind {
		case nostr.KindMetadata:
			var profile struct {
				Name        string `json:"name"`
				DisplayName string `json:"display_name"`
			}
			if json.Unmarshal([]byte(ev.Content), &profile) != nil {
				continue
			}
			name := profile.DisplayName
			if name == "" {
				name = profile.Name
			}
			if name == "" {
				continue
			}
			if err := s.store.UpdateFollowDisplayName(ctx, ev.PubKey, name); err != nil {
				return maxCreatedAt, err
			}
		case nostr.KindNote:
			ownerID, err := s.store.FollowerUserID(ctx, ev.PubKey)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return maxCreatedAt, err
			}
			if err := s.insertTopic(ctx, ownerID, ev, ""); err != nil {
				return maxCreatedAt, err
			}
		}
	}
	return maxCreatedAt, nil
}

// ownPosts imports notes local agents published through other clients.
func (s *Set) ownPosts(ctx context.Context, since int64) (int64, error) {
	pubkeys, err := s.store.ListAgentPubkeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(pubkeys) == 0 {
		return 0, nil
	}
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Kinds:   []int{nostr.KindNote},
		Authors: pubkeys,
		Since:   sincePtr(since),
	}}, s.logger)

	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
		agent, err := s.store.GetAgentByPubkey(ctx, ev.PubKey)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return maxCreatedAt, err
		}
		if err := s.insertTopic(ctx, agent.ID, ev, ""); err != nil {
			return maxCreatedAt, err
		}
	}
	return maxCreatedAt, nil
}

// community imports notes and threaded replies addressed to the groups local
// topics already belong to.
func (s *Set) community(ctx context.Context, since int64) (int64, error) {
	groups, err := s.store.ListGroupIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(groups) == 0 {
		return 0, nil
	}
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Kinds: []int{nostr.KindNote, nostr.KindGroupReply},
		Since: sincePtr(since),
		Tags:  map[string][]string{"a": groups},
	}}, s.logger)

	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
		groupID := ev.Tags.First("a")
		if groupID == "" {
			continue
		}
		ownerID, err := s.store.FollowerUserID(ctx, ev.PubKey)
		if errors.Is(err, store.ErrNotFound) {
			ownerID = ""
		} else if err != nil {
			return maxCreatedAt, err
		}
		if err := s.insertTopic(ctx, ownerID, ev, groupID); err != nil {
			return maxCreatedAt, err
		}
	}
	return maxCreatedAt, nil
}

// contactSync replaces each local user's follow set from their latest
// contact-list event.
func (s *Set) contactSync(ctx context.Context, since int64) (int64, error) {
	pubkeys, err := s.store.ListAgentPubkeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(pubkeys) == 0 {
		return 0, nil
	}
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Kinds:   []int{nostr.KindContacts},
		Authors: pubkeys,
		Since:   sincePtr(since),
	}}, s.logger)

	// Contact lists are replaceable; only the newest per author matters.
	latest := make(map[string]*nostr.Event)
	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
		if cur, ok := latest[ev.PubKey]; !ok || ev.CreatedAt > cur.CreatedAt {
			latest[ev.PubKey] = ev
		}
	}
	for pubkey, ev := range latest {
		agent, err := s.store.GetAgentByPubkey(ctx, pubkey)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return maxCreatedAt, err
		}
		var follows []store.Follow
		for _, pk := range ev.Tags.Values("p") {
			follows = append(follows, store.Follow{UserID: agent.ID, Pubkey: pk})
		}
		if err := s.store.ReplaceFollows(ctx, agent.ID, follows); err != nil {
			return maxCreatedAt, err
		}
	}
	return maxCreatedAt, nil
}

// reactions records likes on local topics and notifies their owners.
func (s *Set) reactions(ctx context.Context, since int64) (int64, error) {
	topicIDs, err := s.store.ListTopicEventIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(topicIDs) == 0 {
		return 0, nil
	}
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Kinds: []int{nostr.KindReaction},
		Since: sincePtr(since),
		Tags:  map[string][]string{"e": topicIDs},
	}}, s.logger)

	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
		topic, err := s.store.GetTopicByEventID(ctx, ev.Tags.First("e"))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return maxCreatedAt, err
		}
		if err := s.store.InsertLikeOnce(ctx, ev.ID, topic.ID, ev.PubKey); err != nil {
			return maxCreatedAt, err
		}
		if err := s.notifyOwner(ctx, topic, "topic_like", ev.PubKey+" reacted to your post"); err != nil {
			return maxCreatedAt, err
		}
	}
	return maxCreatedAt, nil
}

// replies records threaded replies on local topics and notifies their
// owners.
func (s *Set) replies(ctx context.Context, since int64) (int64, error) {
	topicIDs, err := s.store.ListTopicEventIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(topicIDs) == 0 {
		return 0, nil
	}
	events := gather(ctx, s.fetch, s.relays, []nostr.Filter{{
		Kinds: []int{nostr.KindNote},
		Since: sincePtr(since),
		Tags:  map[string][]string{"e": topicIDs},
	}}, s.logger)

	var maxCreatedAt int64
	for i := range events {
		ev := &events[i]
		maxCreatedAt = max64(maxCreatedAt, ev.CreatedAt)
		topic, err := s.store.GetTopicByEventID(ctx, ev.Tags.First("e"))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return maxCreatedAt, err
		}
		if err := s.store.InsertCommentOnce(ctx, &store.Comment{
			ID:           uuid.NewString(),
			TopicID:      topic.ID,
			EventID:      ev.ID,
			AuthorPubkey: ev.PubKey,
			Content:      ev.Content,
		}); err != nil {
			return maxCreatedAt, err
		}
		if err := s.notifyOwner(ctx, topic, "topic_reply", ev.PubKey+" replied to your post"); err != nil {
			return maxCreatedAt, err
		}
	}
	return maxCreatedAt, nil
}

func (s *Set) insertTopic(ctx context.Context, ownerID string, ev *nostr.Event, groupID string) error {
	return s.store.InsertTopicOnce(ctx, &store.Topic{
		ID:           uuid.NewString(),
		UserID:       ownerID,
		EventID:      ev.ID,
		AuthorPubkey: ev.PubKey,
		Content:      ev.Content,
		GroupID:      groupID,
	})
}

func (s *Set) notifyOwner(ctx context.Context, topic *store.Topic, kind, message string) error {
	if topic.UserID == "" {
		return nil
	}
	return s.store.InsertNotification(ctx, &store.Notification{
		ID:      uuid.NewString(),
		UserID:  topic.UserID,
		Type:    kind,
		RefID:   topic.ID,
		Message: message,
	})
}
