package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recentMessagesCacheTTL     = 30 * time.Second
	recentMessagesCacheTimeout = 300 * time.Millisecond
)

// messageCache keeps a short-lived copy of a thread's message list so rapid
// polling does not hit the database on every request.
type messageCache struct {
	client *redis.Client
}

func newMessageCache(client *redis.Client) *messageCache {
	if client == nil {
		return nil
	}
	return &messageCache{client: client}
}

// cacheContext caps cache operations at a short timeout so a slow Redis
// never stalls a request.
func (m *messageCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), recentMessagesCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= recentMessagesCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, recentMessagesCacheTimeout)
}

func (m *messageCache) key(threadID uint64) string {
	if m == nil || m.client == nil || threadID == 0 {
		return ""
	}
	return fmt.Sprintf("chat:recent:%d", threadID)
}

func (m *messageCache) get(ctx context.Context, threadID uint64) ([]ChatMessage, error) {
	if m == nil || m.client == nil {
		return nil, redis.Nil
	}
	key := m.key(threadID)
	if key == "" {
		return nil, redis.Nil
	}

	ctx, cancel := m.cacheContext(ctx)
	defer cancel()

	data, err := m.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var messages []ChatMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (m *messageCache) store(ctx context.Context, threadID uint64, messages []ChatMessage) {
	if m == nil || m.client == nil {
		return
	}
	key := m.key(threadID)
	if key == "" {
		return
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		log.Printf("chat: marshal message cache payload failed: %v", err)
		return
	}

	ctx, cancel := m.cacheContext(ctx)
	defer cancel()

	if err := m.client.Set(ctx, key, payload, recentMessagesCacheTTL).Err(); err != nil {
		log.Printf("chat: store message cache failed: %v", err)
	}
}

func (m *messageCache) invalidate(ctx context.Context, threadID uint64) {
	if m == nil || m.client == nil {
		return
	}
	key := m.key(threadID)
	if key == "" {
		return
	}

	ctx, cancel := m.cacheContext(ctx)
	defer cancel()

	if err := m.client.Del(ctx, key).Err(); err != nil {
		log.Printf("chat: invalidate message cache failed: %v", err)
	}
}
