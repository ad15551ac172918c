package server

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const presenceTTL = 24 * time.Hour

// presence mirrors room membership into Redis sets, so other instances (and
// the CRUD side of the product) can see who is in a call.
type presence struct {
	rdb *redis.Client
	log zerolog.Logger
}

func newPresence(cfg Config, logger zerolog.Logger) *presence {
	return &presence{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}),
		log: logger,
	}
}

func presenceKey(roomID string) string { return "room:" + roomID + ":peers" }

func (p *presence) add(ctx context.Context, roomID, peerID string) {
	key := presenceKey(roomID)
	if err := p.rdb.SAdd(ctx, key, peerID).Err(); err != nil {
		p.log.Warn().Err(err).Str("room", roomID).Msg("presence add")
		return
	}
	_ = p.rdb.Expire(ctx, key, presenceTTL).Err()
}

func (p *presence) remove(ctx context.Context, roomID, peerID string) {
	if err := p.rdb.SRem(ctx, presenceKey(roomID), peerID).Err(); err != nil {
		p.log.Warn().Err(err).Str("room", roomID).Msg("presence remove")
	}
}

func (p *presence) members(ctx context.Context, roomID string) []string {
	members, err := p.rdb.SMembers(ctx, presenceKey(roomID)).Result()
	if err != nil {
		p.log.Warn().Err(err).Str("room", roomID).Msg("presence members")
		return nil
	}
	return members
}
