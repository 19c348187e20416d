// Package service 用户资料查询（Postgres）与 Redis 缓存。
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"RandChat/logger"
	"RandChat/module/user/model"
	"RandChat/service/pg"
	"RandChat/service/protocol"
	"RandChat/service/storage"
	"RandChat/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AnonymousName 查不到资料时对外展示的名字
const AnonymousName = "Usuário"

const (
	sqlGetUser = `SELECT id::text, username, COALESCE(avatar, '') FROM users WHERE id::text = $1`

	sqlAreFriends = `SELECT EXISTS (
  SELECT 1 FROM friendships
  WHERE status = 'accepted'
    AND ((requester_id::text = $1 AND addressee_id::text = $2)
      OR (requester_id::text = $2 AND addressee_id::text = $1)))`
)

type Directory struct {
	db       pg.Querier
	rdb      redis.UniversalClient
	cacheTTL time.Duration
}

func NewDirectory(db pg.Querier, rdb redis.UniversalClient, cacheTTL time.Duration) *Directory {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &Directory{db: db, rdb: rdb, cacheTTL: cacheTTL}
}

// GetUser 先读缓存，未命中查库并回填
func (d *Directory) GetUser(ctx context.Context, userID string) (*model.User, error) {
	if u := d.cached(ctx, userID); u != nil {
		return u, nil
	}
	if d.db == nil {
		return nil, errs.ErrUserNotFound.WrapMsg("no user store", "userId", userID)
	}
	u := &model.User{}
	err := d.db.QueryRow(ctx, sqlGetUser, userID).Scan(&u.ID, &u.Username, &u.Avatar)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrUserNotFound.WrapMsg("get user", "userId", userID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "get user", "userId", userID)
	}
	if b, err := json.Marshal(u); err == nil {
		if err := d.rdb.Set(ctx, storage.UserCacheKey(userID), b, d.cacheTTL).Err(); err != nil {
			logger.Debug("[User] cache set failed", zap.String("userId", userID), zap.Error(err))
		}
	}
	return u, nil
}

func (d *Directory) cached(ctx context.Context, userID string) *model.User {
	b, err := d.rdb.Get(ctx, storage.UserCacheKey(userID)).Bytes()
	if err != nil {
		return nil
	}
	var u model.User
	if json.Unmarshal(b, &u) != nil || u.ID == "" {
		return nil
	}
	return &u
}

// Invalidate 资料变更后清缓存
func (d *Directory) Invalidate(ctx context.Context, userID string) error {
	return d.rdb.Del(ctx, storage.UserCacheKey(userID)).Err()
}

func (d *Directory) AreFriends(ctx context.Context, a, b string) (bool, error) {
	if d.db == nil || a == b {
		return false, nil
	}
	var ok bool
	if err := d.db.QueryRow(ctx, sqlAreFriends, a, b).Scan(&ok); err != nil {
		return false, errs.WrapMsg(err, "are friends", "a", a, "b", b)
	}
	return ok, nil
}

// PartnerInfo viewer 看到的对方资料；查询失败时用匿名占位，不影响匹配
func (d *Directory) PartnerInfo(ctx context.Context, viewerID, partnerID string) protocol.PartnerInfo {
	info := protocol.PartnerInfo{Username: AnonymousName}
	if u, err := d.GetUser(ctx, partnerID); err == nil {
		info.Username, info.Avatar = u.Username, u.Avatar
	} else if !errors.Is(err, errs.ErrUserNotFound) {
		logger.Warn("[User] partner lookup failed", zap.String("partnerId", partnerID), zap.Error(err))
	}
	if ok, err := d.AreFriends(ctx, viewerID, partnerID); err == nil {
		info.IsFriend = ok
	} else {
		logger.Warn("[User] friendship lookup failed", zap.String("userId", viewerID), zap.Error(err))
	}
	return info
}
