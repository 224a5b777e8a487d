package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/paiban/nursesched/pkg/job"
	"github.com/paiban/nursesched/pkg/logger"
)

// RedisBus 基于 Redis 发布订阅的跨实例总线，每个任务一个频道
type RedisBus struct {
	rdb    *goredis.Client
	prefix string
}

// NewRedisBus 连接 Redis 并确认可用
func NewRedisBus(ctx context.Context, addr, password string, db int, prefix string) (*RedisBus, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	if prefix == "" {
		prefix = "nursesched:job:"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{rdb: rdb, prefix: prefix}, nil
}

// Channel 任务对应的频道名
func (b *RedisBus) Channel(e job.Event) string {
	return b.prefix + e.JobID.String()
}

// Publish 实现 Bus
func (b *RedisBus) Publish(ctx context.Context, e job.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.Channel(e), raw).Err()
}

// Start 订阅所有任务频道并转发给 onEvent，ctx 结束后停止
func (b *RedisBus) Start(ctx context.Context, onEvent func(job.Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	sub := b.rdb.PSubscribe(ctx, b.prefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var e job.Event
				if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
					logger.Warn().Err(err).Str("channel", m.Channel).Msg("无法解析事件总线消息")
					continue
				}
				onEvent(e)
			}
		}
	}()
	return nil
}

// Close 关闭连接
func (b *RedisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
