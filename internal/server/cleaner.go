package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/store"
)

// Cleaner prunes sessions past the retention window on a cron schedule.
// The redis lock keeps replicated instances from pruning concurrently.
type Cleaner struct {
	Cfg    config.RetentionConfig
	Store  *store.Store
	Rdb    *redis.Client
	Stop   chan struct{}
	Logger *log.Logger

	maxAge time.Duration
}

func NewCleaner(cfg config.RetentionConfig, st *store.Store, rdb *redis.Client) *Cleaner {
	cfg = cfg.Normalize()
	maxAge, err := time.ParseDuration(cfg.MaxAge)
	if err != nil || maxAge <= 0 {
		maxAge = 720 * time.Hour
	}
	return &Cleaner{
		Cfg:    cfg,
		Store:  st,
		Rdb:    rdb,
		Stop:   make(chan struct{}),
		Logger: log.New(log.Writer(), "[CLEANER] ", log.LstdFlags),
		maxAge: maxAge,
	}
}

func (c *Cleaner) Start() {
	if !c.Cfg.Enabled {
		return
	}
	expr, err := cronexpr.Parse(c.Cfg.CronSpec)
	if err != nil {
		c.Logger.Printf("invalid retention cron %q, falling back to daily: %v", c.Cfg.CronSpec, err)
		expr = cronexpr.MustParse("0 3 * * *")
	}
	go func() {
		for {
			next := expr.Next(time.Now())
			select {
			case <-c.Stop:
				return
			case <-time.After(time.Until(next)):
				c.tick()
			}
		}
	}()
}

func (c *Cleaner) tick() {
	ctx := context.Background()

	if c.Rdb != nil {
		ok, err := c.Rdb.SetNX(ctx, "retention:lock", "1", 10*time.Minute).Result()
		if err != nil || !ok {
			return
		}
		defer c.Rdb.Del(ctx, "retention:lock")
	}

	cutoff := time.Now().Add(-c.maxAge)
	deleted, err := c.Store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		c.Logger.Printf("prune failed: %v", err)
		return
	}
	if deleted > 0 {
		c.Logger.Printf("pruned %d session(s) older than %s", deleted, c.maxAge)
	}
}
