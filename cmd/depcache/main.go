// Command depcache runs maintenance tasks against a depcache keyspace.
//
//	depcache -config depcache.yaml collect
//	depcache -config depcache.yaml watch [-sweep 1h] [-configure-notifications]
//	depcache -config depcache.yaml invalidate <dependency>...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/depcache"
	"github.com/unkn0wn-root/depcache/codec"
	"github.com/unkn0wn-root/depcache/internal/config"
	dlog "github.com/unkn0wn-root/depcache/log"
	zaplog "github.com/unkn0wn-root/depcache/log/zap"
	"github.com/unkn0wn-root/depcache/store/redisstore"
)

const usage = `usage: depcache [-config file] <command> [args]

commands:
  collect                      sweep the keyspace once and repair inconsistencies
  watch [-sweep d] [-configure-notifications]
                               reconcile expired and evicted items until interrupted
  invalidate <dependency>...   invalidate dependencies and their dependent items
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "depcache: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("depcache", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	cfgPath := fs.String("config", "", "path to the YAML configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	zl, err := newZap(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	lg := zaplog.New(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        []string{cfg.Redis.Addr},
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
	}
	st, err := redisstore.New(redisstore.Config{Client: rdb, CloseClient: true})
	if err != nil {
		_ = rdb.Close()
		return err
	}
	defer st.Close()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "collect":
		return collect(ctx, cfg, st, lg)
	case "watch":
		return watch(ctx, cfg, st, rdb, lg, rest)
	case "invalidate":
		return invalidate(ctx, cfg, st, lg, rest)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newZap(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func collectorOptions(cfg config.Config, st *redisstore.Redis, lg dlog.Logger) depcache.CollectorOptions {
	return depcache.CollectorOptions{
		Store:                 st,
		Prefix:                cfg.Cache.Prefix,
		Database:              cfg.Redis.DB,
		ConnectionTimeout:     cfg.Cache.ConnectTimeout,
		TransactionMaxRetries: cfg.Cache.TransactionMaxRetries,
		Logger:                lg,
	}
}

func collect(ctx context.Context, cfg config.Config, st *redisstore.Redis, lg dlog.Logger) error {
	opts := collectorOptions(cfg, st, lg)
	opts.DisableNotifications = true
	c, err := depcache.NewCollector(ctx, opts)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	started := time.Now()
	stats, err := c.Collect(ctx)
	fmt.Printf("scanned=%d values=%d records=%d dependencies=%d foreign=%d\n",
		stats.Scanned, stats.ValueKeys, stats.DependenciesKeys, stats.DependencyKeys, stats.Foreign)
	fmt.Printf("repaired: version_mismatch=%d missing_dependencies=%d orphan_dependencies=%d stale_membership=%d (%s)\n",
		stats.VersionMismatches, stats.MissingDependencies, stats.OrphanDependencies, stats.StaleMemberships,
		time.Since(started).Round(time.Millisecond))
	return err
}

func watch(ctx context.Context, cfg config.Config, st *redisstore.Redis, rdb goredis.UniversalClient, lg dlog.Logger, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	sweep := fs.Duration("sweep", 0, "also run a full collection at this interval (0 = never)")
	configure := fs.Bool("configure-notifications", false, `set notify-keyspace-events to "Kgxe" before watching`)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *configure {
		if err := rdb.ConfigSet(ctx, "notify-keyspace-events", "Kgxe").Err(); err != nil {
			return fmt.Errorf("configure keyspace notifications: %w", err)
		}
	}

	c, err := depcache.NewCollector(ctx, collectorOptions(cfg, st, lg))
	if err != nil {
		return err
	}
	lg.Info("watching keyspace notifications", dlog.Fields{"prefix": cfg.Cache.Prefix, "db": cfg.Redis.DB})

	var tick <-chan time.Time
	if *sweep > 0 {
		t := time.NewTicker(*sweep)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return c.Close(shutdown)
		case <-tick:
			if _, err := c.Collect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("periodic collection failed", dlog.Fields{"error": err})
			}
		}
	}
}

func invalidate(ctx context.Context, cfg config.Config, st *redisstore.Redis, lg dlog.Logger, deps []string) error {
	if len(deps) == 0 {
		return errors.New("invalidate: no dependencies given")
	}
	b, err := depcache.New[[]byte](ctx, depcache.Options[[]byte]{
		Store:                 st,
		Prefix:                cfg.Cache.Prefix,
		Database:              cfg.Redis.DB,
		Codec:                 codec.Bytes{},
		SupportsDependencies:  true,
		TransactionMaxRetries: cfg.Cache.TransactionMaxRetries,
		ConnectionTimeout:     cfg.Cache.ConnectTimeout,
		Logger:                lg,
	})
	if err != nil {
		return err
	}
	defer b.Close(context.Background())

	var errs []error
	for _, d := range deps {
		if err := b.InvalidateDependency(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d, err))
			continue
		}
		fmt.Printf("invalidated %s\n", d)
	}
	return errors.Join(errs...)
}
