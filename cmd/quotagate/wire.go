package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/ineyio/quotagate"
	"github.com/ineyio/quotagate/meter"
	"github.com/ineyio/quotagate/policy"
	"github.com/ineyio/quotagate/provider/anthropic"
	"github.com/ineyio/quotagate/provider/gemini"
	"github.com/ineyio/quotagate/provider/openaicompat"
	"github.com/ineyio/quotagate/quota"
	quotapg "github.com/ineyio/quotagate/quota/postgres"
	quotaredis "github.com/ineyio/quotagate/quota/redis"
	"github.com/ineyio/quotagate/server"
)

const cleanupInterval = time.Minute

// storeHandle is an opened capacity store plus whatever must be torn down
// with it.
type storeHandle struct {
	quotagate.CapacityStore
	close func()
}

func (h storeHandle) Close() {
	if h.close != nil {
		h.close()
	}
}

func openStore(ctx context.Context, cfg quotagate.StoreConfig, logger log.FieldLogger) (storeHandle, error) {
	switch cfg.Backend {
	case quotagate.StoreRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := quotaredis.New(client, quotaredis.WithKeyPrefix(cfg.Redis.KeyPrefix))
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			// Selection reports 503 until Redis comes back; health shows degraded.
			logger.WithError(err).Warn("redis unreachable at startup")
		}
		return storeHandle{CapacityStore: store, close: func() { _ = client.Close() }}, nil

	case quotagate.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return storeHandle{}, fmt.Errorf("quotagate: postgres pool: %w", err)
		}
		store := quotapg.New(pool, quotapg.WithTablePrefix(cfg.Postgres.TablePrefix))
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return storeHandle{}, err
		}
		cleanupCtx, stop := context.WithCancel(context.Background())
		go runCleanup(cleanupCtx, store, logger)
		return storeHandle{CapacityStore: store, close: func() {
			stop()
			pool.Close()
		}}, nil

	case quotagate.StoreMemory:
		logger.Warn("memory capacity store: counters are local to this process")
		return storeHandle{CapacityStore: quota.NewMemoryStore()}, nil

	default:
		return storeHandle{}, fmt.Errorf("quotagate: unknown store backend %q", cfg.Backend)
	}
}

// runCleanup drops request log rows that fell out of every window.
func runCleanup(ctx context.Context, store *quotapg.Store, logger log.FieldLogger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Cleanup(ctx)
			if err != nil {
				logger.WithError(err).Warn("request log cleanup failed")
				continue
			}
			if n > 0 {
				logger.WithField("rows", n).Debug("request log cleaned")
			}
		}
	}
}

type app struct {
	routes  []server.Route
	metrics http.Handler
}

// build assembles one router per configured route. Profiles are parsed once
// per provider so routes sharing a provider share its counters and health.
func build(cfg quotagate.Config, store quotagate.CapacityStore, logger log.FieldLogger) (*app, error) {
	pol, err := policy.ByName(cfg.Policy)
	if err != nil {
		return nil, err
	}

	a := &app{}
	meters := meter.Multi{meter.NewLogMeter(logger)}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		pm, err := meter.NewPromMeter(reg)
		if err != nil {
			return nil, err
		}
		meters = append(meters, pm)
		a.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	profiles := loadProfiles(cfg.Providers, logger)
	health := quotagate.NewHealthTracker()
	httpClient := &http.Client{}

	for _, rc := range cfg.Routes {
		var (
			sets     []quotagate.ProviderProfiles
			adapters []quotagate.Provider
		)
		for _, name := range rc.Providers {
			pc, ok := cfg.Provider(name)
			if !ok {
				return nil, fmt.Errorf("quotagate: route %s: unknown provider %q", rc.Path, name)
			}
			sets = append(sets, quotagate.ProviderProfiles{Name: name, Profiles: profiles[name]})
			adapter, err := newAdapter(pc, rc.Params.Merge(pc.Params), httpClient)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, adapter)
		}

		reg, err := quotagate.NewRegistry(sets...)
		if err != nil {
			return nil, err
		}
		if reg.Len() == 0 {
			logger.WithField("route", rc.Name()).Warn("route has no configured profiles; every request will be rejected")
		}
		for _, name := range rc.Providers {
			ids := make([]string, 0, len(reg.Profiles(name)))
			for _, p := range reg.Profiles(name) {
				ids = append(ids, p.ID)
			}
			logger.WithFields(log.Fields{
				"route":    rc.Name(),
				"provider": name,
				"profiles": ids,
			}).Debug("route provider registered")
		}

		router, err := quotagate.NewRouter(reg, adapters,
			quotagate.WithRoute(rc.Name()),
			quotagate.WithPolicy(pol),
			quotagate.WithCapacityStore(store),
			quotagate.WithMeter(meters),
			quotagate.WithHealthTracker(health),
			quotagate.WithLogger(logger),
			quotagate.WithTimeout(rc.Timeout),
			quotagate.WithSelectionTimeout(cfg.SelectionTimeout),
		)
		if err != nil {
			return nil, err
		}
		a.routes = append(a.routes, server.Route{Config: rc, Dispatcher: router})
	}
	return a, nil
}

// loadProfiles reads every provider's profile array from its environment
// variable. A broken or missing array leaves that provider without profiles.
func loadProfiles(providers []quotagate.ProviderConfig, logger log.FieldLogger) map[string][]quotagate.Profile {
	out := make(map[string][]quotagate.Profile, len(providers))
	for _, pc := range providers {
		profiles, err := quotagate.BuildProfiles(pc.Name, os.Getenv(pc.ProfilesEnv))
		if err != nil {
			logger.WithError(err).WithFields(log.Fields{
				"provider": pc.Name,
				"env":      pc.ProfilesEnv,
			}).Warn("provider has no usable profiles")
			continue
		}
		logger.WithFields(log.Fields{
			"provider": pc.Name,
			"profiles": len(profiles),
		}).Info("provider profiles loaded")
		out[pc.Name] = profiles
	}
	return out
}

func newAdapter(pc quotagate.ProviderConfig, sampling quotagate.Sampling, client *http.Client) (quotagate.Provider, error) {
	switch pc.Kind {
	case quotagate.KindOpenAI:
		return openaicompat.New(pc.Name, pc.BaseURL, pc.Model,
			openaicompat.WithSampling(sampling),
			openaicompat.WithHTTPClient(client),
		), nil
	case quotagate.KindAnthropic:
		opts := []anthropic.Option{
			anthropic.WithName(pc.Name),
			anthropic.WithSampling(sampling),
			anthropic.WithHTTPClient(client),
		}
		if pc.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(pc.BaseURL))
		}
		return anthropic.New(pc.Model, opts...), nil
	case quotagate.KindGemini:
		opts := []gemini.Option{
			gemini.WithName(pc.Name),
			gemini.WithSampling(sampling),
			gemini.WithHTTPClient(client),
		}
		if pc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(pc.BaseURL))
		}
		return gemini.New(pc.Model, opts...), nil
	default:
		return nil, fmt.Errorf("quotagate: provider %s: unknown kind %q", pc.Name, pc.Kind)
	}
}
