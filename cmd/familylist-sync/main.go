package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brettcrane/familylist-sub000/internal/config"
	"github.com/brettcrane/familylist-sub000/internal/familyapi"
	"github.com/brettcrane/familylist-sub000/internal/listsync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	baseURL := flag.String("base-url", cfg.BaseURL, "FamilyLists API base URL")
	token := flag.String("token", cfg.Token, "bearer token")
	userID := flag.String("user", cfg.UserID, "user id for check attribution and ordering state")
	stateDSN := flag.String("state-dsn", cfg.StateDSN, "ordering state store DSN (file path, memory://, or postgres://)")
	interval := flag.Duration("refresh-interval", durationOrDefault(cfg.RefreshInterval, 5*time.Minute), "full refresh interval")
	intervalJitter := flag.Float64("refresh-jitter", 0.2, "refresh interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("FAMILYLISTS_TIMEOUT", 15*time.Second), "per-request timeout")
	once := flag.Bool("once", false, "run one refresh and exit")
	flag.Parse()

	if *interval <= 0 {
		*interval = 5 * time.Minute
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := familyapi.NewClient(familyapi.ClientOptions{
		BaseURL:    *baseURL,
		Token:      *token,
		UserID:     strings.TrimSpace(*userID),
		HTTPClient: &http.Client{Timeout: *timeout},
	})
	push, err := familyapi.NewPushSource(familyapi.PushOptions{
		BaseURL: *baseURL,
		Token:   *token,
	})
	if err != nil {
		log.Fatalf("failed to build push source: %v", err)
	}
	kv, err := listsync.BuildKVStoreFromDSN(*stateDSN)
	if err != nil {
		log.Fatalf("failed to build state store from %q: %v", *stateDSN, err)
	}

	engine, err := listsync.New(listsync.Options{
		Transport: client,
		Push:      push,
		KV:        kv,
		UserID:    strings.TrimSpace(*userID),
		Suggester: client,
		Logger:    log.Default(),
		OnMutationError: func(kind listsync.OpKind, listID string, err error) {
			log.Printf("replayed mutation %s on list %s rejected: %v", kind, listID, err)
		},
		OnStreamState: func(state listsync.ConnState, err error) {
			if err != nil {
				log.Printf("push stream %s: %v", state, err)
				return
			}
			log.Printf("push stream %s", state)
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}
	defer engine.Close()
	if closer, ok := kv.(listsync.KVStoreCloser); ok {
		defer closer.Close()
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	refresh := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := engine.Refresh(ctx); err != nil {
			log.Printf("refresh failed: %v", err)
			return
		}
		log.Printf("refreshed %d lists, %d mutations pending", len(engine.Cache().Summaries()), engine.PendingCount())
	}

	refresh()
	if *once {
		return
	}

	engine.StartStream(rootCtx)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("sync stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			refresh()
			// A failed stream needs a nudge; the engine ignores this when
			// the connection is healthy.
			engine.RetryStream()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func durationOrDefault(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid refresh interval %q, using fallback %s", raw, fallback.String())
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
