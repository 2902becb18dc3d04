// Package app wires all Loquax subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the concurrent loops, and Shutdown tears
// everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/pcurie/loquax/internal/audio"
	"github.com/pcurie/loquax/internal/boundary"
	"github.com/pcurie/loquax/internal/config"
	"github.com/pcurie/loquax/internal/conv"
	"github.com/pcurie/loquax/internal/discord"
	"github.com/pcurie/loquax/internal/enrich"
	"github.com/pcurie/loquax/internal/enrich/handlers"
	"github.com/pcurie/loquax/internal/exchange"
	"github.com/pcurie/loquax/internal/health"
	"github.com/pcurie/loquax/internal/knowledge"
	"github.com/pcurie/loquax/internal/observe"
	"github.com/pcurie/loquax/internal/session"
	"github.com/pcurie/loquax/internal/store/postgres"
	"github.com/pcurie/loquax/internal/transcribe"
	"github.com/pcurie/loquax/pkg/provider/llm"
	"github.com/pcurie/loquax/pkg/provider/stt"
	"github.com/pcurie/loquax/pkg/vectorstore/pgvector"
)

// App owns all subsystem lifetimes and orchestrates the transcription
// pipeline: Discord audio in, enriched ideas and exchanges out.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	store       *postgres.Store
	ideas       *knowledge.Ideas
	exchanges   *knowledge.Exchanges
	buffers     *audio.Manager
	transcriber *transcribe.Service
	monitor     *audio.Monitor
	sessions    *session.Manager
	worker      *enrich.Worker
	llm         llm.Provider
	bot         *discord.Bot
	httpServer  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: it connects to Postgres, runs migrations, ensures vector
// collections, loads the providers, and opens the Discord gateway.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
	}

	if err := a.initStores(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init stores: %w", err)
	}
	if err := a.initPipeline(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	if err := a.initEnrichment(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init enrichment: %w", err)
	}
	if err := a.initBot(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init bot: %w", err)
	}
	a.initHTTP()

	return a, nil
}

// initStores connects the relational store and the vector collections.
func (a *App) initStores(ctx context.Context) error {
	store, err := postgres.NewStore(ctx, a.cfg.Postgres.URL)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})

	vectors := pgvector.New(store.Pool())
	a.ideas = knowledge.NewIdeas(vectors, a.cfg.VectorStore.IdeasCollection)
	a.exchanges = knowledge.NewExchanges(vectors, a.cfg.VectorStore.ExchangesCollection)

	dims := a.cfg.Embeddings.Dimension
	if err := a.ideas.EnsureReady(ctx, dims); err != nil {
		return fmt.Errorf("ensure ideas collection: %w", err)
	}
	if err := a.exchanges.EnsureReady(ctx, dims); err != nil {
		return fmt.Errorf("ensure exchanges collection: %w", err)
	}
	return nil
}

// initPipeline builds the audio path: buffers, transcription, the boundary
// and exchange detectors, the stale monitor, and the session manager.
func (a *App) initPipeline(ctx context.Context) error {
	embedder, err := buildEmbeddings(a.cfg)
	if err != nil {
		return err
	}

	sttProvider, err := buildTranscription(a.cfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, sttProvider.Close)

	a.buffers = audio.NewManager(audio.Config{
		SampleRate:           a.cfg.Audio.SampleRate,
		VADThreshold:         a.cfg.Audio.VADThreshold,
		ChunkDuration:        config.Seconds(a.cfg.Audio.ChunkDurationSec),
		SilenceThreshold:     config.Seconds(a.cfg.Audio.SilenceThresholdSec),
		MaxBuffersPerChannel: a.cfg.Audio.MaxBuffersPerChannel,
	})

	exchangeDet := exchange.NewDetector(exchange.Config{
		TemporalGap:  config.Millis(a.cfg.Exchange.TemporalGapMs),
		TemporalSpan: config.Millis(a.cfg.Exchange.TemporalSpanMs),
		SemanticGap:  config.Millis(a.cfg.Exchange.SemanticGapMs),
		WindowSize:   a.cfg.Exchange.WindowSize,
	}, a.exchanges, a.store.Queue(), embedder, a.metrics)

	boundaryDet := boundary.NewDetector(boundary.Config{
		MaxDuration:    config.Seconds(a.cfg.Boundary.MaxDurationSec),
		MidDuration:    config.Seconds(a.cfg.Boundary.MidDurationSec),
		MaxPending:     a.cfg.Boundary.MaxPending,
		SpeakerSilence: config.Millis(a.cfg.Boundary.SilenceMs),
	}, a.ideas, a.store.Queue(), embedder, exchangeDet, a.metrics)

	a.sessions = session.NewManager(session.ManagerConfig{
		Store:         a.store.Sessions(),
		Aliases:       a.store.Aliases(),
		IdleTimeout:   config.Seconds(a.cfg.Session.TimeoutSec),
		SweepInterval: config.Seconds(a.cfg.Session.SweepIntervalSec),
		Metrics:       a.metrics,
	})
	a.sessions.OnEnd(boundaryDet)
	a.sessions.OnEnd(exchangeDet)

	a.transcriber = transcribe.NewService(transcribe.Config{
		SampleRate:  a.cfg.Audio.SampleRate,
		MinDuration: a.cfg.Audio.MinDurationSec,
		SilenceRMS:  a.cfg.Audio.VADThreshold,
		Timeout:     config.Seconds(a.cfg.Transcription.TimeoutSec),
	}, a.buffers, sttProvider, a.sessions, a.store.Utterances(), boundaryDet, a.metrics)

	a.monitor = audio.NewMonitor(a.buffers, config.Seconds(a.cfg.Audio.MonitorIntervalSec), func(ctx context.Context, key audio.Key) {
		if err := a.transcriber.Flush(ctx, key); err != nil {
			slog.Error("stale flush failed", "channel_id", key.ChannelID, "user_id", key.UserID, "error", err)
		}
	})

	// Sessions left active by a crashed run are unrecoverable; close them
	// before accepting new ones.
	if err := a.sessions.CloseOrphans(ctx); err != nil {
		slog.Warn("closing orphaned sessions failed", "error", err)
	}
	return nil
}

// initEnrichment builds the background worker and its handlers. Skipped
// entirely when enrichment is disabled; transcription runs without it.
func (a *App) initEnrichment(_ context.Context) error {
	if !a.cfg.Enrichment.Enabled {
		slog.Info("enrichment disabled, ideas will not be enriched")
		return nil
	}

	llmProvider, err := buildLLM(a.cfg)
	if err != nil {
		return err
	}
	a.llm = llmProvider

	p := a.cfg.Enrichment.Prosody
	hs := []handlers.Handler{
		handlers.NewAlias(a.store.Aliases(), a.cfg.Enrichment.AliasPhonetic),
		handlers.NewProsody(a.store.Utterances(), handlers.ProsodyThresholds{
			QuestionPitchSlope:     p.QuestionPitchSlope,
			CompletePitchSlope:     p.CompletePitchSlope,
			CompleteIntensitySlope: p.CompleteIntensitySlope,
			ClearHNR:               p.ClearHNRDB,
			StableJitter:           p.StableJitter,
			LoudIntensity:          p.LoudIntensityDB,
		}),
		handlers.NewResponse(a.ideas, handlers.ResponseConfig{
			TimeThreshold: config.Millis(a.cfg.Enrichment.ResponseTimeThresholdMs),
			FastReply:     config.Millis(a.cfg.Enrichment.ResponseFastReplyMs),
		}),
		handlers.NewIntent(llmProvider, a.cfg.LLM.Model),
		handlers.NewTopic(llmProvider, a.cfg.LLM.Model),
	}

	a.worker = enrich.NewWorker(enrich.WorkerConfig{
		BatchSize:    a.cfg.Enrichment.BatchSize,
		PollInterval: config.Seconds(a.cfg.Enrichment.PollIntervalSec),
		StaleAge:     config.Seconds(a.cfg.Enrichment.StaleAfterSec),
		MaxAttempts:  a.cfg.Enrichment.MaxAttempts,
	}, a.store.Queue(), a.ideas, a.exchanges, enrich.NewModelManager(llmProvider), hs, a.metrics)
	return nil
}

// initBot opens the Discord gateway and registers it as a session observer
// so that ending a session leaves the voice channel.
func (a *App) initBot() error {
	bot, err := discord.New(discord.Config{
		Token:   a.cfg.Discord.Token,
		GuildID: a.cfg.Discord.GuildID,
	}, a.transcriber, a.sessions, a.store.Messages(), a.store.Utterances(), a.buffers, func(name string) (stt.Provider, error) {
		return buildSTT(a.cfg, name)
	})
	if err != nil {
		return err
	}
	a.bot = bot
	a.sessions.OnEnd(bot)
	return nil
}

// initHTTP assembles the health and metrics listener.
func (a *App) initHTTP() {
	checkers := []health.Checker{
		{Name: "database", Check: a.store.Ping},
	}
	if a.worker != nil {
		checkers = append(checkers, health.Checker{Name: "llm", Check: a.llmCheck()})
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	a.httpServer = &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Run starts the concurrent loops and blocks until ctx is cancelled or one
// of them fails: the stale-buffer monitor, the idle-session sweeper, the
// enrichment worker, the HTTP listener, and the Discord command loop.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.monitor.Run(ctx) })
	g.Go(func() error { return a.sessions.Run(ctx) })
	if a.worker != nil {
		g.Go(func() error { return a.worker.Run(ctx) })
	}
	g.Go(func() error { return a.bot.Run(ctx) })
	g.Go(func() error {
		slog.Info("http listener starting", "addr", a.cfg.HTTPAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})

	slog.Info("loquax running")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown drains and tears down all subsystems: the Discord ingress stops
// first, remaining audio is pushed through transcription, open sessions are
// closed (flushing the detectors), and finally providers and stores close.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		if a.bot != nil {
			if err := a.bot.Close(); err != nil {
				slog.Warn("bot close error", "error", err)
			}
		}
		if a.transcriber != nil {
			if err := a.transcriber.DrainAll(ctx); err != nil {
				slog.Warn("final drain error", "error", err)
			}
		}
		if a.sessions != nil {
			if err := a.sessions.EndAll(ctx, conv.SessionEnded); err != nil {
				slog.Warn("closing sessions error", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			shutdownErr = ctx.Err()
			return
		default:
		}
		a.runClosers()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers runs the accumulated closers in reverse-init order.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "error", err)
		}
	}
	a.closers = nil
}

// llmCheck adapts the LLM provider's health probe to a health.Checker.
func (a *App) llmCheck() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !a.llm.Healthy(ctx) {
			return errors.New("llm backend unhealthy")
		}
		return nil
	}
}
