// Callbot is an AI telephony agent: it answers calls arriving on one
// or more switch instances, runs each one through a streaming
// ASR -> LLM -> TTS conversation pipeline with barge-in, and exposes a
// control API for dispatching and inspecting calls.
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

	"github.com/voxbotics/go-callbot/internal/config"
	"github.com/voxbotics/go-callbot/internal/log"
	"github.com/voxbotics/go-callbot/pkg/asr"
	"github.com/voxbotics/go-callbot/pkg/breaker"
	"github.com/voxbotics/go-callbot/pkg/conversation"
	"github.com/voxbotics/go-callbot/pkg/llm"
	"github.com/voxbotics/go-callbot/pkg/router"
	"github.com/voxbotics/go-callbot/pkg/scenario"
	"github.com/voxbotics/go-callbot/pkg/tts"
	"github.com/voxbotics/go-callbot/pkg/web"
)

func main() {
	writeDefaults := flag.Bool("write-default-scenarios", false, "write built-in scenario files to the scenario directory and exit")
	flag.Parse()

	if err := run(*writeDefaults); err != nil {
		fmt.Fprintf(os.Stderr, "callbot: %v\n", err)
		os.Exit(1)
	}
}

func run(writeDefaults bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Init(cfg.LogLevel)
	logger := log.L()

	if writeDefaults {
		store, err := scenario.NewFileStore(cfg.ScenarioDir, log.Component("scenario"))
		if err != nil {
			return err
		}
		n, err := store.WriteDefaults()
		if err != nil {
			return err
		}
		logger.Info("default scenarios written", "dir", cfg.ScenarioDir, "count", n)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Scenario store. A missing directory is not fatal: calls then run
	// on the built-in default scenario.
	var scenarios scenario.Store
	var lister web.ScenarioLister
	fileStore, err := scenario.NewFileStore(cfg.ScenarioDir, log.Component("scenario"))
	if err != nil {
		logger.Warn("scenario store unavailable, using built-in default", "dir", cfg.ScenarioDir, "error", err)
	} else {
		scenarios = fileStore
		lister = fileStore
	}

	failures := breaker.NewMemory(cfg.System.FailureWindow)

	speech, err := buildTTS(cfg)
	if err != nil {
		return err
	}
	defer speech.Close()

	model := llm.NewOpenAI(&llm.Config{
		APIURL:      cfg.LLM.APIURL,
		APIKey:      os.Getenv("LLM_API_KEY"),
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
		Logger:      log.Component("llm"),
	})

	convCfg := conversation.DefaultConfig()
	convCfg.FailureThreshold = cfg.System.FailureThreshold
	convCfg.MaxTokens = cfg.LLM.MaxTokens
	convCfg.QuickTokens = cfg.LLM.QuickTokens
	convCfg.Logger = log.Component("conversation")

	sessionFactory := func(sessionID, callerID, scenarioID string, handler conversation.Handler) router.Session {
		recognizer := asr.DefaultConfig()
		recognizer.WSURL = cfg.ASR.WSURL
		recognizer.SampleRate = cfg.ASR.SampleRate
		recognizer.InputSampleRate = cfg.Telephony.AudioSampleRate
		recognizer.Logger = log.Session(sessionID)

		return conversation.New(sessionID, callerID, scenarioID, convCfg, conversation.Services{
			ASR:       asr.NewFunASR(recognizer),
			LLM:       model,
			TTS:       speech,
			Failures:  failures,
			Scenarios: scenarios,
		}, handler)
	}

	// The web server broadcasts router events, the router serves the
	// web API, and each bridge's inbound callbacks land on the router;
	// the indirections below break the construction cycles.
	var srv *web.Server
	var rt *router.Router
	sink := router.EventSinkFunc(func(ev router.Event) {
		if srv != nil {
			srv.EventSink().Publish(ev)
		}
	})

	newTransport := func(ic router.InstanceConfig) router.Transport {
		b := router.NewBridge(router.BridgeConfig{
			URL:      fmt.Sprintf("ws://%s:%d/bridge", ic.Host, ic.Port),
			Password: ic.Password,
			Logger:   log.Component("bridge").With("instance", ic.ID),
		})
		instID := ic.ID
		b.OnIncomingCall = func(sessionID, callerID, entryPoint string) {
			if err := rt.HandleIncomingCall(context.Background(), instID, sessionID, callerID, entryPoint); err != nil {
				logger.Warn("incoming call rejected",
					"instance", instID,
					"session_id", sessionID,
					"error", err,
				)
			}
		}
		b.OnAudio = func(sessionID string, pcm []byte) {
			if err := rt.HandleCallAudio(sessionID, pcm); err != nil {
				logger.Debug("dropping audio for unknown session", "session_id", sessionID)
			}
		}
		b.OnHangup = func(sessionID string) {
			rt.EndCall(sessionID)
		}
		return b
	}

	rt = router.New(router.Config{
		ConnectAttempts:   cfg.Telephony.ConnectAttempts,
		ConnectDelay:      cfg.Telephony.ConnectDelay,
		HeartbeatInterval: cfg.Telephony.HeartbeatInterval,
		ReconnectInterval: cfg.Telephony.ReconnectInterval,
		Logger:            log.Component("router"),
	}, newTransport, sessionFactory, sink)

	for _, inst := range cfg.Instances {
		err := rt.AddInstance(router.InstanceConfig{
			ID:              inst.ID,
			Host:            inst.Host,
			Port:            inst.Port,
			Password:        inst.Password,
			ScenarioMapping: inst.ScenarioMapping,
		})
		if err != nil {
			return err
		}
	}

	srv = web.NewServer(web.Config{
		ListenAddr: cfg.ListenAddr,
		Logger:     log.Component("web"),
	}, rt, failures, lister)

	if err := rt.Connect(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("callbot running",
		"listen_addr", cfg.ListenAddr,
		"instances", len(cfg.Instances),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("web server: %w", err)
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Shutdown(shCtx); err != nil {
		logger.Warn("router shutdown", "error", err)
	}
	if err := srv.Shutdown(shCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("web shutdown", "error", err)
	}
	return nil
}

// buildTTS builds the synthesis provider: the primary HTTP endpoint,
// wrapped in a fallback chain when a backup endpoint is configured.
func buildTTS(cfg *config.App) (tts.Provider, error) {
	opts := func(url string) []tts.Option {
		return []tts.Option{
			tts.WithAPIURL(url),
			tts.WithAPIKey(os.Getenv("TTS_API_KEY")),
			tts.WithVoice(cfg.TTS.Voice),
			tts.WithOutputFormat(tts.Encoding(cfg.TTS.Format)),
			tts.WithLogger(log.Component("tts")),
		}
	}

	primary, err := tts.NewHTTP(opts(cfg.TTS.APIURL)...)
	if err != nil {
		return nil, err
	}
	if cfg.TTS.BackupAPIURL == "" {
		return primary, nil
	}

	backup, err := tts.NewHTTP(opts(cfg.TTS.BackupAPIURL)...)
	if err != nil {
		return nil, err
	}
	return tts.NewChainWithLogger(log.Component("tts"), primary, backup)
}
