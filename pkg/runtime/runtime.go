package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/saker-ai/xiaozhi-voice/internal/activation"
	appconfig "github.com/saker-ai/xiaozhi-voice/internal/config"
	"github.com/saker-ai/xiaozhi-voice/internal/control"
	"github.com/saker-ai/xiaozhi-voice/internal/device"
	apphttp "github.com/saker-ai/xiaozhi-voice/internal/http"
	applogger "github.com/saker-ai/xiaozhi-voice/internal/logger"
	"github.com/saker-ai/xiaozhi-voice/internal/transcript"
	"github.com/saker-ai/xiaozhi-voice/pkg/audio"
	"github.com/saker-ai/xiaozhi-voice/pkg/xiaozhi"
)

// App wires activation, the control channel, the session controller and
// the local HTTP API.
type App struct {
	cfg      appconfig.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	mu         sync.Mutex
	channel    control.Channel
	controller *xiaozhi.Controller
	server     *http.Server
}

// New loads the config and builds the logger.
func New(configPath string) (*App, error) {
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load xiaozhi config: %w", err)
	}

	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	logger.Info("xiaozhi logger configured",
		zap.String("level", cfg.Log.Level),
		zap.Bool("stdout", cfg.Log.Stdout),
		zap.Bool("file_enabled", cfg.Log.File.Enabled),
		zap.String("file_path", cfg.Log.File.Path),
	)
	logger.Info("xiaozhi config loaded",
		zap.String("config_path", configPath),
		zap.String("root_dir", cfg.RootDir),
		zap.String("audio_backend", cfg.Audio.Backend),
		zap.String("opus_backend", audio.Backend()),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &App{cfg: cfg, logger: logger, registry: registry}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run activates the device, connects the control channel and serves the
// HTTP API until ctx is done.
func (a *App) Run(ctx context.Context) error {
	deviceID, clientID := a.identity()
	a.logger.Info("device identity", zap.String("device_id", deviceID), zap.String("client_id", clientID))

	ota := activation.NewClient(activation.Config{
		URL:          a.cfg.OTA.URL,
		DeviceID:     deviceID,
		ClientID:     clientID,
		BoardType:    a.cfg.Device.BoardType,
		AppName:      a.cfg.Device.AppName,
		AppVersion:   a.cfg.Device.AppVersion,
		Timeout:      a.cfg.OTA.Timeout,
		PollInterval: a.cfg.OTA.PollInterval,
	}, a.logger)
	result, err := ota.Await(ctx, func(code activation.Activation) {
		a.logger.Warn("enter the activation code in the console",
			zap.String("code", code.Code),
			zap.String("message", code.Message),
		)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("activation: %w", err)
	}

	channel, err := control.New(control.Config{
		Transport:       a.cfg.Control.Transport,
		MQTTPort:        a.cfg.Control.MQTTPort,
		QoS:             a.cfg.Control.QoS,
		Subscribe:       a.cfg.Control.Subscribe,
		WebSocketURL:    a.cfg.Control.WebSocketURL,
		AccessToken:     a.cfg.Control.AccessToken,
		ConnectTimeout:  a.cfg.Control.ConnectTimeout,
		ProtocolVersion: a.cfg.Session.ProtocolVersion,
		DeviceID:        deviceID,
		ClientID:        clientID,
	}, result, a.logger)
	if err != nil {
		return err
	}

	backend, err := device.New(device.Config{
		Backend:        a.cfg.Audio.Backend,
		CaptureDevice:  a.cfg.Audio.CaptureDevice,
		PlaybackDevice: a.cfg.Audio.PlaybackDevice,
	})
	if err != nil {
		return err
	}

	var metrics *xiaozhi.Metrics
	if a.cfg.Metrics.Enabled {
		metrics = xiaozhi.NewMetrics(a.registry)
	}

	var store *transcript.Store
	var recorder *transcript.Recorder
	if a.cfg.Transcript.Enabled {
		store, err = transcript.NewStore(a.cfg.Transcript.Dir)
		if err != nil {
			return err
		}
		recorder = transcript.NewRecorder(store, a.logger)
	}

	ctrl, err := xiaozhi.NewController(a.sessionConfig(), xiaozhi.Dependencies{
		Publisher: channel,
		Backend:   backend,
		Metrics:   metrics,
	}, callbacks(recorder, a.logger), a.logger)
	if err != nil {
		return err
	}

	if err := channel.Connect(ctx, ctrl.Deliver); err != nil {
		return fmt.Errorf("control connect: %w", err)
	}

	a.mu.Lock()
	a.channel = channel
	a.controller = ctrl
	a.mu.Unlock()

	errCh := make(chan error, 1)
	if a.cfg.HTTP.Enabled {
		opts := apphttp.Options{Transcripts: store}
		if a.cfg.Metrics.Enabled {
			opts.Gatherer = a.registry
		}
		server := &http.Server{
			Addr:    a.cfg.HTTP.Addr,
			Handler: apphttp.NewRouter(ctrl, opts, a.logger),
		}
		a.mu.Lock()
		a.server = server
		a.mu.Unlock()
		go func() {
			a.logger.Info("starting http server", zap.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown says goodbye, stops the pipelines and closes the control
// channel and the HTTP server.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	channel, ctrl, server := a.channel, a.controller, a.server
	a.mu.Unlock()

	var errs []error
	if ctrl != nil {
		if err := ctrl.Close(ctx); err != nil && !errors.Is(err, xiaozhi.ErrNoSession) {
			errs = append(errs, err)
		}
	}
	if channel != nil {
		if err := channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if server != nil {
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) identity() (string, string) {
	deviceID := strings.TrimSpace(a.cfg.Device.ID)
	if deviceID == "" {
		mac, err := activation.DeviceMAC()
		if err != nil {
			a.logger.Warn("device mac unavailable", zap.Error(err))
		}
		deviceID = mac
	}
	clientID := strings.TrimSpace(a.cfg.Device.ClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return deviceID, clientID
}

func (a *App) sessionConfig() xiaozhi.Config {
	s, au := a.cfg.Session, a.cfg.Audio
	fec, dtx := au.Opus.FEC, au.Opus.DTX
	return xiaozhi.Config{
		ProtocolVersion: s.ProtocolVersion,
		AudioParams: xiaozhi.AudioParams{
			Format:        s.AudioFormat,
			SampleRate:    s.SampleRate,
			Channels:      s.Channels,
			FrameDuration: s.FrameDuration,
		},
		ListenMode:          s.ListenMode,
		CaptureRate:         au.CaptureRate,
		PlaybackRate:        au.PlaybackRate,
		JitterCapacity:      au.JitterCapacity,
		PlaybackChunkFrames: au.PlaybackChunkFrames,
		JoinTimeout:         s.JoinTimeout,
		HelloTimeout:        s.HelloTimeout,
		Opus: audio.OpusOptions{
			Bitrate:        au.Opus.Bitrate,
			Complexity:     au.Opus.Complexity,
			FEC:            &fec,
			DTX:            &dtx,
			PacketLossPerc: au.Opus.PacketLossPerc,
			MaxBandwidth:   au.Opus.MaxBandwidth,
		},
	}
}

func callbacks(recorder *transcript.Recorder, logger *zap.Logger) xiaozhi.Callbacks {
	cb := xiaozhi.Callbacks{
		OnError: func(err error) {
			logger.Error("session failed", zap.Error(err))
		},
	}
	if recorder == nil {
		return cb
	}
	cb.OnSessionStarted = recorder.SessionStarted
	cb.OnSessionClosed = func(id, _ string) { recorder.SessionClosed(id) }
	cb.OnASR = recorder.UserSaid
	cb.OnTTS = func(state, text string) {
		if state == "sentence_start" {
			recorder.AssistantSaid(text)
		}
	}
	return cb
}
