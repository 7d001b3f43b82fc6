package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devrev/opsync/internal/applier"
	"github.com/devrev/opsync/internal/archive"
	"github.com/devrev/opsync/internal/client"
	"github.com/devrev/opsync/internal/config"
	"github.com/devrev/opsync/internal/crypto"
	"github.com/devrev/opsync/internal/hooks"
	"github.com/devrev/opsync/internal/migration"
	"github.com/devrev/opsync/internal/model"
	"github.com/devrev/opsync/internal/oplog"
	"github.com/devrev/opsync/internal/syncer"
	"github.com/devrev/opsync/internal/util/workerpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	archiveFile = "archive.db"
	passwordEnv = "OPSYNC_PASSWORD"
	dataDirEnv  = "OPSYNC_DIR"
	defaultDir  = ".opsync"
)

// app is an opened client data directory
type app struct {
	cfgPath   string
	cfg       *config.ClientConfig
	logger    *zap.Logger
	log       *oplog.FileStore
	archive   *archive.Store
	pool      *workerpool.Pool
	transport *client.Client
	compactor *oplog.Compactor
	syncer    *syncer.Service
}

func defaultDataDir() string {
	if dir := os.Getenv(dataDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultDir
	}
	return filepath.Join(home, defaultDir)
}

func openApp(ctx context.Context, dataDir string, verbose bool) (*app, error) {
	cfgPath := filepath.Join(dataDir, config.ClientConfigFile)
	cfg, err := config.LoadClient(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("%w (run `synccli init` first)", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger := initLogger(cfg.Logging)

	a := &app{cfgPath: cfgPath, cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.log, err = oplog.Open(&oplog.Config{DataDir: cfg.DataDir}, logger)
	if err != nil {
		return nil, err
	}
	a.archive, err = archive.OpenStore(filepath.Join(cfg.DataDir, archiveFile), logger)
	if err != nil {
		return nil, err
	}

	a.pool = workerpool.New(workerpool.Config{Name: "hooks", Workers: cfg.Hooks.Workers}, logger)
	dispatcher := hooks.NewDispatcher(a.pool, cfg.Hooks.Timeout, logger)
	dispatcher.Register(hooks.HandlerFunc{
		HandlerName: "change-log",
		Fn: func(ctx context.Context, event hooks.Event) error {
			if !event.Remote {
				return nil
			}
			for _, op := range event.Ops {
				logger.Debug("Applied remote change",
					zap.String("op_id", op.ID),
					zap.String("client_id", op.ClientID),
					zap.String("action", string(op.ActionType)),
					zap.String("entity", string(op.EntityType)))
			}
			return nil
		},
	})

	registry, err := migration.NewDefaultRegistry(logger)
	if err != nil {
		return nil, err
	}

	clientID, err := syncer.LoadOrCreateClientID(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	a.transport = client.New(client.Config{
		BaseURL: cfg.Server.URL,
		Token:   cfg.Server.Token,
		Timeout: cfg.Server.Timeout,
		OnTokenRefreshed: func(token string) {
			a.cfg.Server.Token = token
			if err := config.SaveClient(a.cfgPath, a.cfg); err != nil {
				logger.Warn("Failed to persist refreshed token", zap.Error(err))
			}
		},
	}, logger)

	bulk := applier.New(
		applier.NewStore(model.NewState()),
		&applier.Guard{},
		archive.NewHandler(a.archive, logger),
		logger,
		applier.WithHooks(dispatcher),
	)

	var opts []syncer.Option
	if cfg.Encryption.Enabled {
		cipher, err := newCipher(false)
		if err != nil {
			return nil, err
		}
		opts = append(opts, syncer.WithCipher(cipher))
	}

	a.syncer = syncer.New(syncer.Config{
		ClientID:     clientID,
		DataDir:      cfg.DataDir,
		DownloadPage: cfg.Server.DownloadPage,
	}, a.log, a.transport, registry, bulk, logger, opts...)

	a.compactor = oplog.NewCompactor(&oplog.CompactionConfig{
		Threshold: cfg.Compaction.Threshold,
		Interval:  cfg.Compaction.Interval,
	}, a.log, a.syncer, logger)
	a.syncer.SetCompactor(a.compactor)

	if err := a.syncer.Hydrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to load local state: %w", err)
	}

	ok = true
	return a, nil
}

func (a *app) requireServer() error {
	if a.cfg.Server.URL == "" || a.cfg.Server.Token == "" {
		return errors.New("no sync server configured (run `synccli init --server URL --token TOKEN`)")
	}
	return nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Stop(context.Background())
	}
	if a.archive != nil {
		a.archive.Close()
	}
	if a.log != nil {
		a.log.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

// newCipher reads the sync password from the environment, or prompts for it
// when the environment is unset or force is true.
func newCipher(force bool) (*crypto.Cipher, error) {
	password := os.Getenv(passwordEnv)
	if password == "" || force {
		fmt.Fprint(os.Stderr, "Sync password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	return crypto.NewCipher(password, crypto.DefaultParams())
}

func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.WarnLevel
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
