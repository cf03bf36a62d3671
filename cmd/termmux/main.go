// Command termmux runs the message-mux hub alongside its two
// in-process internal clients: an exchange adapter bridging a public
// market-data venue, and an echo client kept around as a liveness
// probe for the bus itself. Signal handling follows the original
// Python entry point's pattern of cancelling a single root context on
// SIGINT/SIGTERM and waiting for every task to unwind.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	termcfg "github.com/tnumfive/termmux/internal/config"
	"github.com/tnumfive/termmux/internal/exchange"
	"github.com/tnumfive/termmux/internal/hub"
	"github.com/tnumfive/termmux/internal/recorder"
	"github.com/tnumfive/termmux/internal/rtclient"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("termmux: fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := termcfg.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec, err := buildRecorder(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build recorder: %w", err)
	}

	authFunc, err := buildAuthFunc(cfg)
	if err != nil {
		return fmt.Errorf("build auth_fn: %w", err)
	}
	clientAuthFunc, err := buildClientAuthFunc(cfg)
	if err != nil {
		return fmt.Errorf("build client auth_fn: %w", err)
	}

	h := hub.New(cfg.Hub.ListenAddr, rec, logger,
		hub.WithAuthFunc(authFunc),
		hub.WithAuthTimeout(cfg.Hub.AuthTimeout.Duration),
	)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { return h.Run(gctx) })

	hubURL := "ws://" + wsAddr(cfg.Hub.ListenAddr)

	adapter := &exchange.AdapterClient{
		Helper: exchange.NewBinanceHelper(
			cfg.Upstream.URL,
			cfg.Upstream.InitStream,
			cfg.Upstream.SendInterval.Duration,
			cfg.Upstream.MaxConnectRetry,
			logger,
		),
		Logger: logger,
	}
	adapterClient := &rtclient.Client{
		UID:      cfg.Upstream.UID,
		URI:      hubURL,
		AuthFunc: clientAuthFunc,
		Handler:  adapter,
		Logger:   logger,
	}
	group.Go(func() error { return adapterClient.Run(gctx) })

	echo := &rtclient.EchoHandler{Logger: logger}
	echoClient := &rtclient.Client{
		UID:      "echo",
		URI:      hubURL,
		AuthFunc: clientAuthFunc,
		Handler:  echo,
		Logger:   logger,
	}
	group.Go(func() error { return echoClient.Run(gctx) })

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

func buildRecorder(ctx context.Context, cfg *termcfg.Config, logger *slog.Logger) (*recorder.FileRecorder, error) {
	var opts []recorder.Option
	if cfg.Recorder.ArchiveS3Bucket != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Recorder.ArchiveS3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		s3Client := awss3.NewFromConfig(awsCfg)
		opts = append(opts, recorder.WithArchiver(recorder.NewS3Archiver(s3Client, cfg.Recorder.ArchiveS3Bucket, "")))
	}
	return recorder.New(ctx, cfg.Recorder.Dir, cfg.Recorder.RotationPeriod.Duration, logger, opts...)
}

func buildAuthFunc(cfg *termcfg.Config) (hub.AuthFunc, error) {
	switch cfg.Hub.AuthMode {
	case termcfg.AuthNone, "":
		return hub.AllowAll, nil
	case termcfg.AuthJWT:
		return jwtAuthFunc(cfg)
	case termcfg.AuthOAuth2:
		// The OAuth2 client-credentials variant mints JWT-shaped bearer
		// tokens at the identity provider; verification on the hub side
		// is the same JWT check as the AuthJWT case.
		return jwtAuthFunc(cfg)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Hub.AuthMode)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// wsAddr turns a listen address like ":8765" into a dialable
// "127.0.0.1:8765" for the in-process internal clients.
func wsAddr(listenAddr string) string {
	if len(listenAddr) > 0 && listenAddr[0] == ':' {
		return "127.0.0.1" + listenAddr
	}
	return listenAddr
}
