package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"photovault/internal/blobstore"
	"photovault/internal/config"
	"photovault/internal/server"
	"photovault/internal/staging"
	"photovault/internal/store"
	"photovault/internal/thumbnail"
	"photovault/internal/upload"
)

func newSrvCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "srv",
		Short: "Run the photovault API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg == nil {
				return fmt.Errorf("config not initialized")
			}
			if cfg.DBPath == "" {
				return fmt.Errorf("db path is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, slog.Default())
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	stack, err := buildServer(ctx, cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	defer stack.Close()

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		stack.sweeper.Run(sweepCtx)
	}()
	defer func() {
		stopSweeper()
		<-sweepDone
	}()

	return stack.server.ListenAndServe(ctx)
}

// serverStack is a fully wired server plus the resources it owns.
type serverStack struct {
	server  *server.Server
	sweeper *upload.Sweeper
	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (s *serverStack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (stack *serverStack, err error) {
	addr, err := server.ListenAddr(cfg.APIURL)
	if err != nil {
		return nil, err
	}

	stack = &serverStack{}
	defer func() {
		if err != nil {
			stack.Close()
		}
	}()

	logger.Info("opening database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	stack.closers = append(stack.closers, st.Close)

	blobs, err := blobstore.NewSegmented(ctx, st, blobstore.Options{
		SegmentBytes:  int(cfg.Blobs.SegmentBytes),
		IOTimeout:     cfg.Blobs.IOTimeout,
		DefaultBucket: cfg.Blobs.DefaultBucket,
		Logger:        logger.With("component", "blobstore"),
	})
	if err != nil {
		return nil, err
	}

	stagingDir := cfg.StagingDir()
	area, err := staging.New(stagingDir, int64(cfg.Uploads.StagingMaxBytes))
	if err != nil {
		return nil, err
	}
	logger.Info("staging area ready", "path", stagingDir, "max_bytes", cfg.Uploads.StagingMaxBytes.String())

	registry, err := upload.NewRegistry(area, upload.RegistryOptions{
		Limits: upload.Limits{
			MaxChunkBytes:       int64(cfg.Uploads.MaxChunkBytes),
			MaxObjectBytes:      int64(cfg.Uploads.MaxObjectBytes),
			MaxTotalChunks:      cfg.Uploads.MaxTotalChunks,
			AllowedContentTypes: cfg.Uploads.AllowedContentTypes,
		},
		DefaultBucket: blobs.DefaultBucket(),
		Logger:        logger.With("component", "uploads"),
		Metrics:       upload.NewMetrics(reg),
	})
	if err != nil {
		return nil, err
	}

	reader, err := blobstore.NewReader(blobs, blobstore.ReaderOptions{
		CacheTTL:      cfg.Blobs.InfoCacheTTL,
		CacheMB:       cfg.Blobs.InfoCacheMB,
		DefaultBucket: blobs.DefaultBucket(),
		Logger:        logger.With("component", "reader"),
		Registerer:    reg,
	})
	if err != nil {
		return nil, err
	}
	stack.closers = append(stack.closers, reader.Close)

	uploads, err := server.NewUploadService(server.UploadServiceOptions{
		Registry: registry,
		Writer:   upload.NewWriter(registry),
		Assembler: upload.NewAssembler(registry, blobs, upload.AssemblerOptions{
			MaxRetries: putRetries(cfg.Uploads.PutMaxRetries),
			Logger:     logger.With("component", "assembler"),
		}),
		Blobs:                     blobs,
		Files:                     reader,
		Linker:                    server.NewStoreLinker(st),
		Thumbnails:                thumbnail.New(cfg.Blobs.ThumbnailMaxEdge),
		RejectContentTypeMismatch: cfg.Uploads.RejectContentTypeMismatch,
		Logger:                    logger.With("component", "upload_service"),
	})
	if err != nil {
		return nil, err
	}

	stack.sweeper = upload.NewSweeper(registry, upload.SweeperOptions{
		MaxAge:      cfg.Uploads.SessionMaxAge,
		Interval:    cfg.Uploads.SweepInterval,
		Concurrency: cfg.Uploads.SweepConcurrency,
		Logger:      logger,
	})

	stack.server = server.New(server.Options{
		Addr:          addr,
		Uploads:       uploads,
		Reader:        reader,
		Sweeper:       stack.sweeper,
		Store:         st,
		Gatherer:      gatherer,
		StagingUsage:  area.Used,
		DefaultBucket: blobs.DefaultBucket(),
		DBPath:        cfg.DBPath,
		Version:       version,
		Logger:        logger.With("component", "server"),
	})
	return stack, nil
}

// putRetries maps put_max_retries onto AssemblerOptions, where zero means
// the default. A zero in the config file disables retries.
func putRetries(configured int) int {
	if configured == 0 {
		return -1
	}
	return configured
}
