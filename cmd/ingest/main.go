package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"firehose-ingest/internal/config"
	"firehose-ingest/internal/logger"
	"firehose-ingest/internal/metrics"
	"firehose-ingest/internal/server"
	"firehose-ingest/internal/stream"
	"firehose-ingest/internal/worker"
	"firehose-ingest/internal/writer"

	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [oauth_token] [oauth_secret]",
		Short: "Record a streaming JSON feed into hourly bzip2 partitions",
		Long: `ingest subscribes to the sample (or filter) stream and appends every
record as one CRLF terminated JSON line to <prefix>-YYMMDDHH.json.bz2.
Partitions are keyed by the record's created_at hour and move from the
working directory to the archive directory when the next hour begins.`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), args)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// run
//
// 프로세스 구성:
//
//	suture tree
//	  ├─ ingest-supervisor : Session 반복 (Writer 단독 소유)
//	  ├─ archive-shipper   : archive → S3 (archive_bucket 지정 시)
//	  ├─ ops-http          : /health /metrics /status (metrics_addr 지정 시)
//	  └─ status-reporter   : 주기 상태 로그 (status_interval > 0)
//
// SIGINT / SIGTERM 이면 tree 전체가 취소되고, 열린 파티션은 working 에 남은 채 닫힌다.
// ingest-supervisor 가 Fatal 로 끝나면 tree 를 종료하고 그 오류를 반환한다.
func run(cfg config.Config) error {
	logger.Init(cfg)
	m := metrics.New()

	params, err := stream.ParamsFromConfig(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tree := suture.New("ingest", suture.Spec{
		EventHook: func(e suture.Event) {
			zlog.Warn().Fields(e.Map()).Msg(e.String())
		},
		Timeout: 15 * time.Second,
	})

	opts := []writer.Option{
		writer.WithMetrics(m),
		writer.WithCompressionLevel(cfg.CompressionLevel),
	}

	if cfg.ArchiveBucket != "" {
		up, err := worker.NewS3Uploader(ctx, cfg, m)
		if err != nil {
			return err
		}
		shipper := worker.NewShipper(cfg, up, m)
		opts = append(opts, writer.WithOnArchive(shipper.Notify))
		tree.Add(shipper)
	}

	w, err := writer.New(cfg.WorkingDir, cfg.ArchiveDir, cfg.Prefix, opts...)
	if err != nil {
		return err
	}

	sup := worker.NewSupervisor(w, stream.NewClient(cfg), params, m)
	tree.Add(sup)

	if cfg.MetricsAddr != "" {
		h, err := server.NewHandler(m, "ingest")
		if err != nil {
			return err
		}
		tree.Add(server.NewHTTPService(cfg.MetricsAddr, h.Routes()))
	}
	if cfg.StatusInterval > 0 {
		tree.Add(server.NewStatusReporter(m, cfg.StatusInterval))
	}

	logger.Lifecycle().Info().
		Str("mode", params.Mode.String()).
		Str("prefix", cfg.Prefix).
		Str("working_dir", cfg.WorkingDir).
		Str("archive_dir", cfg.ArchiveDir).
		Str("config", cfg.ConfigFile).
		Msg("ingest starting")

	err = tree.Serve(ctx)

	if ferr := sup.Err(); ferr != nil {
		return ferr
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		return err
	}

	logger.Lifecycle().Info().Msg("shutdown complete")
	return nil
}
