package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"firehose-ingest/internal/logger"
	"firehose-ingest/internal/metrics"

	zlog "github.com/rs/zerolog/log"
)

// HTTPService 는 http.Server 를 suture.Service 로 감싼다.
//
// ctx 가 취소되면 Shutdown 으로 진행 중인 scrape 를 마무리하고 돌아온다.
// Listen 실패(포트 충돌 등)는 오류로 반환되어 supervisor 가 재시작한다.
type HTTPService struct {
	srv *http.Server
}

func NewHTTPService(addr string, h http.Handler) *HTTPService {
	return &HTTPService{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       8 * time.Second,
			WriteTimeout:      8 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

func (s *HTTPService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	logger.Lifecycle().Info().Str("addr", ln.Addr().String()).Msg("ops http listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			zlog.Error().Err(err).Msg("ops http shutdown")
		}
		<-errCh
		return nil
	}
}

func (s *HTTPService) String() string { return "ops-http" }

// StatusReporter 는 주기적으로 카운터를 로그로 남긴다.
// /metrics 를 긁는 곳이 없는 환경(단일 VM + journald)에서도 추세를 볼 수 있다.
type StatusReporter struct {
	metrics  *metrics.Metrics
	interval time.Duration
}

func NewStatusReporter(m *metrics.Metrics, interval time.Duration) *StatusReporter {
	return &StatusReporter{metrics: m, interval: interval}
}

func (r *StatusReporter) Serve(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.report()
		}
	}
}

func (r *StatusReporter) report() {
	ev := logger.Lifecycle().Info()
	for _, line := range strings.Split(strings.TrimSpace(r.metrics.String()), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		ev = ev.Str(k, v)
	}
	ev.Msg("status")
}

func (r *StatusReporter) String() string { return "status-reporter" }
