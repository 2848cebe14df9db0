// internal/worker/supervisor.go
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"firehose-ingest/internal/eventclock"
	"firehose-ingest/internal/logger"
	"firehose-ingest/internal/metrics"
	"firehose-ingest/internal/stream"
	"firehose-ingest/internal/writer"

	"github.com/cenkalti/backoff/v4"
	zlog "github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"
)

// Supervisor 는 ingest 파이프라인의 가장 바깥 루프이다.
//
//   - 시작 시 wall-clock hour 로 파티션을 연다 (아직 레코드가 없으므로)
//   - Session 을 열고, Recoverable 오류로 끝나면 버리고 즉시 다시 연다
//   - Fatal 오류면 파티션을 닫고 오류를 반환한다
//   - context 취소(SIGTERM)면 파티션을 working 에 남긴 채 닫고 종료한다
//
// 레코드를 받은 세션이 끊기면 바로 다시 연결한다. Dial 이 즉시 실패하는 경우
// (connection refused, DNS 실패 등)에는 reconnectFloor 만큼만 쉬고, 같은 실패가
// quietAfter 번 넘게 이어지면 로그를 Debug 로 낮춘다.
// rate limit 응답(420/429/503)은 서버 요청에 따라 exponential backoff 로 기다린다.
type Supervisor struct {
	writer  *writer.Writer
	dialer  stream.Dialer
	params  stream.Params
	metrics *metrics.Metrics

	now        func() time.Time
	newBackoff func() backoff.BackOff
	floor      time.Duration

	sessions int64

	mu    sync.Mutex
	fatal error
}

// SupervisorOption 은 테스트에서 시계와 backoff 정책을 바꾸기 위한 옵션이다.
type SupervisorOption func(*Supervisor)

func WithClock(now func() time.Time) SupervisorOption {
	return func(s *Supervisor) { s.now = now }
}

func WithBackoff(fn func() backoff.BackOff) SupervisorOption {
	return func(s *Supervisor) { s.newBackoff = fn }
}

// WithReconnectFloor 는 레코드 없이 끝난 세션 뒤의 대기 시간을 바꾼다.
func WithReconnectFloor(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.floor = d }
}

const (
	defaultReconnectFloor = time.Second

	// 레코드 없이 끝난 세션이 이 횟수를 넘게 이어지면 재연결 로그를 Debug 로 낮춘다.
	quietAfter = 5
)

// NewSupervisor 는 Supervisor 를 만든다.
func NewSupervisor(w *writer.Writer, d stream.Dialer, p stream.Params, m *metrics.Metrics, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		writer:     w,
		dialer:     d,
		params:     p,
		metrics:    m,
		now:        time.Now,
		newBackoff: defaultBackoff,
		floor:      defaultReconnectFloor,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// defaultBackoff: 5s 에서 시작해 최대 5분까지 2배씩. 포기하지 않는다.
func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Start 는 working 에 남은 이전 hour 파티션을 archive 로 옮기고
// 현재 wall-clock hour 파티션을 연다. 이미 열려 있으면 그대로 둔다.
func (s *Supervisor) Start() error {
	hour := eventclock.TruncateToHour(s.now())

	moved, err := s.writer.SweepStale(hour)
	if err != nil {
		return err
	}
	if len(moved) > 0 {
		logger.Lifecycle().Info().Strs("archived", moved).Msg("stale partitions archived")
	}

	if s.writer.IsOpen() {
		return nil
	}
	return s.writer.Open(hour)
}

// Run 은 Fatal 오류 또는 context 취소까지 세션을 반복한다.
// context 취소로 끝나면 nil 을 반환한다.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	bo := s.newBackoff()
	recovered := 0
	idle := 0

	for {
		if ctx.Err() != nil {
			return s.shutdown()
		}

		id := atomic.AddInt64(&s.sessions, 1)
		sess := NewSession(id, s.writer, s.dialer, s.params, s.metrics)
		err := sess.Run(ctx)

		if ctx.Err() != nil {
			return s.shutdown()
		}
		if sess.Delivered() > 0 {
			bo.Reset()
			idle = 0
		} else {
			idle++
		}

		switch classify(err) {
		case stream.ClassShutdown:
			return s.shutdown()

		case stream.ClassFatal:
			zlog.Error().
				Err(err).
				Int64("session", id).
				Msg("fatal error, stopping ingest")
			if cerr := s.writer.Close(false); cerr != nil {
				zlog.Error().Err(cerr).Msg("close partition after fatal error")
			}
			return err

		default:
			recovered++
			atomic.AddInt64(&s.metrics.SessionsRecoveredTotal, 1)

			var te *stream.TransportError
			if errors.As(err, &te) && te.RateLimited() {
				wait := bo.NextBackOff()
				if wait == backoff.Stop {
					wait = 5 * time.Minute
				}
				atomic.AddInt64(&s.metrics.RateLimitedTotal, 1)
				zlog.Warn().
					Err(err).
					Int64("session", id).
					Int("retry", recovered).
					Dur("backoff", wait).
					Msg("stream rate limited, reconnecting after backoff")

				if !sleepCtx(ctx, wait) {
					return s.shutdown()
				}
				continue
			}

			if idle == 0 {
				zlog.Warn().
					Err(err).
					Int64("session", id).
					Int("retry", recovered).
					Int64("delivered", sess.Delivered()).
					Msg("stream interrupted, reconnecting")
				continue
			}

			ev := zlog.Warn()
			if idle > quietAfter {
				ev = zlog.Debug()
			}
			ev.Err(err).
				Int64("session", id).
				Int("retry", recovered).
				Int("idle", idle).
				Dur("wait", s.floor).
				Msg("stream connect failed, reconnecting")

			if !sleepCtx(ctx, s.floor) {
				return s.shutdown()
			}
		}
	}
}

// Serve 는 suture.Service 구현이다.
// Fatal 오류는 Err() 로 보관하고 supervisor tree 전체를 종료시킨다.
func (s *Supervisor) Serve(ctx context.Context) error {
	if err := s.Run(ctx); err != nil {
		s.mu.Lock()
		s.fatal = err
		s.mu.Unlock()
		return suture.ErrTerminateSupervisorTree
	}
	return nil
}

// Err 는 Serve 를 멈추게 한 Fatal 오류이다. 없으면 nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

func (s *Supervisor) String() string { return "ingest-supervisor" }

// shutdown 은 파티션을 닫는다. 같은 hour 안에 재시작하면 이어서 쓰도록
// archive 로 옮기지 않는다.
func (s *Supervisor) shutdown() error {
	if err := s.writer.Close(false); err != nil {
		return err
	}
	logger.Lifecycle().Info().Int64("sessions", atomic.LoadInt64(&s.sessions)).Msg("ingest stopped")
	return nil
}

// classify 는 세션 종료 원인을 분류한다.
// 디스크 / 압축 오류는 재시도하면 데이터가 조용히 사라지므로 명시적으로 Fatal.
func classify(err error) stream.Class {
	var we *writer.WriteError
	var se *writer.StorageInitError
	if errors.As(err, &we) || errors.As(err, &se) {
		return stream.ClassFatal
	}
	return stream.Classify(err)
}

// sleepCtx 는 d 만큼 기다린다. context 가 먼저 끝나면 false.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
