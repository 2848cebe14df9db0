// internal/worker/session.go
package worker

import (
	"context"
	"errors"
	"sync/atomic"

	"firehose-ingest/internal/eventclock"
	"firehose-ingest/internal/metrics"
	"firehose-ingest/internal/model"
	"firehose-ingest/internal/stream"
	"firehose-ingest/internal/writer"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Session 은 하나의 구독 수명 동안 source 와 Writer 를 연결한다.
//
// 흐름:
//
//	Subscription.Recv → OnRecord → (ShouldRoll ? RollTo) → Append
//
// 레코드는 도착 순서대로 같은 goroutine 에서 처리된다.
type Session struct {
	id      int64
	writer  *writer.Writer
	dialer  stream.Dialer
	params  stream.Params
	metrics *metrics.Metrics
	log     zerolog.Logger

	delivered int64
}

// NewSession 은 세션을 만든다. 연결은 Run 에서 연다.
func NewSession(id int64, w *writer.Writer, d stream.Dialer, p stream.Params, m *metrics.Metrics) *Session {
	return &Session{
		id:      id,
		writer:  w,
		dialer:  d,
		params:  p,
		metrics: m,
		log: zlog.With().
			Int64("session", id).
			Str("mode", p.Mode.String()).
			Logger(),
	}
}

// Delivered 는 이 세션에서 기록된 레코드 수이다.
func (s *Session) Delivered() int64 {
	return s.delivered
}

// Run 은 구독을 열고 오류가 날 때까지 레코드를 처리한다.
// 반환값은 항상 세션이 끝난 원인이며, 분류는 Supervisor 가 한다.
func (s *Session) Run(ctx context.Context) error {
	sub, err := s.dialer.Dial(ctx, s.params)
	if err != nil {
		return err
	}
	defer sub.Close()

	atomic.AddInt64(&s.metrics.SessionsStartedTotal, 1)
	s.log.Info().Msg("stream connected")

	for {
		rec, err := sub.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, stream.ErrMalformedRecord) {
				atomic.AddInt64(&s.metrics.RecordsMalformedTotal, 1)
				s.log.Debug().Err(err).Msg("malformed line skipped")
				continue
			}
			return err
		}

		if err := s.OnRecord(rec); err != nil {
			return err
		}
	}
}

// OnRecord 는 레코드 1건을 처리한다.
//
//  1. created_at 이 있고 현재 파티션 hour 의 다음 hour 이상이면 RollTo (archive 이동 포함)
//  2. 현재 파티션에 Append
//  3. 제어 메시지(limit / disconnect / warning)이면 운영 처리
//
// event time 이 없거나 파싱할 수 없으면 1 을 건너뛴다.
func (s *Session) OnRecord(r model.Record) error {
	if t, ok := eventclock.EventTime(r); ok {
		if eventclock.ShouldRoll(s.writer.CurrentHour(), t) {
			if err := s.writer.RollTo(eventclock.TruncateToHour(t), true); err != nil {
				return err
			}
		}
	} else {
		atomic.AddInt64(&s.metrics.RecordsWithoutEventTimeTotal, 1)
	}

	if err := s.writer.Append(r); err != nil {
		return err
	}
	s.delivered++

	if n, ok := stream.DecodeNotice(r); ok {
		return s.onNotice(n)
	}
	return nil
}

// onNotice 는 제어 메시지를 처리한다.
// disconnect 는 서버가 곧 연결을 끊는다는 뜻이므로 세션을 먼저 끝낸다.
func (s *Session) onNotice(n stream.Notice) error {
	switch {
	case n.Disconnect != nil:
		atomic.AddInt64(&s.metrics.DisconnectNoticesTotal, 1)
		s.log.Warn().
			Int64("code", n.Disconnect.Code).
			Str("reason", n.Disconnect.Reason).
			Msg("disconnect notice")
		return stream.DisconnectError(n.Disconnect)

	case n.Limit != nil:
		atomic.AddInt64(&s.metrics.LimitNoticesTotal, 1)
		atomic.StoreInt64(&s.metrics.LimitUndelivered, n.Limit.Track)
		s.log.Warn().
			Int64("undelivered", n.Limit.Track).
			Msg("limit notice")

	case n.Warning != nil:
		s.log.Warn().
			Str("code", n.Warning.Code).
			Int("percent_full", n.Warning.PercentFull).
			Str("message", n.Warning.Message).
			Msg("stall warning")
	}
	return nil
}
