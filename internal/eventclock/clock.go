// internal/eventclock/clock.go
package eventclock

import (
	"time"

	"firehose-ingest/internal/model"

	"github.com/dghubble/go-twitter/twitter"
)

// eventclock
// ------------------------------------------------------------
// 파티션 hour 는 wall-clock 이 아니라 레코드에 들어 있는
// event time(created_at) 으로 결정한다.
//
// 재연결 직후 밀려 들어오는 레코드, 시계가 틀린 호스트에서도
// 같은 레코드는 항상 같은 hour 파티션 근처에 기록되어야 하기 때문이다.
// ------------------------------------------------------------

// TruncateToHour 는 분/초/나노초를 0 으로 만든 UTC hour 를 반환한다.
func TruncateToHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// ShouldRoll 은 eventTime 이 currentHour 의 다음 hour 이상이면 true.
//
// 경계는 포함(inclusive)이다.
//   - 06:00 파티션 + 07:00:00.000 레코드 → true (07 파티션으로 이동)
//   - 06:00 파티션 + 06:59:59.999 레코드 → false
func ShouldRoll(currentHour, eventTime time.Time) bool {
	return !eventTime.Before(currentHour.Add(time.Hour))
}

// EventTime 은 레코드의 created_at 을 파싱한다.
// 필드가 없거나 문자열이 아니거나 형식이 다르면 false 를 반환하고,
// 호출자는 rollover 판단 없이 현재 파티션에 기록한다.
func EventTime(r model.Record) (time.Time, bool) {
	s, ok := r.String(model.EventTimeField)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := twitter.Tweet{CreatedAt: s}.CreatedAtTime()
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
