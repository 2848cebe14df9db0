// internal/stream/notice.go
package stream

import (
	"fmt"

	"firehose-ingest/internal/model"

	"github.com/dghubble/go-twitter/twitter"
	json "github.com/goccy/go-json"
)

// Notice 는 스트림이 레코드 사이에 끼워 보내는 제어 메시지이다.
// archive 는 원본 캡처이므로 notice 도 그대로 기록하고,
// 여기서는 운영 판단(로그 / 세션 종료)에만 사용한다.
type Notice struct {
	Limit      *twitter.StreamLimit      `json:"limit"`
	Disconnect *twitter.StreamDisconnect `json:"disconnect"`
	Warning    *twitter.StallWarning     `json:"warning"`
}

// disconnect code 중 재연결해도 소용없는 것들.
//   - 6: token revoked
//   - 7: admin logout
var fatalDisconnectCodes = map[int64]bool{
	6: true,
	7: true,
}

// DecodeNotice 는 레코드가 제어 메시지이면 Notice 를 반환한다.
// created_at 이 있는 일반 레코드는 디코딩하지 않는다.
func DecodeNotice(r model.Record) (Notice, bool) {
	if r.Has(model.EventTimeField) {
		return Notice{}, false
	}
	if !r.Has("limit") && !r.Has("disconnect") && !r.Has("warning") {
		return Notice{}, false
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return Notice{}, false
	}
	var n Notice
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notice{}, false
	}
	if n.Limit == nil && n.Disconnect == nil && n.Warning == nil {
		return Notice{}, false
	}
	return n, true
}

// DisconnectError 는 disconnect notice 를 세션 종료 오류로 바꾼다.
func DisconnectError(d *twitter.StreamDisconnect) error {
	kind := KindDisconnect
	if fatalDisconnectCodes[d.Code] {
		kind = KindAuth
	}
	return &TransportError{
		Kind: kind,
		Err:  fmt.Errorf("disconnect code=%d stream=%q reason=%q", d.Code, d.StreamName, d.Reason),
	}
}
