// internal/model/record.go
package model

import (
	"time"
)

// Record
// ------------------------------------------------------------
// 스트림에서 수신한 메시지 1건.
// 구조를 해석하지 않는 opaque 한 JSON object 이며,
// Subscription → Session → Writer 까지 그대로 전달된 뒤
// 한 줄의 JSON 으로 다시 직렬화되어 파티션 파일에 기록된다.
//
// 숫자는 json.Number 로 디코딩된다 (UseNumber).
// float64 로 풀면 64bit id 가 깨지므로 반드시 유지해야 한다.
type Record map[string]any

// EventTimeField 는 레코드에 포함된 이벤트 시각 필드 이름이다.
// 값이 없거나 파싱할 수 없으면 rollover 판단 없이 현재 파티션에 기록한다.
const EventTimeField = "created_at"

// String 은 레코드의 문자열 필드를 반환한다. 없거나 문자열이 아니면 false.
func (r Record) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Has 는 최상위 키 존재 여부를 반환한다.
func (r Record) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// ------------------------------------------------------------
// Partition 파일명 규칙
// ------------------------------------------------------------
//
//	<prefix>-<YYMMDDHH>.json.bz2
//
// 예: data-21031507.json.bz2 (2021-03-15 07:00 UTC)
//
// archive 를 읽는 downstream 과의 호환을 위해 bit 단위로 동일해야 한다.

// PartitionHourLayout 은 파티션 시각 부분의 Go time layout (YYMMDDHH) 이다.
const PartitionHourLayout = "06010215"

// PartitionExt 는 파티션 파일 확장자이다.
const PartitionExt = ".json.bz2"

// PartitionName 은 prefix 와 hour 로 파티션 파일명을 만든다.
// hour 는 UTC 로 변환해서 포맷한다.
func PartitionName(prefix string, hour time.Time) string {
	return prefix + "-" + hour.UTC().Format(PartitionHourLayout) + PartitionExt
}

// ParsePartitionName 은 파일명에서 hour 를 역으로 파싱한다.
// prefix 가 다르거나 형식이 맞지 않으면 false.
func ParsePartitionName(prefix, name string) (time.Time, bool) {
	head := prefix + "-"
	if len(name) != len(head)+len(PartitionHourLayout)+len(PartitionExt) {
		return time.Time{}, false
	}
	if name[:len(head)] != head || name[len(name)-len(PartitionExt):] != PartitionExt {
		return time.Time{}, false
	}
	stamp := name[len(head) : len(head)+len(PartitionHourLayout)]
	t, err := time.ParseInLocation(PartitionHourLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
