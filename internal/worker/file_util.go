// internal/worker/file_util.go
package worker

import (
	"fmt"
	"strings"
	"time"
)

// file_util.go
// ------------------------------------------------------------
// archive 파일을 S3 로 올릴 때 쓰는 key / marker 규칙.
//
// S3 key 는 파티션 hour(UTC) 기준으로 나눈다:
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// Athena / Glue 파티션 스캔과 맞추기 위한 표준 구조이며,
// 업로드 시각이 아니라 데이터의 hour 를 쓰므로 재업로드해도 같은 key 가 된다.

// markerSuffix 는 업로드 완료 표시 파일 확장자이다.
// archive 소비자의 "*.json.bz2" glob 에는 걸리지 않는다.
const markerSuffix = ".meta.json"

// BuildS3Key 는 표준화된 S3 key 를 만든다.
func BuildS3Key(prefix string, hour time.Time, filename string) string {
	hour = hour.UTC()
	key := fmt.Sprintf("dt=%s/hr=%s/%s", hour.Format("2006-01-02"), hour.Format("15"), filename)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// markerPath 는 data 파일에 대응하는 marker 경로이다.
func markerPath(dataPath string) string {
	return dataPath + markerSuffix
}
