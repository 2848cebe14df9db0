// internal/stream/params.go
package stream

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"firehose-ingest/internal/config"
)

// Mode 는 구독 방식이다. sample 과 filter 는 동시에 쓸 수 없다.
type Mode int

const (
	ModeSample Mode = iota // 전체 공개 스트림의 랜덤 샘플
	ModeFilter             // track / locations 조건에 맞는 레코드만
)

func (m Mode) String() string {
	if m == ModeFilter {
		return "filter"
	}
	return "sample"
}

// Params 는 세션 시작 시 고정되는 구독 파라미터이다.
type Params struct {
	Mode      Mode
	Track     string // comma-joined keyword 목록
	Locations string // comma-joined bounding box 좌표 목록
}

// Values 는 요청 파라미터를 만든다.
// stall_warnings 를 켜서 소비 속도가 느릴 때 서버 경고를 받는다.
func (p Params) Values() url.Values {
	v := url.Values{}
	v.Set("stall_warnings", "true")
	if p.Mode == ModeFilter {
		if p.Track != "" {
			v.Set("track", p.Track)
		}
		if p.Locations != "" {
			v.Set("locations", p.Locations)
		}
	}
	return v
}

// Validate 는 filter mode 에서 조건이 하나도 없는 경우를 거른다.
// 서버에 보내도 4xx 로 거절되므로 연결 전에 fatal 로 처리한다.
func (p Params) Validate() error {
	if p.Mode == ModeFilter && p.Track == "" && p.Locations == "" {
		return &TransportError{Kind: KindBadParams, Err: ErrEmptyFilter}
	}
	return nil
}

// ParamsFromConfig 는 설정으로부터 구독 파라미터를 만든다.
// filter mode 이면 track / locations 파일을 읽는다.
func ParamsFromConfig(cfg config.Config) (Params, error) {
	if !cfg.FilterMode {
		return Params{Mode: ModeSample}, nil
	}

	track, err := LoadFilterList(cfg.TrackFile)
	if err != nil {
		return Params{}, err
	}
	locations, err := LoadFilterList(cfg.LocationsFile)
	if err != nil {
		return Params{}, err
	}

	p := Params{Mode: ModeFilter, Track: track, Locations: locations}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// LoadFilterList
//
// 한 줄에 하나씩 적힌 filter 항목을 읽어 comma 로 연결한다.
//   - 앞뒤 공백 제거
//   - 빈 줄 무시
//   - 파일이 없으면 빈 문자열 (해당 카테고리 미사용)
func LoadFilterList(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open filter list %s: %w", path, err)
	}
	defer f.Close()

	var entries []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		entries = append(entries, line)
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read filter list %s: %w", path, err)
	}
	return strings.Join(entries, ","), nil
}
