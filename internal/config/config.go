// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// Config
//
// 프로세스 실행에 필요한 모든 설정 값을 보관하는 구조체.
// 시작 시점에 Load() 로 한 번만 만들어지고, 이후에는 값(value)으로
// 전달되는 불변(read-only) 설정이다. 전역 가변 상태는 두지 않는다.
type Config struct {

	// ---------------------------
	// 스트림 인증 (OAuth1)
	// ---------------------------

	AppKey      string // consumer key
	AppSecret   string // consumer secret
	OAuthToken  string // user access token (positional 1)
	OAuthSecret string // user access secret (positional 2)

	// ---------------------------
	// 출력 파티션
	// ---------------------------

	Prefix           string // 파일명 prefix (예: data → data-21031507.json.bz2)
	WorkingDir       string // 현재 쓰는 파티션이 위치하는 디렉토리
	ArchiveDir       string // 완료된 파티션이 rename 되어 옮겨지는 디렉토리
	CompressionLevel int    // bzip2 level (1~9)

	// ---------------------------
	// 구독 모드
	// ---------------------------

	FilterMode    bool   // true: filter stream, false: sample stream
	TrackFile     string // filter mode keyword 목록 파일 (한 줄에 하나)
	LocationsFile string // filter mode location 목록 파일 (한 줄에 하나)
	SampleURL     string
	FilterURL     string
	StreamGzip    bool // Accept-Encoding: gzip 요청 여부

	// ---------------------------
	// 운영
	// ---------------------------

	ServiceName    string
	InstanceID     string // 호스트명 기반, 실패 시 랜덤 hex
	LogLevel       string
	LogPretty      bool
	LogSampleN     uint32
	MetricsAddr    string        // ops HTTP bind 주소 (비어 있으면 비활성)
	StatusInterval time.Duration // 주기적 상태 로그 간격 (0 이면 비활성)

	// ---------------------------
	// S3 archive mirror (선택)
	// ---------------------------
	// ArchiveBucket 이 비어 있으면 shipper 는 동작하지 않는다.

	ArchiveBucket    string
	ArchiveKeyPrefix string
	AWSRegion        string
	S3Timeout        time.Duration // PutObject 시도당 timeout
	S3AppRetries     int           // 애플리케이션 레벨 재시도 횟수 (SDK retry 는 0)

	ConfigFile string // 실제로 참조한 설정 파일 경로
}

// ErrMissingCredentials 는 병합 후에도 인증 값이 비어 있을 때 반환된다.
var ErrMissingCredentials = errors.New(
	"both OAuth token and secret must be defined in either command line or config file")

// ConfigSection 은 INI 설정 파일에서 읽는 section 이름이다.
const ConfigSection = "ingest"

// EnvPrefix 는 환경변수 prefix 이다. (예: INGEST_PREFIX)
const EnvPrefix = "INGEST"

// flagKeys
//
// viper key → CLI flag 이름.
// flag 가 실제로 지정(Changed)된 경우에만 config file / env 값을 덮어쓴다.
var flagKeys = map[string]string{
	"prefix":         "prefix",
	"config":         "config",
	"filter":         "filter",
	"working_dir":    "working-dir",
	"archive_dir":    "archive-dir",
	"track_file":     "track-file",
	"locations_file": "locations-file",
	"log_level":      "log-level",
	"log_pretty":     "log-pretty",
	"metrics_addr":   "metrics-addr",
}

// RegisterFlags 는 CLI flag 를 등록한다.
// 기본값은 setDefaults 에서만 관리하므로 여기서는 zero value 로 둔다.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("prefix", "p", "", "Name to start filenames with (default: data)")
	fs.String("config", "", "Read settings from supplied config file (default: ingest.cfg)")
	fs.Bool("filter", false, "Use the filter stream (track.txt / locations.txt) instead of the sample stream")
	fs.String("working-dir", "", "Directory holding the partition being written")
	fs.String("archive-dir", "", "Directory receiving completed partitions")
	fs.String("track-file", "", "Keyword list for filter mode, one entry per line")
	fs.String("locations-file", "", "Location list for filter mode, one entry per line")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.Bool("log-pretty", false, "Human readable console logs")
	fs.String("metrics-addr", "", "Bind address for /health, /metrics and /status (empty disables)")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config", "ingest.cfg")
	v.SetDefault("prefix", "data")
	v.SetDefault("working_dir", "data/working")
	v.SetDefault("archive_dir", "data/archive")
	v.SetDefault("compression_level", 9)

	v.SetDefault("filter", false)
	v.SetDefault("track_file", "track.txt")
	v.SetDefault("locations_file", "locations.txt")
	v.SetDefault("sample_url", "https://stream.twitter.com/1.1/statuses/sample.json")
	v.SetDefault("filter_url", "https://stream.twitter.com/1.1/statuses/filter.json")
	v.SetDefault("stream_gzip", true)

	v.SetDefault("service_name", "firehose-ingest")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("log_sample_n", 0)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("status_interval", time.Minute)

	v.SetDefault("archive_key_prefix", "raw")
	v.SetDefault("s3_timeout", 10*time.Second)
	v.SetDefault("s3_app_retries", 3)
}

// Load
//
// 설정 값을 아래 우선순위로 병합한다.
//
//  1. positional 인자 (oauth_token, oauth_secret)
//  2. 명시적으로 지정된 CLI flag
//  3. 환경변수 (INGEST_<KEY>)
//  4. INI 설정 파일의 [ingest] section
//  5. 기본값
//
// 병합 후 인증 값이 없으면 ErrMissingCredentials 를 반환한다.
// 프로세스 종료 여부는 호출자(main)가 결정한다.
func Load(fs *pflag.FlagSet, args []string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for key, name := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	path := v.GetString("config")
	if err := mergeINI(v, path); err != nil {
		return Config{}, err
	}

	if len(args) > 2 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", args[2:])
	}
	if len(args) > 0 && args[0] != "" {
		v.Set("oauth_token", args[0])
	}
	if len(args) > 1 && args[1] != "" {
		v.Set("oauth_secret", args[1])
	}

	cfg := Config{
		AppKey:      v.GetString("app_key"),
		AppSecret:   v.GetString("app_secret"),
		OAuthToken:  v.GetString("oauth_token"),
		OAuthSecret: v.GetString("oauth_secret"),

		Prefix:           v.GetString("prefix"),
		WorkingDir:       v.GetString("working_dir"),
		ArchiveDir:       v.GetString("archive_dir"),
		CompressionLevel: v.GetInt("compression_level"),

		FilterMode:    v.GetBool("filter"),
		TrackFile:     v.GetString("track_file"),
		LocationsFile: v.GetString("locations_file"),
		SampleURL:     v.GetString("sample_url"),
		FilterURL:     v.GetString("filter_url"),
		StreamGzip:    v.GetBool("stream_gzip"),

		ServiceName:    v.GetString("service_name"),
		InstanceID:     fallbackInstanceID(),
		LogLevel:       v.GetString("log_level"),
		LogPretty:      v.GetBool("log_pretty"),
		LogSampleN:     v.GetUint32("log_sample_n"),
		MetricsAddr:    v.GetString("metrics_addr"),
		StatusInterval: v.GetDuration("status_interval"),

		ArchiveBucket:    v.GetString("archive_bucket"),
		ArchiveKeyPrefix: v.GetString("archive_key_prefix"),
		AWSRegion:        v.GetString("aws_region"),
		S3Timeout:        v.GetDuration("s3_timeout"),
		S3AppRetries:     v.GetInt("s3_app_retries"),

		ConfigFile: path,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 는 필수 값과 범위를 검사한다.
func (c Config) Validate() error {
	if c.OAuthToken == "" || c.OAuthSecret == "" {
		return ErrMissingCredentials
	}
	if c.AppKey == "" || c.AppSecret == "" {
		return errors.New("app_key and app_secret must be defined in the config file or environment")
	}
	if c.Prefix == "" {
		return errors.New("prefix must not be empty")
	}
	if strings.ContainsAny(c.Prefix, `/\`) {
		return fmt.Errorf("prefix %q must not contain path separators", c.Prefix)
	}
	if c.WorkingDir == "" || c.ArchiveDir == "" {
		return errors.New("working_dir and archive_dir must not be empty")
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return fmt.Errorf("compression_level must be between 1 and 9, got %d", c.CompressionLevel)
	}
	if c.ArchiveBucket != "" && c.S3AppRetries < 1 {
		return fmt.Errorf("s3_app_retries must be >= 1, got %d", c.S3AppRetries)
	}
	return nil
}

// mergeINI
//
// INI 파일의 [ingest] section 을 viper config layer 로 병합한다.
// 파일이 없으면 조용히 넘어간다 (기본 경로 ingest.cfg 가 없어도 실행 가능해야 함).
func mergeINI(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat config %s: %w", path, err)
	}

	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if !f.HasSection(ConfigSection) {
		return nil
	}

	values := make(map[string]any)
	for _, k := range f.Section(ConfigSection).Keys() {
		values[k.Name()] = k.String()
	}
	if err := v.MergeConfigMap(values); err != nil {
		return fmt.Errorf("merge config %s: %w", path, err)
	}
	return nil
}

// fallbackInstanceID
//
// 이 ingest 프로세스를 식별하는 고유 값.
//   - 기본: hostname
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
