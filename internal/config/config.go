package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"Server"`
	Catalog   CatalogConfig   `mapstructure:"Catalog"`
	Storage   StorageConfig   `mapstructure:"Storage"`
	S3        S3Config        `mapstructure:"S3"`
	GCS       GCSConfig       `mapstructure:"GCS"`
	Remote    RemoteConfig    `mapstructure:"Remote"`
	Redis     RedisConfig     `mapstructure:"Redis"`
	Badger    BadgerConfig    `mapstructure:"Badger"`
	Database  DatabaseConfig  `mapstructure:"Database"`
	Limits    LimitsConfig    `mapstructure:"Limits"`
	Transcode TranscodeConfig `mapstructure:"Transcode"`
	Log       LogConfig       `mapstructure:"Log"`
}

type ServerConfig struct {
	Port             string        `mapstructure:"Port"`
	GRPCPort         string        `mapstructure:"GRPCPort"`
	BaseHost         string        `mapstructure:"BaseHost"`
	BaseURL          string        `mapstructure:"BaseURL"`
	AuthTokens       []string      `mapstructure:"AuthTokens"`
	ShutdownTimeout  time.Duration `mapstructure:"ShutdownTimeout"`
	RequestTimeout   time.Duration `mapstructure:"RequestTimeout"`
	RestoreOnStartup bool          `mapstructure:"RestoreOnStartup"`
	PlaceholderPath  string        `mapstructure:"PlaceholderPath"`
}

type CatalogConfig struct {
	Backend  string `mapstructure:"Backend"`
	FilePath string `mapstructure:"FilePath"`
}

type StorageConfig struct {
	Backend   string `mapstructure:"Backend"`
	LocalRoot string `mapstructure:"LocalRoot"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"Endpoint"`
	Region          string `mapstructure:"Region"`
	AccessKeyID     string `mapstructure:"AccessKeyID"`
	SecretAccessKey string `mapstructure:"SecretAccessKey"`
	Bucket          string `mapstructure:"Bucket"`
	UsePathStyle    bool   `mapstructure:"UsePathStyle"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"Bucket"`
	ProjectID       string `mapstructure:"ProjectID"`
	CredentialsFile string `mapstructure:"CredentialsFile"`
	EmulatorHost    string `mapstructure:"EmulatorHost"`
}

type RemoteConfig struct {
	BaseURL string        `mapstructure:"BaseURL"`
	Token   string        `mapstructure:"Token"`
	Timeout time.Duration `mapstructure:"Timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"Addr"`
	Password string `mapstructure:"Password"`
	DB       int    `mapstructure:"DB"`
	Prefix   string `mapstructure:"Prefix"`
	// DumpPath: путь к dump.rdb, доступный этому процессу (общий том с redis).
	DumpPath string `mapstructure:"DumpPath"`
}

type BadgerConfig struct {
	Dir string `mapstructure:"Dir"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"Host"`
	Port     string `mapstructure:"Port"`
	User     string `mapstructure:"User"`
	Password string `mapstructure:"Password"`
	Name     string `mapstructure:"Name"`
	SSLMode  string `mapstructure:"SSLMode"`
}

type LimitsConfig struct {
	Namespaces       []string      `mapstructure:"Namespaces"`
	AllowedMimetypes []string      `mapstructure:"AllowedMimetypes"`
	MaxPayloadSize   int64         `mapstructure:"MaxPayloadSize"`
	BaseTimeout      time.Duration `mapstructure:"BaseTimeout"`
	QueueCapacity    int           `mapstructure:"QueueCapacity"`
	RateLimitWindow  time.Duration `mapstructure:"RateLimitWindow"`
	RateLimitCount   int           `mapstructure:"RateLimitCount"`
}

type TranscodeConfig struct {
	Encoder       string `mapstructure:"Encoder"`
	TargetSizeKB  int    `mapstructure:"TargetSizeKB"`
	MaxWidth      int    `mapstructure:"MaxWidth"`
	MaxHeight     int    `mapstructure:"MaxHeight"`
	MaxIterations int    `mapstructure:"MaxIterations"`
	StartQuality  int    `mapstructure:"StartQuality"`
	VideoToMP4    bool   `mapstructure:"VideoToMP4"`
	VideoTempDir  string `mapstructure:"VideoTempDir"`

	RenditionCacheSize int           `mapstructure:"RenditionCacheSize"`
	RenditionCacheTTL  time.Duration `mapstructure:"RenditionCacheTTL"`
}

type LogConfig struct {
	Mode string `mapstructure:"Mode"`
}

// binding связывает ключ конфигурации с переменной окружения и значением по умолчанию.
type binding struct {
	key string
	env string
	def any
}

var bindings = []binding{
	{"Server.Port", "HTTP_PORT", "2525"},
	{"Server.GRPCPort", "GRPC_PORT", "50051"},
	{"Server.BaseHost", "BASE_HOST", "http://localhost:2525"},
	{"Server.BaseURL", "BASE_URL", ""},
	{"Server.AuthTokens", "AUTH_TOKENS", ""},
	{"Server.ShutdownTimeout", "SHUTDOWN_TIMEOUT", "30s"},
	{"Server.RequestTimeout", "REQUEST_TIMEOUT", "5m"},
	{"Server.RestoreOnStartup", "RESTORE_ON_STARTUP", true},
	{"Server.PlaceholderPath", "PLACEHOLDER_PATH", ""},

	{"Catalog.Backend", "CATALOG_BACKEND", "file"},
	{"Catalog.FilePath", "CATALOG_FILE", "./data/catalog.json"},

	{"Storage.Backend", "STORAGE_BACKEND", "local"},
	{"Storage.LocalRoot", "STORAGE_LOCAL_ROOT", "./data/blobs"},

	{"S3.Endpoint", "S3_ENDPOINT", "https://storage.yandexcloud.net"},
	{"S3.Region", "S3_REGION", "ru-central1"},
	{"S3.AccessKeyID", "S3_ACCESS_KEY_ID", ""},
	{"S3.SecretAccessKey", "S3_SECRET_ACCESS_KEY", ""},
	{"S3.Bucket", "S3_BUCKET", ""},
	{"S3.UsePathStyle", "S3_USE_PATH_STYLE", false},

	{"GCS.Bucket", "GCS_BUCKET", ""},
	{"GCS.ProjectID", "GCS_PROJECT_ID", ""},
	{"GCS.CredentialsFile", "GCS_CREDENTIALS_FILE", ""},
	{"GCS.EmulatorHost", "STORAGE_EMULATOR_HOST", ""},

	{"Remote.BaseURL", "REMOTE_BASE_URL", ""},
	{"Remote.Token", "REMOTE_TOKEN", ""},
	{"Remote.Timeout", "REMOTE_TIMEOUT", "30s"},

	{"Redis.Addr", "REDIS_ADDR", "localhost:6379"},
	{"Redis.Password", "REDIS_PASSWORD", ""},
	{"Redis.DB", "REDIS_DB", 0},
	{"Redis.Prefix", "REDIS_PREFIX", "assetvault"},
	{"Redis.DumpPath", "REDIS_DUMP_PATH", ""},

	{"Badger.Dir", "BADGER_DIR", "./data/badger"},

	{"Database.Host", "DATABASE_HOST", "localhost"},
	{"Database.Port", "DATABASE_PORT", "5432"},
	{"Database.User", "DATABASE_USER", ""},
	{"Database.Password", "DATABASE_PASSWORD", ""},
	{"Database.Name", "DATABASE_NAME", "assetvault"},
	{"Database.SSLMode", "DATABASE_SSLMODE", "disable"},

	{"Limits.Namespaces", "NAMESPACES", "DEV"},
	{"Limits.AllowedMimetypes", "ALLOWED_MIMETYPES", "image/png,image/jpeg,image/webp,image/gif,video/mp4,application/pdf"},
	{"Limits.MaxPayloadSize", "MAX_PAYLOAD_SIZE", int64(50 << 20)},
	{"Limits.BaseTimeout", "BASE_TIMEOUT", "30s"},
	{"Limits.QueueCapacity", "QUEUE_CAPACITY", 64},
	{"Limits.RateLimitWindow", "RATE_LIMIT_WINDOW", "1m"},
	{"Limits.RateLimitCount", "RATE_LIMIT_COUNT", 100},

	{"Transcode.Encoder", "TRANSCODE_ENCODER", "vips"},
	{"Transcode.TargetSizeKB", "TRANSCODE_TARGET_KB", 200},
	{"Transcode.MaxWidth", "TRANSCODE_MAX_WIDTH", 1920},
	{"Transcode.MaxHeight", "TRANSCODE_MAX_HEIGHT", 1080},
	{"Transcode.MaxIterations", "TRANSCODE_MAX_ITERATIONS", 3},
	{"Transcode.StartQuality", "TRANSCODE_START_QUALITY", 80},
	{"Transcode.VideoToMP4", "TRANSCODE_VIDEO_TO_MP4", false},
	{"Transcode.VideoTempDir", "TRANSCODE_VIDEO_TMP", os.TempDir()},
	{"Transcode.RenditionCacheSize", "RENDITION_CACHE_SIZE", 512},
	{"Transcode.RenditionCacheTTL", "RENDITION_CACHE_TTL", "10m"},

	{"Log.Mode", "LOG_MODE", "dev"},
}

// NewConfig читает конфигурацию из env-файла (если он есть) и переменных окружения.
// Переменные окружения имеют приоритет над значениями из файла.
func NewConfig(path string) (*Config, error) {
	v := viper.New()

	// Значения из файла кладём как дефолты, чтобы env их перекрывал
	file := viper.New()
	if path != "" {
		file.SetConfigFile(path)
		file.SetConfigType("env")
		if err := file.ReadInConfig(); err != nil {
			fmt.Printf("Warning: using only environment variables: %v\n", err)
		}
	}

	for _, b := range bindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", b.env, err)
		}
		if file.IsSet(strings.ToLower(b.env)) {
			v.SetDefault(b.key, file.Get(strings.ToLower(b.env)))
			continue
		}
		v.SetDefault(b.key, b.def)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Limits.Namespaces = cleanList(c.Limits.Namespaces)
	c.Limits.AllowedMimetypes = cleanList(c.Limits.AllowedMimetypes)
	c.Server.AuthTokens = cleanList(c.Server.AuthTokens)
	c.Server.BaseHost = strings.TrimRight(c.Server.BaseHost, "/")
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = c.Server.BaseHost + "/files"
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")
	c.Catalog.Backend = strings.ToLower(strings.TrimSpace(c.Catalog.Backend))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Transcode.Encoder = strings.ToLower(strings.TrimSpace(c.Transcode.Encoder))
}

// cleanList разворачивает элементы через запятую и убирает пустые.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate проверяет согласованность конфигурации.
func (c *Config) Validate() error {
	switch c.Catalog.Backend {
	case "file", "redis", "badger", "postgres":
	default:
		return fmt.Errorf("unknown catalog backend %q", c.Catalog.Backend)
	}
	switch c.Storage.Backend {
	case "local", "s3", "gcs", "remote":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Transcode.Encoder {
	case "vips", "native":
	default:
		return fmt.Errorf("unknown transcode encoder %q", c.Transcode.Encoder)
	}
	if len(c.Limits.Namespaces) == 0 {
		return fmt.Errorf("at least one namespace is required")
	}
	if c.Limits.BaseTimeout <= 0 {
		return fmt.Errorf("base timeout must be positive, got %s", c.Limits.BaseTimeout)
	}
	if c.Limits.RateLimitWindow <= 0 || c.Limits.RateLimitCount <= 0 {
		return fmt.Errorf("rate limit window and count must be positive")
	}
	if c.Catalog.Backend == "postgres" && (c.Database.User == "" || c.Database.Name == "") {
		return fmt.Errorf("database configuration is incomplete: host=%s, port=%s, user=%s, name=%s",
			c.Database.Host, c.Database.Port, c.Database.User, c.Database.Name)
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

// GetURL возвращает DSN в URL-форме для golang-migrate.
func (c *DatabaseConfig) GetURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
		c.SSLMode,
	)
}
