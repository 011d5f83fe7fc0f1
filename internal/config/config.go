package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env        string        `yaml:"env" env:"ENV" env-default:"local"`
	Secret     string        `yaml:"secret" env:"JWT_SECRET" env-required:"true"`
	TokenTTL   time.Duration `yaml:"token_ttl" env-default:"12h"`
	HTTPServer HTTPServer    `yaml:"http_server"`
	DB         DB            `yaml:"db"`
	Recorder   Recorder      `yaml:"recorder"`
	Preview    Preview       `yaml:"preview"`
}

type HTTPServer struct {
	Address     string        `yaml:"address" env-default:"localhost:9002"`
	Timeout     time.Duration `yaml:"timeout" env-default:"10s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

type DB struct {
	Host     string `yaml:"host" env-default:"localhost"`
	Port     string `yaml:"port" env-default:"5432"`
	Username string `yaml:"username" env-default:"postgres"`
	DBName   string `yaml:"dbname" env-default:"visionary"`
	SSLMode  string `yaml:"sslmode" env-default:"disable"`
	Password string `yaml:"-"`
}

type Recorder struct {
	RecordingsPath  string        `yaml:"recordings_path" env-default:"./recordings"`
	SegmentDuration time.Duration `yaml:"segment_duration" env-default:"5m"`
	RetryInterval   time.Duration `yaml:"retry_interval" env-default:"10s"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env-default:"1h"`
	MaxStorageGB    int           `yaml:"max_storage_gb" env-default:"500"`
	CheckCamera     bool          `yaml:"check_camera" env-default:"true"`
}

type Preview struct {
	// Sink selects the output strategy for all preview sessions:
	// "mpegts" pushes raw encoded bytes to WebSocket viewers,
	// "hls" publishes a segmented playlist on disk.
	Sink         string        `yaml:"sink" env-default:"mpegts"`
	HLSPath      string        `yaml:"hls_path" env-default:"./hls"`
	StartTimeout time.Duration `yaml:"start_timeout" env-default:"10s"`
	PollInterval time.Duration `yaml:"poll_interval" env-default:"500ms"`
}

func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		panic("CONFIG_PATH is not set")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	return &cfg
}
