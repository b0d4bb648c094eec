// Package config loads configuration for the offline engine and the proxy
// daemon from a YAML file with environment overrides.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

var ErrConfigPathIsEmpty = errors.New("config path is empty")

type Config struct {
	App          `yaml:"app"`
	Logger       `yaml:"log"`
	Storage      `yaml:"storage"`
	Connectivity `yaml:"connectivity"`
	Sync         `yaml:"sync"`
	Cache        `yaml:"cache"`
	Bridge       `yaml:"bridge"`
}

type App struct {
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME" env-default:"agropulse-proxyd"`
	Version     string `yaml:"version" env:"APP_VERSION" env-default:"v1"`
}

type Logger struct {
	Level      string   `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	FormatJSON bool     `yaml:"format_json" env:"LOG_FORMAT_JSON" env-default:"true"`
	Rotation   Rotation `yaml:"rotation"`
}

type Rotation struct {
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size" env-default:"10"`
	MaxBackups int    `yaml:"max_backups" env-default:"3"`
	MaxAge     int    `yaml:"max_age" env-default:"14"`
}

type Storage struct {
	DataDir string `yaml:"data_dir" env:"DATA_DIR" env-default:"./data"`
}

type Connectivity struct {
	ProbeURL      string        `yaml:"probe_url" env:"PROBE_URL"`
	ProbeInterval time.Duration `yaml:"probe_interval" env-default:"15s"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" env-default:"5s"`
}

type Sync struct {
	MessageEndpoint string        `yaml:"message_endpoint" env:"MESSAGE_ENDPOINT"`
	ListingEndpoint string        `yaml:"listing_endpoint" env:"LISTING_ENDPOINT"`
	Interval        time.Duration `yaml:"interval" env-default:"5m"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env-default:"30s"`
}

type Cache struct {
	DefaultTTL      time.Duration `yaml:"default_ttl" env-default:"1h"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env-default:"10m"`
	AppHosts        []string      `yaml:"app_hosts"`
	DynamicPrefixes []string      `yaml:"dynamic_prefixes"`
	StaticAssets    []string      `yaml:"static_assets"`
	OfflinePagePath string        `yaml:"offline_page_path"`
}

type Bridge struct {
	Host string `yaml:"host" env:"BRIDGE_HOST" env-default:"localhost"`
	Port uint16 `yaml:"port" env:"BRIDGE_PORT" env-default:"8791"`
}

func MustLoadConfig() *Config {
	cfg, err := LoadConfig()
	if err != nil {
		panic(err)
	}

	return cfg
}

func LoadConfig() (*Config, error) {
	path := fetchConfigPath()
	if path == "" {
		return nil, ErrConfigPathIsEmpty
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	var config Config

	if err := cleanenv.ReadConfig(path, &config); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return &config, nil
}

func PrintConfig(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	println(string(data))

	return nil
}

func fetchConfigPath() string {
	var result string

	flag.StringVar(&result, "config", "", "Path to config file")
	flag.Parse()

	if result == "" {
		result = os.Getenv("CONFIG_PATH")
	}

	return result
}
