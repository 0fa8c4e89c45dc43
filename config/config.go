package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	Worker struct {
		Addr string `yaml:"addr"`
	} `yaml:"worker"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`
	Pipeline struct {
		ProviderTimeoutSec int `yaml:"provider_timeout_sec"` // per external provider call
		RetryAttempts      int `yaml:"retry_attempts"`
		RetryBackoffMs     int `yaml:"retry_backoff_ms"`
		VideoConcurrency   int `yaml:"video_concurrency"` // clip generations in flight per scene
	} `yaml:"pipeline"`
}

var AppConfig *Config

func InitConfig() {
	f, err := os.Open("config/config.yaml")
	if err != nil {
		log.Fatalf("read config failed: %v", err)
	}
	defer f.Close()
	decoder := yaml.NewDecoder(f)
	AppConfig = &Config{}
	if err := decoder.Decode(AppConfig); err != nil {
		log.Fatalf("parse config failed: %v", err)
	}
	applyDefaults(AppConfig)
}

func applyDefaults(c *Config) {
	if c.Pipeline.ProviderTimeoutSec <= 0 {
		c.Pipeline.ProviderTimeoutSec = 600
	}
	if c.Pipeline.RetryAttempts <= 0 {
		c.Pipeline.RetryAttempts = 3
	}
	if c.Pipeline.RetryBackoffMs <= 0 {
		c.Pipeline.RetryBackoffMs = 2000
	}
	if c.Pipeline.VideoConcurrency <= 0 {
		c.Pipeline.VideoConcurrency = 2
	}
}
