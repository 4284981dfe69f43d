package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/kculz/Qonvey-sub001/internal/plans"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig          `yaml:"database"`
	Kafka    KafkaConfig             `yaml:"kafka"`
	Redis    RedisConfig             `yaml:"redis"`
	RabbitMQ RabbitMQConfig          `yaml:"rabbitmq"`
	Market   MarketConfig            `yaml:"market"`
	Plans    map[string]plans.Limits `yaml:"plans"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.Username), url.QueryEscape(d.Password), d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	LocationTopicName     string `yaml:"location_reported_topic_name"`
	BidExpiredTopicName   string `yaml:"bid_expired_topic_name"`
	LoadExpiredTopicName  string `yaml:"load_expired_topic_name"`
	LocationConsumerGroup string `yaml:"location_consumer_group"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type RabbitMQConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	VHost             string `yaml:"vhost"`
	NotificationQueue string `yaml:"notification_queue"`
}

// URL returns the AMQP URL, or "" when no host is configured.
func (r RabbitMQConfig) URL() string {
	if r.Host == "" {
		return ""
	}
	port := r.Port
	if port == 0 {
		port = 5672
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		url.QueryEscape(r.Username), url.QueryEscape(r.Password), r.Host, port, url.PathEscape(r.VHost))
}

type MarketConfig struct {
	HTTPAddr       string `yaml:"http_addr"`
	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	BidStatsTTLSeconds   int `yaml:"bid_stats_ttl_seconds"`
	DefaultBidTTLHours   int `yaml:"default_bid_ttl_hours"`
	RateLimitPerMinute   int `yaml:"rate_limit_per_minute"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	PublishAttempts      int `yaml:"publish_attempts"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
