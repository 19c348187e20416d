// Package config 进程配置：默认值 → .env → 环境变量 → Nacos YAML（可热更新部分字段）。
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"RandChat/tools"
	"RandChat/tools/errs"
	"RandChat/tools/ids"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const (
	BusMailbox = "mailbox"
	BusNats    = "nats"
)

type RedisConf struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type PostgresConf struct {
	URL      string `mapstructure:"url"` // 为空则不启用台账/用户资料
	MaxConns int32  `mapstructure:"max_conns"`
}

type MongoConf struct {
	URI         string `mapstructure:"uri"` // 为空则不启用消息归档
	Database    string `mapstructure:"database"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	MaxPoolSize int    `mapstructure:"max_pool_size"`
}

type KafkaConf struct {
	Brokers     []string `mapstructure:"brokers"` // 为空则消息直接写 Mongo
	Topic       string   `mapstructure:"topic"`
	GroupID     string   `mapstructure:"group_id"`
	RunArchiver bool     `mapstructure:"run_archiver"` // 本进程是否同时消费并落库
}

type NatsConf struct {
	Servers  []string `mapstructure:"servers"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type JWTConf struct {
	Secret string `mapstructure:"secret"` // 为空时 authenticate 不校验 token
	Alg    string `mapstructure:"alg"`
}

type NacosConf struct {
	Host      string `mapstructure:"host"` // 为空则不连 Nacos
	Port      uint64 `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
	Group     string `mapstructure:"group"`
	DataID    string `mapstructure:"data_id"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Register  bool   `mapstructure:"register"` // 把本进程注册为服务实例
	Service   string `mapstructure:"service"`
}

// Tuning 运行期参数
type Tuning struct {
	PresenceTTL        time.Duration `mapstructure:"presence_ttl"`
	QueueStaleAfter    time.Duration `mapstructure:"queue_stale_after"`
	SessionTTL         time.Duration `mapstructure:"session_ttl"`
	RoundTTL           time.Duration `mapstructure:"round_ttl"`
	RevealCleanupDelay time.Duration `mapstructure:"reveal_cleanup_delay"`
	MailboxPoll        time.Duration `mapstructure:"mailbox_poll"`
	MailboxTTL         time.Duration `mapstructure:"mailbox_ttl"`
	PingEvery          time.Duration `mapstructure:"ping_every"`
	MessageLimit       int64         `mapstructure:"message_limit"`
	MatchmakingLimit   int64         `mapstructure:"matchmaking_limit"`
	LimitWindow        time.Duration `mapstructure:"limit_window"`
	DegradedMatching   bool          `mapstructure:"degraded_matching"`
	UserCacheTTL       time.Duration `mapstructure:"user_cache_ttl"`
}

type AppConfig struct {
	NodeID         string   `mapstructure:"node_id"`
	Port           int      `mapstructure:"port"`
	GrpcPort       int      `mapstructure:"grpc_port"`
	BusTransport   string   `mapstructure:"bus_transport"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	Redis    RedisConf    `mapstructure:"redis"`
	Postgres PostgresConf `mapstructure:"postgres"`
	Mongo    MongoConf    `mapstructure:"mongo"`
	Kafka    KafkaConf    `mapstructure:"kafka"`
	Nats     NatsConf     `mapstructure:"nats"`
	JWT      JWTConf      `mapstructure:"jwt"`
	Nacos    NacosConf    `mapstructure:"nacos"`
	Tuning   Tuning       `mapstructure:"tuning"`
}

func Default() AppConfig {
	return AppConfig{
		Port:         8080,
		GrpcPort:     50051,
		BusTransport: BusMailbox,
		LogLevel:     "info",
		Redis:        RedisConf{Addr: "127.0.0.1:6379", PoolSize: 50},
		Postgres:     PostgresConf{MaxConns: 10},
		Mongo:        MongoConf{Database: "randchat", MaxPoolSize: 20},
		Kafka:        KafkaConf{Topic: "randchat.messages", GroupID: "randchat-archiver", RunArchiver: true},
		JWT:          JWTConf{Alg: "HS256"},
		Nacos:        NacosConf{Port: 8848, Namespace: "public", Group: "DEFAULT_GROUP", DataID: "randchat.yaml", Service: "randchat-gateway"},
		Tuning: Tuning{
			PresenceTTL:        30 * time.Minute,
			QueueStaleAfter:    5 * time.Minute,
			SessionTTL:         2 * time.Hour,
			RoundTTL:           30 * time.Minute,
			RevealCleanupDelay: time.Second,
			MailboxPoll:        time.Second,
			MailboxTTL:         300 * time.Second,
			PingEvery:          30 * time.Second,
			MessageLimit:       30,
			MatchmakingLimit:   10,
			LimitWindow:        time.Minute,
			DegradedMatching:   true,
			UserCacheTTL:       time.Hour,
		},
	}
}

// Load 默认值 → .env（可选）→ 环境变量
func Load(envFiles ...string) (*AppConfig, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errs.WrapMsg(err, "load .env")
	}
	c := Default()
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *AppConfig) applyEnv() {
	c.NodeID = tools.GetEnv("NODE_ID", c.NodeID)
	c.Port = tools.GetEnvInt("PORT", c.Port)
	c.GrpcPort = tools.GetEnvInt("GRPC_PORT", c.GrpcPort)
	c.BusTransport = strings.ToLower(tools.GetEnv("BUS_TRANSPORT", c.BusTransport))
	c.AllowedOrigins = tools.GetEnvList("ALLOWED_ORIGINS", c.AllowedOrigins)

	c.LogLevel = tools.GetEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = tools.GetEnv("LOG_FILE", c.LogFile)
	c.LogMaxSizeMB = tools.GetEnvInt("LOG_MAX_SIZE_MB", c.LogMaxSizeMB)
	c.LogMaxBackups = tools.GetEnvInt("LOG_MAX_BACKUPS", c.LogMaxBackups)

	c.Redis.Addr = tools.GetEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = tools.GetEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = tools.GetEnvInt("REDIS_DB", c.Redis.DB)

	c.Postgres.URL = tools.GetEnv("DATABASE_URL", c.Postgres.URL)

	c.Mongo.URI = tools.GetEnv("MONGO_URI", c.Mongo.URI)
	c.Mongo.Database = tools.GetEnv("MONGO_DATABASE", c.Mongo.Database)
	c.Mongo.Username = tools.GetEnv("MONGO_USERNAME", c.Mongo.Username)
	c.Mongo.Password = tools.GetEnv("MONGO_PASSWORD", c.Mongo.Password)

	c.Kafka.Brokers = tools.GetEnvList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topic = tools.GetEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.GroupID = tools.GetEnv("KAFKA_GROUP_ID", c.Kafka.GroupID)
	c.Kafka.RunArchiver = tools.GetEnvBool("KAFKA_RUN_ARCHIVER", c.Kafka.RunArchiver)

	c.Nats.Servers = tools.GetEnvList("NATS_URL", c.Nats.Servers)
	c.Nats.User = tools.GetEnv("NATS_USER", c.Nats.User)
	c.Nats.Password = tools.GetEnv("NATS_PASSWORD", c.Nats.Password)

	c.JWT.Secret = tools.GetEnv("JWT_SECRET", c.JWT.Secret)

	c.Nacos.Host = tools.GetEnv("NACOS_HOST", c.Nacos.Host)
	c.Nacos.Port = uint64(tools.GetEnvInt("NACOS_PORT", int(c.Nacos.Port)))
	c.Nacos.Namespace = tools.GetEnv("NACOS_NAMESPACE", c.Nacos.Namespace)
	c.Nacos.Group = tools.GetEnv("NACOS_GROUP", c.Nacos.Group)
	c.Nacos.DataID = tools.GetEnv("NACOS_DATA_ID", c.Nacos.DataID)
	c.Nacos.Username = tools.GetEnv("NACOS_USERNAME", c.Nacos.Username)
	c.Nacos.Password = tools.GetEnv("NACOS_PASSWORD", c.Nacos.Password)
	c.Nacos.Register = tools.GetEnvBool("NACOS_REGISTER", c.Nacos.Register)

	t := &c.Tuning
	t.PresenceTTL = tools.GetEnvDuration("PRESENCE_TTL", t.PresenceTTL)
	t.QueueStaleAfter = tools.GetEnvDuration("QUEUE_STALE_AFTER", t.QueueStaleAfter)
	t.SessionTTL = tools.GetEnvDuration("SESSION_TTL", t.SessionTTL)
	t.RoundTTL = tools.GetEnvDuration("ROUND_TTL", t.RoundTTL)
	t.RevealCleanupDelay = tools.GetEnvDuration("REVEAL_CLEANUP_DELAY", t.RevealCleanupDelay)
	t.MailboxPoll = tools.GetEnvDuration("MAILBOX_POLL", t.MailboxPoll)
	t.MailboxTTL = tools.GetEnvDuration("MAILBOX_TTL", t.MailboxTTL)
	t.PingEvery = tools.GetEnvDuration("PING_EVERY", t.PingEvery)
	t.MessageLimit = int64(tools.GetEnvInt("RATE_LIMIT_MESSAGES", int(t.MessageLimit)))
	t.MatchmakingLimit = int64(tools.GetEnvInt("RATE_LIMIT_MATCHMAKING", int(t.MatchmakingLimit)))
	t.LimitWindow = tools.GetEnvDuration("RATE_LIMIT_WINDOW", t.LimitWindow)
	t.DegradedMatching = tools.GetEnvBool("DEGRADED_MATCHING", t.DegradedMatching)
	t.UserCacheTTL = tools.GetEnvDuration("USER_CACHE_TTL", t.UserCacheTTL)
}

// ApplyYAML 远端 YAML 覆盖到当前配置；只出现的字段生效
func (c *AppConfig) ApplyYAML(data []byte) error {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return errs.ErrArgs.WrapMsg("parse yaml config", "err", err)
	}
	if len(m) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return errs.WrapMsg(err, "yaml decoder")
	}
	if err := dec.Decode(m); err != nil {
		return errs.ErrArgs.WrapMsg("decode yaml config", "err", err)
	}
	return c.Validate()
}

// Validate 补全进程 id 并检查取值
func (c *AppConfig) Validate() error {
	if c.NodeID == "" {
		c.NodeID = ids.NewProcessID()
	}
	switch c.BusTransport {
	case BusMailbox:
	case BusNats:
		if len(c.Nats.Servers) == 0 {
			return errs.ErrArgs.WrapMsg("nats transport needs NATS_URL")
		}
	default:
		return errs.ErrArgs.WrapMsg("unknown bus transport", "transport", c.BusTransport)
	}
	if c.Redis.Addr == "" {
		return errs.ErrArgs.WrapMsg("redis addr required")
	}
	if c.Tuning.MessageLimit <= 0 || c.Tuning.MatchmakingLimit <= 0 || c.Tuning.LimitWindow <= 0 {
		return errs.ErrArgs.WrapMsg("rate limits must be positive")
	}
	return nil
}
