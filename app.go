package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"RandChat/data/database/mgo/mongoutil"
	"RandChat/global"
	"RandChat/global/config"
	"RandChat/logger"
	mid "RandChat/middleware"
	midsec "RandChat/middleware/security"
	"RandChat/module/chat/archive"
	"RandChat/module/chat/ledger"
	usersvc "RandChat/module/user/service"
	"RandChat/service/bus"
	"RandChat/service/chat"
	"RandChat/service/chat/handlers"
	"RandChat/service/game"
	"RandChat/service/kafka"
	"RandChat/service/matcher"
	"RandChat/service/mgo"
	"RandChat/service/natsx"
	"RandChat/service/pg"
	"RandChat/service/presence"
	"RandChat/service/ratelimit"
	redisx "RandChat/service/storage/redis"
	"RandChat/service/session"
	"RandChat/tools/errs"
	"RandChat/tools/safe"
	"RandChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const wsPath = "/ws"

// app 进程内全部组件，启动时构造一次
type app struct {
	mu  sync.Mutex
	cfg *config.AppConfig

	rdb      *redis.Client
	pool     *pgxpool.Pool
	mongo    *mgo.Manager
	producer *kafka.Producer
	nc       *natsx.Client

	conns    *chat.ConnManager
	presence *presence.Registry
	bus      *bus.Bus
	sessions *session.Router
	matcher  *matcher.Matcher
	games    *game.Machine
	limiter  *ratelimit.Limiter
	srv      *chat.Server
	tokens   *security.Verifier

	archiveRouter *kafka.Router
	kafkaConf     kafka.Config
}

func newApp(ctx context.Context, cfg *config.AppConfig) (*app, error) {
	a := &app{cfg: cfg}
	pid := cfg.NodeID
	t := cfg.Tuning

	// ---- 共享存储 ----
	rdb, err := redisx.NewClient(ctx, redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, err
	}
	a.rdb = rdb

	// ---- 进程间投递 ----
	a.conns = chat.NewConnManager(chat.ManagerConf{})
	a.presence = presence.NewRegistry(rdb, presence.Config{TTL: t.PresenceTTL})
	var transport bus.Transport
	switch cfg.BusTransport {
	case config.BusNats:
		nc, err := natsx.Connect(natsx.Config{
			Servers:  cfg.Nats.Servers,
			Name:     "randchat-" + pid,
			User:     cfg.Nats.User,
			Password: cfg.Nats.Password,
		}, natsx.Recover(), natsx.SlowLog(200*time.Millisecond), natsx.IdemMiddleware(natsx.NewMemIdem(ctx, time.Minute), time.Minute))
		if err != nil {
			return nil, err
		}
		a.nc = nc
		transport = bus.NewNats(nc)
	default:
		transport = bus.NewMailbox(rdb, bus.MailboxConfig{PollEvery: t.MailboxPoll, TTL: t.MailboxTTL})
	}
	a.bus = bus.New(pid, a.conns, a.presence, transport)

	// ---- 会话 / 匹配 / 破冰 / 限流 ----
	a.sessions = session.NewRouter(rdb, a.bus, session.Config{TTL: t.SessionTTL})
	a.matcher = matcher.NewMatcher(rdb, a.sessions, matcher.Config{
		ProcessID:       pid,
		StaleAfter:      t.QueueStaleAfter,
		SessionTTL:      t.SessionTTL,
		DisableDegraded: !t.DegradedMatching,
	})
	a.games = game.NewMachine(rdb, a.sessions, game.Config{RoundTTL: t.RoundTTL, CleanupDelay: t.RevealCleanupDelay})
	a.limiter = ratelimit.NewLimiter(rdb, limitRules(t))

	deps := chat.Deps{
		Conns:    a.conns,
		Presence: a.presence,
		Matcher:  a.matcher,
		Sessions: a.sessions,
		Games:    a.games,
		Limiter:  a.limiter,
		Bus:      a.bus,
	}

	// ---- 可选：Postgres 台账与用户资料 ----
	if cfg.Postgres.URL != "" {
		pool, err := pg.NewPool(ctx, pg.Config{URL: cfg.Postgres.URL, MaxConns: cfg.Postgres.MaxConns})
		if err != nil {
			logger.Warn("[App] postgres unavailable, ledger disabled", zap.Error(err))
		} else {
			a.pool = pool
			l := ledger.New(pool)
			if err := l.EnsureSchema(ctx); err != nil {
				logger.Warn("[App] ensure ledger schema failed", zap.Error(err))
			}
			deps.Ledger = l
			deps.Profiles = usersvc.NewDirectory(pool, rdb, t.UserCacheTTL)
		}
	}

	// ---- 可选：消息归档（Kafka → Mongo，或直写 Mongo）----
	var mongoSink archive.Writer
	if cfg.Mongo.URI != "" {
		a.mongo = mgo.NewManager(&mongoutil.Config{
			Uri:         cfg.Mongo.URI,
			Database:    cfg.Mongo.Database,
			Username:    cfg.Mongo.Username,
			Password:    cfg.Mongo.Password,
			MaxPoolSize: cfg.Mongo.MaxPoolSize,
		})
		mongoSink = archive.NewMongoWriter(a.mongo.TryDB)
		deps.Archive = mongoSink
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kc := kafka.DefaultConfig()
		kc.Brokers = cfg.Kafka.Brokers
		kc.Topic = cfg.Kafka.Topic
		kc.GroupID = cfg.Kafka.GroupID
		if kc.EnsureTopics {
			if err := kafka.EnsureTopicsFor(kc, kc.Topic); err != nil {
				logger.Warn("[App] ensure kafka topic failed", zap.Error(err))
			}
		}
		p, err := kafka.NewProducer(kc)
		if err != nil {
			logger.Warn("[App] kafka producer unavailable", zap.Error(err))
		} else {
			a.producer = p
			deps.Archive = archive.NewKafkaWriter(p, kc.Topic)
			if cfg.Kafka.RunArchiver && mongoSink != nil {
				a.archiveRouter = kafka.NewRouter()
				a.archiveRouter.Register(kc.Topic, archive.NewArchiver(mongoSink).Handle)
				a.kafkaConf = kc
			}
		}
	}

	if cfg.JWT.Secret != "" {
		opts := security.DefaultOptions([]byte(cfg.JWT.Secret))
		opts.Alg = cfg.JWT.Alg
		a.tokens = security.NewVerifier(opts)
		deps.Tokens = a.tokens
	}

	a.srv = chat.NewServer(chat.Config{
		ProcessID:   pid,
		PingEvery:   t.PingEvery,
		CheckOrigin: mid.OriginAllowed(cfg.AllowedOrigins),
	}, deps)
	handlers.RegisterAll(a.srv)
	return a, nil
}

func limitRules(t config.Tuning) map[string]ratelimit.Rule {
	return map[string]ratelimit.Rule{
		ratelimit.ActionMessage:     {Max: t.MessageLimit, Window: t.LimitWindow},
		ratelimit.ActionMatchmaking: {Max: t.MatchmakingLimit, Window: t.LimitWindow},
	}
}

// run 启动后台循环，全部随 ctx 结束
func (a *app) run(ctx context.Context) {
	pid := a.cfg.NodeID
	safe.Go("conns.sweep", func() { a.conns.Run(ctx) })
	safe.Go("presence", func() { a.presence.Run(ctx, pid) })
	safe.Go("matcher.sweep", func() { a.matcher.Run(ctx) })
	safe.Go("sessions", func() { a.sessions.Run(ctx) })
	safe.Go("bus", func() {
		if err := a.bus.Run(ctx); err != nil {
			logger.Error("[App] bus stopped", zap.Error(err))
		}
	})
	if a.mongo != nil {
		a.mongo.Start(ctx)
	}
	if a.archiveRouter != nil {
		safe.Go("kafka.archiver", func() {
			if err := kafka.RunConsumerGroup(ctx, a.kafkaConf, a.archiveRouter); err != nil {
				logger.Warn("[App] archiver stopped", zap.Error(err))
			}
		})
	}
}

func (a *app) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mid.NewManager(mid.Origin(wsPath, a.cfg.AllowedOrigins)).Use())

	r.GET(wsPath, a.srv.HandleWS)
	r.GET("/healthz", a.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	mid.GET(r, "/api/stats", a.srv.HandleStats, mid.RouteOpt{})

	auth := midsec.DefaultOptions(nil)
	if a.tokens != nil {
		auth.Verifier = a.tokens
	}
	mid.GET(r, "/api/sessions/recent", a.srv.HandleRecentSessions, mid.RouteOpt{IsAuth: true, Auth: auth})
	return r
}

func (a *app) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, global.Fail(http.StatusServiceUnavailable, errs.ErrStoreUnavailable.WrapMsg("redis ping", "err", err)))
		return
	}
	c.JSON(http.StatusOK, global.Success(gin.H{"processId": a.cfg.NodeID}))
}

// applyRemote Nacos 下发的 YAML：只热更新限流与揭晓延迟，其它字段下次启动生效
func (a *app) applyRemote(data string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := *a.cfg
	if err := next.ApplyYAML([]byte(data)); err != nil {
		logger.Warn("[App] remote config rejected", zap.Error(err))
		return
	}
	a.cfg = &next
	for action, rule := range limitRules(next.Tuning) {
		a.limiter.SetLimit(action, rule)
	}
	a.games.SetCleanupDelay(next.Tuning.RevealCleanupDelay)
	logger.Info("[App] remote config applied",
		zap.Int64("messageLimit", next.Tuning.MessageLimit),
		zap.Int64("matchmakingLimit", next.Tuning.MatchmakingLimit),
		zap.Duration("revealCleanupDelay", next.Tuning.RevealCleanupDelay))
}

// shutdown 关闭本进程连接并注销进程标记；用户的在线记录由其它进程按 TTL 回收
func (a *app) shutdown(ctx context.Context) {
	a.conns.CloseAll()
	if err := a.presence.RetireProcess(ctx, a.cfg.NodeID); err != nil {
		logger.Warn("[App] retire process failed", zap.Error(err))
	}
}

func (a *app) close() {
	if a.producer != nil {
		_ = a.producer.Close()
	}
	if a.nc != nil {
		_ = a.nc.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}
