package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"RandChat/global/config"
	"RandChat/logger"
	"RandChat/service/nacos"
	"RandChat/tools/ids"
	"RandChat/tools/safe"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal("load config", zap.Error(err))
	}
	logger.Setup(logger.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	defer logger.Sync()
	ids.SetNodeID(ids.NodeIDFromString(cfg.NodeID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Log.Fatal("init", zap.Error(err))
	}
	defer a.close()
	a.run(ctx)

	// 1) Nacos：远端配置热更新 + 实例注册
	var reg *nacos.Registry
	if cfg.Nacos.Host != "" {
		reg = startNacos(ctx, cfg, a)
	}

	// 2) gRPC 健康检查
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	safe.Go("grpc.health", func() {
		lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.GrpcPort))
		if err != nil {
			logger.Error("[gRPC] listen failed", zap.Error(err))
			return
		}
		logger.Info("[gRPC] health listening", zap.Int("port", cfg.GrpcPort))
		if err := gs.Serve(lis); err != nil {
			logger.Warn("[gRPC] serve stopped", zap.Error(err))
		}
	})

	// 3) HTTP + WebSocket
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	safe.Go("http", func() {
		logger.Info("[HTTP] listening", zap.Int("port", cfg.Port), zap.String("processId", cfg.NodeID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("[HTTP] serve failed", zap.Error(err))
			stop()
		}
	})

	<-ctx.Done()
	logger.Info("shutting down", zap.String("processId", cfg.NodeID))

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if reg != nil {
		reg.Deregister()
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	a.shutdown(sctx)
	gs.GracefulStop()
}

func startNacos(ctx context.Context, cfg *config.AppConfig, a *app) *nacos.Registry {
	nc := nacos.Config{
		Host:      cfg.Nacos.Host,
		Port:      cfg.Nacos.Port,
		Namespace: cfg.Nacos.Namespace,
		Username:  cfg.Nacos.Username,
		Password:  cfg.Nacos.Password,
	}
	cc, err := nacos.NewConfigClient(nc)
	if err != nil {
		logger.Warn("[Nacos] config client unavailable, using local config", zap.Error(err))
	} else {
		w := nacos.NewWatcher(cc, cfg.Nacos.DataID, cfg.Nacos.Group)
		safe.Go("nacos.watch", func() {
			if err := w.Watch(ctx, func(data string) { a.applyRemote(data) }); err != nil {
				logger.Warn("[Nacos] watch stopped", zap.Error(err))
			}
		})
	}

	if !cfg.Nacos.Register {
		return nil
	}
	naming, err := nacos.NewNamingClient(nc)
	if err != nil {
		logger.Warn("[Nacos] naming client unavailable", zap.Error(err))
		return nil
	}
	reg := nacos.NewRegistry(naming, cfg.Nacos.Service, localIP(), uint64(cfg.Port))
	if err := reg.Register(cfg.NodeID); err != nil {
		logger.Warn("[Nacos] register failed", zap.Error(err))
		return nil
	}
	return reg
}

// localIP 第一个非回环 IPv4
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return "127.0.0.1"
}
