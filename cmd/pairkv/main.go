package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Hain2000/pairkv"
	"github.com/Hain2000/pairkv/index"
	"github.com/Hain2000/pairkv/oplog"
	http_protocol "github.com/Hain2000/pairkv/protocol/http"
	resp_protocol "github.com/Hain2000/pairkv/protocol/resp"
	"github.com/Hain2000/pairkv/swarm"
	"github.com/Hain2000/pairkv/utils"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	var (
		dir        = flag.String("dir", "./pairkv-data", "Data directory, empty keeps everything in memory")
		listen     = flag.String("listen", "127.0.0.1:7400", "Swarm listen address")
		peers      = flag.String("peers", "", "Comma separated swarm peer addresses")
		transport  = flag.String("transport", "ws", "Swarm transport: ws, grpc")
		httpAddr   = flag.String("http", "", "HTTP API address, empty disables it")
		respAddr   = flag.String("resp", "", "RESP API address, empty disables it")
		invite     = flag.String("invite", "", "Invite code used to pair with an existing store")
		indexType  = flag.String("index", "btree", "View backend: btree, pebble, badger, leveldb")
		logBackend = flag.String("log-backend", "wal", "Writer log backend: wal, bolt, memory")
		syncWrite  = flag.Bool("sync", false, "Sync every append to disk")
		refresh    = flag.String("refresh", "@every 30s", "Cron schedule for reconnecting to peers")
		debug      = flag.Bool("debug", false, "Development logging")
	)
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	idx, err := index.ParseIdxType(*indexType)
	if err != nil {
		logger.Fatal("bad -index", zap.Error(err))
	}
	logType, err := oplog.ParseType(*logBackend)
	if err != nil {
		logger.Fatal("bad -log-backend", zap.Error(err))
	}

	sw, err := newSwarm(*transport, *listen, splitPeers(*peers), logger.Named("swarm"))
	if err != nil {
		logger.Fatal("failed to start swarm", zap.Error(err))
	}
	defer sw.Close()

	opts := pairkv.DefaultOptions
	opts.DirPath = *dir
	opts.Swarm = sw
	opts.IndexType = idx
	opts.LogType = logType
	opts.SyncWrite = *syncWrite
	opts.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pass, err := openOrPair(ctx, opts, *invite, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer func() {
		logger.Info("closing store")
		if err := pass.Close(); err != nil {
			logger.Error("close store", zap.Error(err))
		}
	}()

	logger.Info("store ready",
		zap.String("key", utils.Z32.EncodeToString(pass.Key())),
		zap.String("writerKey", utils.Z32.EncodeToString(pass.WriterKey())),
		zap.Bool("writable", pass.Writable()))
	if pass.Writable() {
		if code, err := pass.CreateInvite(ctx); err == nil {
			logger.Info("share this invite to pair another device", zap.String("invite", code))
		}
	}

	var wg sync.WaitGroup

	// 每次更新打印全部记录
	updates, cancelUpdates := pass.Updates()
	defer cancelUpdates()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-updates:
				if !ok {
					return
				}
				var fields []zap.Field
				for k, v := range pass.List("") {
					fields = append(fields, zap.Any(k, v))
				}
				logger.Info("store updated", zap.Bool("writable", pass.Writable()), zap.Dict("records", fields...))
			}
		}
	}()

	var httpServer *http_protocol.Server
	if *httpAddr != "" {
		httpServer = http_protocol.NewServer(pass, *httpAddr, logger.Named("http"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpServer.Start(); err != nil {
				logger.Error("http server failed", zap.Error(err))
			}
		}()
	}

	var respServer *resp_protocol.Server
	if *respAddr != "" {
		respServer = resp_protocol.NewServer(pass, *respAddr, logger.Named("resp"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("resp server listening", zap.String("addr", *respAddr))
			if err := respServer.Start(); err != nil {
				logger.Error("resp server failed", zap.Error(err))
			}
		}()
	}

	// 定时重新连接对端
	c := cron.New()
	if _, err := c.AddFunc(*refresh, func() {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := pass.Refresh(rctx); err != nil && !errors.Is(err, swarm.ErrNoPeers) {
			logger.Warn("refresh failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("bad -refresh schedule", zap.Error(err))
	}
	c.Start()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}
	if respServer != nil {
		_ = respServer.Close()
	}
	cancelUpdates()
	wg.Wait()
}

func openOrPair(ctx context.Context, opts pairkv.Options, invite string, logger *zap.Logger) (*pairkv.Pass, error) {
	initialized, err := pairkv.Initialized(opts.DirPath)
	if err != nil {
		return nil, err
	}
	if invite == "" || initialized {
		return pairkv.Open(opts)
	}
	logger.Info("pairing with invite")
	pr := pairkv.Pair(opts, invite)
	defer pr.Close()
	return pr.Finished(ctx)
}

// newSwarm 所有节点必须使用同一种传输
func newSwarm(transport, listen string, peers []string, logger *zap.Logger) (swarm.Swarm, error) {
	switch transport {
	case "ws", "websocket":
		return swarm.NewWebSocket(swarm.WebSocketOptions{ListenAddr: listen, Peers: peers, Logger: logger})
	case "grpc":
		return swarm.NewGRPC(swarm.GRPCOptions{ListenAddr: listen, Peers: peers, Logger: logger})
	}
	return nil, fmt.Errorf("unknown swarm transport %q", transport)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func splitPeers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
