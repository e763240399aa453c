package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/dense-identity/callctl/internal/callmanager"
	"github.com/dense-identity/callctl/internal/config"
	"github.com/dense-identity/callctl/internal/control"
	"github.com/dense-identity/callctl/internal/delegate"
	"github.com/dense-identity/callctl/internal/engine"
	"github.com/dense-identity/callctl/internal/engine/baresip"
	"github.com/dense-identity/callctl/internal/engine/loopback"
	"github.com/dense-identity/callctl/internal/event"
	"github.com/dense-identity/callctl/internal/httpapi"
	"github.com/dense-identity/callctl/internal/logging"
	"github.com/dense-identity/callctl/internal/notify"
)

func main() {
	envFile := flag.String("env", "", "env file to load (default .env when present)")
	interactive := flag.Bool("i", true, "read commands from stdin")
	flag.Parse()

	if *envFile != "" {
		os.Setenv("ENV_FILE", *envFile)
	}
	if err := config.LoadEnv(); err != nil {
		log.Fatalf("Failed to load env: %v", err)
	}
	cfg, err := config.LoadDaemon()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logging.Init(logging.Options{
		Level:        cfg.Log.Level,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		MaxSizeMB:    cfg.Log.MaxSizeMB,
		MaxBackups:   cfg.Log.MaxBackups,
	}); err != nil {
		log.Fatalf("Failed to init logging: %v", err)
	}
	defer logging.Close()
	lg := logging.Named("callctl")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := newEngine(cfg)
	defer eng.Close()

	feed := delegate.NewBroadcaster(64, logging.Named("feed"))
	host := delegate.Fanout{logDelegate(logging.Named("notify")), feed}
	if cfg.Redis.Enabled {
		pub, err := notify.New(notify.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, logging.Named("redis"))
		if err != nil {
			lg.Fatalf("Failed to start redis publisher: %v", err)
		}
		defer pub.Close()
		host = append(host, pub)
	}

	mgr := callmanager.New(eng, host, callmanager.Options{
		SubmitDelay:  cfg.SubmitDelay,
		Tombstones:   cfg.Tombstones,
		TombstoneTTL: cfg.TombstoneTTL,
	}, logging.Named("manager"))
	mgr.Start(ctx)

	mgr.InitializeAndPrepare()
	if cfg.ProxyAddr != "" {
		mgr.SetProxyServerAddress(cfg.ProxyAddr)
	}
	if cfg.DefaultAccount != "" {
		mgr.SetDefaultAccount(cfg.DefaultAccount, cfg.DefaultPassword)
	}

	var gs *grpc.Server
	if cfg.GrpcAddr != "" {
		lis, err := net.Listen("tcp", cfg.GrpcAddr)
		if err != nil {
			lg.Fatalf("Failed to listen on %s: %v", cfg.GrpcAddr, err)
		}
		gs = grpc.NewServer()
		control.NewServer(mgr, feed, logging.Named("control")).Register(gs)
		go func() {
			lg.Infof("CallControl gRPC listening on %s", cfg.GrpcAddr)
			if err := gs.Serve(lis); err != nil {
				lg.Errorf("gRPC server stopped: %v", err)
			}
		}()
	}

	var hs *http.Server
	if cfg.HTTPAddr != "" {
		hs = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           httpapi.NewHandler(mgr, feed, logging.Named("http")).NewRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			lg.Infof("HTTP listening on %s", cfg.HTTPAddr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Errorf("HTTP server stopped: %v", err)
			}
		}()
	}

	lg.Info("===== Call Control Started =====")
	lg.Infof("  Engine:  %s", cfg.Engine)
	if cfg.Engine == config.EngineBaresip {
		lg.Infof("  Baresip: %s", cfg.BaresipAddr)
	}
	lg.Infof("  Proxy:   %s", orNone(cfg.ProxyAddr))
	lg.Infof("  Account: %s", orNone(cfg.DefaultAccount))
	lg.Info("================================")

	if *interactive {
		printUsage()
		go commandLoop(ctx, mgr, stop)
	}

	<-ctx.Done()

	if hs != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		hs.Shutdown(shutdownCtx)
		cancel()
	}
	if gs != nil {
		gs.GracefulStop()
	}
	mgr.Stop()
	lg.Info("Call control stopped")
}

func newEngine(cfg *config.DaemonConfig) engine.Engine {
	if cfg.Engine == config.EngineBaresip {
		return baresip.New(baresip.Options{Addr: cfg.BaresipAddr, Timeout: cfg.BaresipTimeout}, logging.Named("baresip"))
	}
	return loopback.New(loopback.Options{AutoAnswer: cfg.AutoAnswer}, logging.Named("loopback"))
}

func logDelegate(l *logrus.Entry) delegate.Delegate {
	return delegate.Funcs{
		CallStateChanged: func(callID string, state int, stateName string) {
			l.WithFields(logrus.Fields{"call_id": callID, "state": state}).Infof("call state %s", stateName)
		},
		TransferStatusChanged: func(callID string, success bool) {
			l.WithField("call_id", callID).Infof("transfer success=%v", success)
		},
		CallFeatureToggled: func(callID string, feature string, status bool) {
			l.WithField("call_id", callID).Infof("%s -> %v", feature, status)
		},
		ExceptionRaised: func(callID string, action event.Action, message string) {
			l.WithFields(logrus.Fields{"call_id": callID, "action": action.String()}).Warn(message)
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
