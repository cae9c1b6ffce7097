package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/caseload/knockbacksync"
	"github.com/caseload/knockbacksync/platform/dragonfly"
	"github.com/caseload/knockbacksync/settings"
	"github.com/df-mc/dragonfly/server"
	"github.com/df-mc/dragonfly/server/player/chat"
	"github.com/getsentry/sentry-go"
	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"
	"github.com/sirupsen/logrus"
)

// The following program runs a dragonfly server with knockback compensation enabled for every player.
func main() {
	log := logrus.New()
	log.Formatter = &logrus.TextFormatter{ForceColors: true}
	log.Level = logrus.DebugLevel

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
			log.Fatalf("unable to initialize sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}
	if os.Getenv("PPROF_ENABLED") != "" {
		viewer.SetConfiguration(viewer.WithTheme(viewer.ThemeWesteros), viewer.WithAddr("localhost:8080"))
		mgr := statsview.New()
		go mgr.Start()
	}

	conf, err := settings.NewManager(log, "knockbacksync.toml")
	if err != nil {
		log.Fatalf("unable to load settings: %v", err)
	}

	chat.Global.Subscribe(chat.StdoutSubscriber{})
	srvConf, err := server.DefaultConfig().Config(slog.Default())
	if err != nil {
		log.Fatalf("unable to load server config: %v", err)
	}
	srv := srvConf.New()
	srv.CloseOnProgramEnd()

	host := dragonfly.New(srv, log)
	k := knockbacksync.New(log, conf, host)
	defer k.Close()

	srv.Listen()
	for p := range srv.Accept() {
		host.Accept(p)
	}
}
