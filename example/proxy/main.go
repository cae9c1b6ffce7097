package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caseload/knockbacksync"
	"github.com/caseload/knockbacksync/platform/proxy"
	"github.com/caseload/knockbacksync/settings"
	"github.com/getsentry/sentry-go"
	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
)

// The following program runs a proxy that compensates knockback for players connecting through it.
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

	c := readConfig(log)
	conf, err := settings.NewManager(log, "knockbacksync.toml")
	if err != nil {
		log.Fatalf("unable to load settings: %v", err)
	}

	p := proxy.New(log, c.Connection)
	k := knockbacksync.New(log, conf, p)
	defer k.Close()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		_ = p.Close()
	}()
	if err := p.Listen(); err != nil {
		log.Errorf("proxy stopped: %v", err)
	}
}

type config struct {
	Connection proxy.Config `toml:"connection"`
}

func readConfig(log *logrus.Logger) config {
	var c config
	if data, err := os.ReadFile("config.toml"); err == nil {
		if err := toml.Unmarshal(data, &c); err != nil {
			log.Fatalf("error reading config: %v", err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("error reading config: %v", err)
	}
	if c.Connection.LocalAddress == "" {
		c.Connection.LocalAddress = "0.0.0.0:19132"
	}
	if c.Connection.RemoteAddress == "" {
		c.Connection.RemoteAddress = "0.0.0.0:19133"
	}
	data, err := toml.Marshal(c)
	if err != nil {
		log.Fatalf("error encoding config: %v", err)
	}
	if err := os.WriteFile("config.toml", data, 0644); err != nil {
		log.Fatalf("error writing config file: %v", err)
	}
	return c
}
