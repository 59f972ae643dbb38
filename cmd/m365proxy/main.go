// Command m365proxy runs the local-network mail gateway that bridges
// legacy SMTP/POP3(S) clients to Microsoft Graph.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infodancer/m365proxy/internal/config"
	"github.com/infodancer/m365proxy/internal/logging"
	"github.com/infodancer/m365proxy/internal/metrics"
	"github.com/infodancer/m365proxy/internal/supervisor"
)

// Exit codes named in spec §5.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitAuthRequired  = 2
	exitStartupFailed = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return exitConfigError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfigError
	}

	logger := logging.NewLogger(cfg.LogLevel)

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	sup, err := supervisor.New(supervisor.Options{
		Config:    &cfg,
		Logger:    logger,
		Collector: collector,
		OnLogin:   printDeviceCode,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting gateway: %v\n", err)
		return exitStartupFailed
	}

	loginCtx, cancelLogin := context.WithTimeout(context.Background(), 16*time.Minute)
	err = sup.EnsureToken(loginCtx)
	cancelLogin()
	if err != nil {
		fmt.Fprintf(os.Stderr, "authentication required: %v\n", err)
		return exitAuthRequired
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gateway stopped with error: %v\n", err)
		return exitStartupFailed
	}
	return exitOK
}

// printDeviceCode is the supervisor's graph.LoginCallback: it surfaces the
// device-code verification URL and user code to whoever is running the
// process, since the core never opens a browser itself (§4.2).
func printDeviceCode(verificationURI, userCode string) {
	fmt.Fprintf(os.Stderr, "\nTo sign in, visit %s and enter the code: %s\n\n", verificationURI, userCode)
}
