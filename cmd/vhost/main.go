package main

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ktcp/pkg/cli"
	"ktcp/pkg/config"
	"ktcp/pkg/ipv4link"
	"ktcp/pkg/logging"
	"ktcp/pkg/netbuf"
	"ktcp/pkg/tcp"
)

var (
	vip         = pflag.String("vip", "", "virtual IP and prefix of this host, e.g. 10.0.0.1/24")
	bind        = pflag.String("bind", "", "UDP address carrying the link, e.g. 127.0.0.1:5000")
	neighbors   = pflag.StringSlice("neighbor", nil, "neighbor as vip=host:port, repeatable")
	logLevel    = pflag.String("log-level", "", "log level")
	metricsAddr = pflag.String("metrics-addr", "", "serve prometheus metrics on this address")
)

func main() {
	pflag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := logging.New(&logging.Config{
		Ctx:       ctx,
		Level:     cfg.SlogLevel(),
		AddSource: cfg.LogSource,
		Output:    os.Stderr,
		RateLimiter: logging.RateLimiterConfig{
			Limit:  rate.Limit(cfg.LogRate),
			Burst:  cfg.LogRate,
			Inform: true,
		},
	})

	if err := run(ctx, log, cfg); err != nil {
		log.Errorf("vhost: %v", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment, then applies the command line on top.
func loadConfig() (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, err
	}
	if *vip != "" {
		prefix, err := netip.ParsePrefix(*vip)
		if err != nil {
			return cfg, errors.Wrap(err, "--vip")
		}
		cfg.Link.VIP = prefix
	}
	if *bind != "" {
		ap, err := netip.ParseAddrPort(*bind)
		if err != nil {
			return cfg, errors.Wrap(err, "--bind")
		}
		cfg.Link.Bind = ap
	}
	if len(*neighbors) > 0 {
		cfg.Link.Neighbors = *neighbors
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, log *logging.Logger, cfg config.Config) error {
	pool := netbuf.NewPool(cfg.Buffers)
	link, err := ipv4link.New(log, cfg.Link, pool)
	if err != nil {
		return err
	}
	stack, err := tcp.New(log, cfg.TCP, link, tcp.WithBuffers(pool))
	if err != nil {
		_ = link.Close()
		return err
	}
	log.Infof("host %s on udp %s", cfg.Link.VIP, link.UDPAddr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errg, ctx := errgroup.WithContext(ctx)
	errg.Go(func() error {
		return link.Serve(ctx, stack.Input)
	})
	errg.Go(func() error {
		return stack.Run(ctx)
	})
	if cfg.MetricsAddr != "" {
		errg.Go(func() error {
			return runMetricsHTTPServer(ctx, log, cfg.MetricsAddr)
		})
	}
	errg.Go(func() error {
		// End of input stops the host.
		defer cancel()
		return cli.New(log, stack, link, os.Stdout).Run(ctx, os.Stdin)
	})
	return errg.Wait()
}

func runMetricsHTTPServer(ctx context.Context, log *logging.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 1 * time.Minute,
	}
	go func() {
		<-ctx.Done()
		log.Info("shutting metrics down http server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error(err.Error())
		}
	}()
	log.Infof("running metrics server, addr=%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
