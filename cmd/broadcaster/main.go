// Command broadcaster runs the write dispatch core of a single branch with a
// set of in-memory replicas attached, serving gRPC health checks that mirror
// which replicas are readable.
//
//	broadcaster -config PATH_TO_CONFIG
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentry "github.com/getsentry/sentry-go"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/config"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/memstore"
	"gitlab.com/gitlab-org/broadcaster/internal/broadcast/metrics"
	"gitlab.com/gitlab-org/broadcaster/internal/log"
	"gitlab.com/gitlab-org/broadcaster/internal/version"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")
)

const progname = "broadcaster"

func main() {
	flag.Parse()

	// If invoked with -version
	if *flagVersion {
		fmt.Println(version.GetVersionString())
		os.Exit(0)
	}

	conf, err := initConfig(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	if err := log.Configure(log.Loggers, conf.Logging.Format, conf.Logging.Level); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		os.Exit(1)
	}

	configure(conf)

	logger.WithField("version", version.GetVersionString()).Info("Starting " + progname)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, conf, prometheus.DefaultRegisterer); err != nil {
		logger.Fatalf("%v", err)
	}
}

func initConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, errNoConfigFile
	}

	conf, err := config.FromFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("error reading config file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

func configure(conf config.Config) {
	if conf.PrometheusListenAddr != "" && len(conf.Prometheus.GRPCLatencyBuckets) > 0 {
		logger.WithField("latencies", conf.Prometheus.GRPCLatencyBuckets).Info("grpc prometheus histograms enabled")
		grpc_prometheus.EnableHandlingTimeHistogram(func(histogramOpts *prometheus.HistogramOpts) {
			histogramOpts.Buckets = conf.Prometheus.GRPCLatencyBuckets
		})
	}

	if conf.Sentry.DSN != "" {
		logger.WithField("dsn", conf.Sentry.DSN).Debug("Using sentry logging")
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         conf.Sentry.DSN,
			Environment: conf.Sentry.Environment,
			Release:     "v" + version.GetVersion(),
		}); err != nil {
			logger.WithError(err).Warn("Unable to initialize sentry client")
		}
	}

	// grpc-go gets a custom logger; it is too chatty
	grpc_logrus.ReplaceGrpcLogger(log.GrpcGo())
}

// attachReplicas attaches an in-memory replica per configured replica. All of
// them start out at the branch's initial timestamp.
func attachReplicas(ctx context.Context, b *broadcast.Broadcaster, replicas []config.Replica) ([]*memstore.Store, error) {
	stores := make([]*memstore.Store, 0, len(replicas))
	for _, replica := range replicas {
		store := memstore.New(b.Branch().Birth.InitialTimestamp)

		opts := []broadcast.AttachOption{
			broadcast.WithName(replica.Name),
			broadcast.WithPriority(replica.Priority),
		}
		if replica.Readable {
			opts = append(opts, broadcast.WithReadable())
		}

		d, start, err := b.Attach(ctx, store, opts...)
		if err != nil {
			return nil, fmt.Errorf("attach replica %q: %w", replica.Name, err)
		}

		logger.WithFields(logrus.Fields{
			"replica":    replica.Name,
			"dispatchee": d.ID().String(),
			"start":      start,
			"readable":   replica.Readable,
		}).Info("attached replica")

		stores = append(stores, store)
	}

	return stores, nil
}

func newServer(logger *logrus.Entry) *grpc.Server {
	return grpc.NewServer(
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_ctxtags.StreamServerInterceptor(),
			grpc_prometheus.StreamServerInterceptor,
			grpc_logrus.StreamServerInterceptor(logger,
				grpc_logrus.WithTimestampFormat(log.LogTimestampFormat)),
		)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_ctxtags.UnaryServerInterceptor(),
			grpc_prometheus.UnaryServerInterceptor,
			grpc_logrus.UnaryServerInterceptor(logger,
				grpc_logrus.WithTimestampFormat(log.LogTimestampFormat)),
		)),
	)
}

func run(ctx context.Context, conf config.Config, promreg prometheus.Registerer) error {
	branch, err := conf.BranchModel()
	if err != nil {
		return err
	}

	m := metrics.New(conf.Prometheus.GRPCLatencyBuckets)
	if err := promreg.Register(m); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	b := broadcast.New(branch, conf.Dispatch, broadcast.WithLogger(logger), broadcast.WithMetrics(m))

	stores, err := attachReplicas(ctx, b, conf.Replicas)
	if err != nil {
		return err
	}
	defer func() {
		for _, store := range stores {
			store.Close()
		}
	}()

	srv := newServer(logger)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	grpc_prometheus.Register(srv)

	mirrorCtx, stopMirror := context.WithCancel(ctx)
	defer stopMirror()
	go broadcast.MirrorReadableHealth(mirrorCtx, b, healthSrv)

	l, err := net.Listen("tcp", conf.ListenAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)

	logger.WithField("address", conf.ListenAddr).Info("listening at tcp address")
	go func() { errCh <- srv.Serve(l) }()

	if addr := conf.PrometheusListenAddr; addr != "" {
		logger.WithField("address", addr).Info("starting prometheus listener")

		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.Handler())

		promSrv := &http.Server{Addr: addr, Handler: promMux}
		defer promSrv.Close()

		go func() {
			if err := promSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve prometheus: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		logger.WithError(err).Error("shutting down")
	}

	stopMirror()
	healthSrv.Shutdown()

	if err := b.Demote(context.Background()); err != nil {
		logger.WithError(err).Warn("demote broadcaster")
	}

	stopGracefully(srv, conf.GracefulStopTimeout.Duration())

	return nil
}

func stopGracefully(srv *grpc.Server, timeout time.Duration) {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.WithField("timeout", timeout).Warn("graceful stop timed out")
		srv.Stop()
		<-stopped
	}
}
