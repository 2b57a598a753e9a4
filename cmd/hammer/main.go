package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	xnetutil "golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/Soyunomas/hammer/internal/config"
	"github.com/Soyunomas/hammer/internal/engine"
	"github.com/Soyunomas/hammer/internal/metrics"
	"github.com/Soyunomas/hammer/pkg/crypto"
)

var version = "dev"

// maxScrapes limita las conexiones simultáneas al endpoint de métricas.
const maxScrapes = 16

type flags struct {
	config  string
	listen  string
	backend string
	key     string
	loops   int
	metrics string
	pprof   string
	debug   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "hammer",
		Short: "Proxy TCP que cifra por lotes el tráfico hacia los clientes",
		Long: `hammer acepta clientes, abre una conexión a un backend por cada uno y
cifra lo que el backend responde en lotes sobre un doble buffer. Lo que
envía el cliente se descifra en CPU y llega al backend en claro.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.config, "config", "c", "", "Fichero de configuración TOML")
	fl.StringVar(&f.listen, "listen", "", "Dirección de escucha (ip:puerto)")
	fl.StringVar(&f.backend, "backend", "", "Servidor de origen (host:puerto)")
	fl.StringVar(&f.key, "key", "", "Secreto compartido en hex (o HAMMER_KEY)")
	fl.IntVar(&f.loops, "loops", 0, "Event loops (por defecto uno por CPU)")
	fl.StringVar(&f.metrics, "metrics", "", "Exponer métricas Prometheus en address:port")
	fl.StringVar(&f.pprof, "pprof", "", "Habilitar pprof en address:port")
	fl.BoolVar(&f.debug, "debug", false, "Logs de depuración")

	cmd.AddCommand(newKeygenCmd(), newVersionCmd())
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Genera un secreto compartido",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, crypto.SecretSize)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("rng fail: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Muestra la versión",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hammer %s\n", version)
		},
	}
}

// loadConfig aplica, en orden: valores por defecto, fichero, entorno y flags.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.LoadFile(f.config); err != nil {
			return nil, fmt.Errorf("❌ Error de configuración: %w", err)
		}
	}
	if k := os.Getenv("HAMMER_KEY"); k != "" && cfg.Key == "" {
		cfg.Key = k
	}

	fl := cmd.Flags()
	if fl.Changed("listen") {
		cfg.Listen = f.listen
	}
	if fl.Changed("backend") {
		cfg.Backend = f.backend
	}
	if fl.Changed("key") {
		cfg.Key = f.key
	}
	if fl.Changed("loops") {
		cfg.Loops = f.loops
	}
	if fl.Changed("metrics") {
		cfg.MetricsAddr = f.metrics
	}
	if fl.Changed("pprof") {
		cfg.PprofAddr = f.pprof
	}
	if fl.Changed("debug") {
		cfg.Debug = f.debug
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("❌ Error de configuración: %w", err)
	}
	return cfg, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(parent context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	log.Info("🔹 Iniciando hammer",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("backend", cfg.Backend),
		zap.Int("loops", cfg.Loops),
		zap.Int("contexts", cfg.Batch.Contexts))

	srv, err := engine.New(ctx, cfg, log, m)
	if err != nil {
		log.Error("❌ Error creando engine", zap.Error(err))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		g.Go(func() error { return serveHTTP(gctx, log, "📈 Métricas", cfg.MetricsAddr, mux) })
	}
	if cfg.PprofAddr != "" {
		g.Go(func() error { return serveHTTP(gctx, log, "🕵️ Profiling", cfg.PprofAddr, http.DefaultServeMux) })
	}

	start := time.Now()
	g.Go(func() error { return srv.Run(gctx) })
	if err := g.Wait(); err != nil {
		log.Error("❌ Engine falló", zap.Error(err))
		return err
	}

	log.Info("👋 hammer detenido correctamente", zap.Duration("uptime", time.Since(start).Round(time.Second)))
	return nil
}

// serveHTTP sirve h en addr hasta que ctx se cancela.
func serveHTTP(ctx context.Context, log *zap.Logger, what, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}
	hs := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
	}()

	log.Info(what+" activo", zap.String("addr", ln.Addr().String()))
	if err := hs.Serve(xnetutil.LimitListener(ln, maxScrapes)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
