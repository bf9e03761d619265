package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fassetd/config"
	"fassetd/core/events"
	"fassetd/core/state"
	"fassetd/core/types"
	"fassetd/native/fassets"
	"fassetd/observability/logging"
	"fassetd/rpc"
	"fassetd/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("FASSETD_ENV"))
	logger := logging.Setup("fassetd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env != "" {
		cfg.Environment = env
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	engine, err := fassets.NewEngine(cfg.Protocol)
	if err != nil {
		panic(fmt.Sprintf("Failed to construct engine: %v", err))
	}
	engine.SetState(state.NewManager(db))
	engine.SetEmitter(logEmitter{logger: logger})
	engine.SetVerifier(localVerifier{})

	oracle, err := buildOracle(cfg.Oracle)
	if err != nil {
		panic(fmt.Sprintf("Failed to configure oracle: %v", err))
	}
	engine.SetOracle(oracle)

	server := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           rpc.NewServer(engine, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpc listening", slog.String("address", cfg.RPCAddress))
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown", slog.String("error", err.Error()))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic(fmt.Sprintf("RPC server failed: %v", err))
		}
	}
}

// buildOracle turns the configured static price table into the engine's price
// feed. The static feed stands in for a live attestation-backed aggregator.
func buildOracle(cfg config.OracleConfig) (fassets.PriceOracle, error) {
	static := fassets.NewStaticOracle()
	now := time.Now().Unix()
	for _, entry := range cfg.Prices {
		price, ok := new(big.Int).SetString(strings.TrimSpace(entry.Price), 10)
		if !ok || price.Sign() <= 0 {
			return nil, fmt.Errorf("invalid price %q for %s", entry.Price, entry.Symbol)
		}
		static.SetPrice(entry.Symbol, price, entry.Decimals, now)
	}
	return static, nil
}

// localVerifier accepts every structurally valid proof. The daemon runs
// behind an attestation gateway that performs the cryptographic verification;
// field-level checks stay in the engine.
type localVerifier struct{}

func (localVerifier) Verify(kind fassets.ProofKind, proof any) bool { return proof != nil }

// logEmitter writes every protocol event to the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (e logEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	attrs := []any{slog.String("event", evt.EventType())}
	if payloader, ok := evt.(events.Payloader); ok {
		if payload := payloader.Event(); payload != nil {
			attrs = appendEventAttrs(attrs, payload)
		}
	}
	e.logger.Info("protocol event", attrs...)
}

func appendEventAttrs(attrs []any, payload *types.Event) []any {
	for key, value := range payload.Attributes {
		attrs = append(attrs, slog.String(key, value))
	}
	return attrs
}
