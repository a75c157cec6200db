// streamtest logs in, subscribes to a symbol's prices and prints stream
// events to the console.
// Usage: go run ./cmd/streamtest --config configs/xapi-client.local.yaml --symbol EURUSD
//
// The account password is usually supplied through the environment:
//
//	XAPI_PASSWORD - referenced as ${XAPI_PASSWORD} in the config file
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/xapi-client/internal/config"
	"github.com/rickgao/xapi-client/internal/coordinator"
	"github.com/rickgao/xapi-client/internal/model"
	"github.com/rickgao/xapi-client/internal/protocol"
	"github.com/rickgao/xapi-client/internal/stream"
)

func main() {
	configPath := flag.String("config", "configs/xapi-client.example.yaml", "path to config file")
	symbol := flag.String("symbol", "EURUSD", "symbol to stream prices for")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	coord := coordinator.New(cfg.Coordinator(), logger)
	s := coord.Stream()

	s.Listen(protocol.EventTickPrices, func(e stream.Event) { printTick(e, *verbose, logger) }, "streamtest")
	s.Listen(protocol.EventTrade, func(e stream.Event) { printTrade(e, *verbose, logger) }, "streamtest")
	s.Listen(protocol.EventBalance, func(e stream.Event) { printRaw("BALANCE", e) }, "streamtest")
	s.Listen(protocol.EventKeepAlive, func(e stream.Event) {
		logger.Debug("keepAlive", "received", e.Received)
	}, "streamtest")

	coord.OnReady(func() {
		logger.Info("session ready, subscribing", "symbol", *symbol)
		s.SubscribeTickPrices(*symbol, 0, 0)
		s.SubscribeBalance()
		s.SubscribeKeepAlive()
	}, "streamtest")

	logger.Info("connecting", "account_id", cfg.Account.ID, "account_type", cfg.Account.Type)
	if err := coord.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, retrying in background", "error", err)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("stats",
					"ready", coord.IsReady(),
					"command_queue", coord.Command().Queue().Len(),
					"stream_queue", s.Queue().Len(),
					"open_positions", len(coord.OpenPositions()),
					"server_time_offset", coord.ServerTimeOffset(),
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if err := coord.Disconnect(shutdownCtx); err != nil {
		logger.Warn("disconnect", "error", err)
	}
	logger.Info("shutdown complete")
}

func printTick(e stream.Event, verbose bool, logger *slog.Logger) {
	if verbose {
		printRaw("TICK", e)
		return
	}
	var tick model.TickPrice
	if err := e.Decode(&tick); err != nil {
		logger.Error("decode tick", "error", err)
		return
	}
	fmt.Printf("[TICK] symbol=%s bid=%s ask=%s level=%d spread=%s\n",
		tick.Symbol, tick.Bid, tick.Ask, tick.Level, tick.SpreadRaw)
}

func printTrade(e stream.Event, verbose bool, logger *slog.Logger) {
	if verbose {
		printRaw("TRADE", e)
		return
	}
	var tr model.Trade
	if err := e.Decode(&tr); err != nil {
		logger.Error("decode trade", "error", err)
		return
	}
	fmt.Printf("[TRADE] position=%d symbol=%s state=%s volume=%s profit=%s closed=%t\n",
		tr.Position, tr.Symbol, tr.State, tr.Volume, tr.Profit, tr.Closed)
}

func printRaw(tag string, e stream.Event) {
	var v any
	if err := json.Unmarshal(e.Data, &v); err != nil {
		fmt.Printf("[%s] %s\n", tag, e.Data)
		return
	}
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Printf("[%s] %s\n", tag, data)
}
