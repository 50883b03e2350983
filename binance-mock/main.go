// Command binance-mock runs the in-memory mock venue as a standalone server
// for manual testing against a real engine process.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/pairhedge/pairhedge/binance-mock/server"
)

func main() {
	var (
		addr     = pflag.String("addr", ":8090", "listen address")
		symbol   = pflag.String("symbol", "BTCUSDT", "symbol to list")
		price    = pflag.Float64("price", 95000, "mark price for the listed symbol")
		balance  = pflag.Float64("balance", 10_000, "starting USDT balance per account")
		accounts = pflag.StringSlice("account", []string{"mock-key:mock-secret"},
			"account as apiKey:apiSecret, repeatable")
	)
	pflag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	state := server.NewState()
	state.ListSymbol(*symbol, *price)
	for _, pair := range *accounts {
		key, secret, ok := strings.Cut(pair, ":")
		if !ok || key == "" || secret == "" {
			fmt.Fprintf(os.Stderr, "invalid --account %q, want apiKey:apiSecret\n", pair)
			os.Exit(2)
		}
		state.AddAccount(key, secret)
		state.SetBalance(key, "USDT", *balance)
	}

	if err := server.Run(*addr, state); err != nil {
		slog.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
