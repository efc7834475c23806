// Command exchangectl is an operator CLI for the exchange core: place and
// cancel orders, and inspect a market's book/trades, all driven directly
// against the same Exchange type cmd/server runs — there is no network
// protocol between this binary and the core (the wire-protocol client the
// teacher shipped, cmd/client/client.go, spoke to an external TCP surface
// that is explicitly out of scope here).
//
// Grounded on VictorVVedtion-perp-dex's x/orderbook/client/cli/tx.go:
// one cobra.Command per core operation, positional args for the
// operation's required fields, with price and quantity parsed by
// decimal.NewFromString before being handed to the underlying call.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	_ "github.com/lib/pq"

	"fenrir/internal/config"
	"fenrir/internal/domain"
	"fenrir/internal/events"
	"fenrir/internal/exchange"
	"fenrir/internal/matching"
	"fenrir/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

var configPath string

func main() {
	root := &cobra.Command{Use: "exchangectl", Short: "Operator CLI for the exchange core"}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/exchange.yaml", "path to config file")

	root.AddCommand(cmdPlaceOrder(), cmdCancelOrder(), cmdBook(), cmdTrades())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openExchange(ctx context.Context) (*exchange.Exchange, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	ex := exchange.New(db, events.New(), metrics.New(prometheus.NewRegistry()), cfg.Lock.Timeout)
	return ex, func() { db.Close() }, nil
}

func cmdPlaceOrder() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "place-order [market-id] [side] [price] [quantity] [account-id] [quote-asset-id]",
		Short: "Place a limit order",
		Long: `Place a limit order against a market.

Examples:
  exchangectl place-order BTC-USDC bid 50000 0.1 alice USDC
  exchangectl place-order BTC-USDC ask 51000 0.2 bob USDC`,
		Args: cobra.ExactArgs(6),
		RunE: func(cmd *cobra.Command, args []string) error {
			marketID, sideStr, priceStr, qtyStr, accountID, quoteAssetID := args[0], args[1], args[2], args[3], args[4], args[5]

			var side domain.Side
			switch strings.ToLower(sideStr) {
			case "bid", "buy":
				side = domain.Bid
			case "ask", "sell":
				side = domain.Ask
			default:
				return fmt.Errorf("invalid side %q (use bid/ask)", sideStr)
			}

			price, err := decimal.NewFromString(priceStr)
			if err != nil {
				return fmt.Errorf("invalid price: %w", err)
			}
			qty, err := decimal.NewFromString(qtyStr)
			if err != nil {
				return fmt.Errorf("invalid quantity: %w", err)
			}

			ctx := cmd.Context()
			ex, closeFn, err := openExchange(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := ex.PlaceOrder(ctx, marketID, matching.TakerInput{
				Side: side, Price: price, Quantity: qty, AccountID: accountID, QuoteAssetID: quoteAssetID,
			})
			if err != nil {
				return err
			}

			fmt.Printf("matches: %d\n", len(result.Matches))
			for _, m := range result.Matches {
				fmt.Printf("  %s %s @ %s (maker=%s taker=%s)\n", m.Side, m.Quantity, m.Price, m.MakerOrderID, m.TakerOrderID)
			}
			if result.RemainingOrder != nil {
				fmt.Printf("rested: %s qty=%s\n", result.RemainingOrder.ID, result.RemainingOrder.Quantity)
			}
			return nil
		},
	}
	return cmd
}

func cmdCancelOrder() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel-order [market-id] [order-id]",
		Short: "Cancel a resting order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ex, closeFn, err := openExchange(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			ok, err := ex.CancelOrder(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("order not found (already filled or cancelled)")
				return nil
			}
			fmt.Println("cancelled")
			return nil
		},
	}
	return cmd
}

func cmdBook() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "book [market-id]",
		Short: "Print a market's order book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ex, closeFn, err := openExchange(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := ex.RestoreAll(ctx); err != nil {
				return err
			}

			bids, asks := ex.Depth(args[0], depth)
			fmt.Println("bids:")
			for _, l := range bids {
				fmt.Printf("  %s x %s\n", l.Price, l.Quantity)
			}
			fmt.Println("asks:")
			for _, l := range asks {
				fmt.Printf("  %s x %s\n", l.Price, l.Quantity)
			}
			if spread, ok := ex.Spread(args[0]); ok {
				fmt.Printf("spread: %s\n", spread)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 10, "number of price levels per side")
	return cmd
}

func cmdTrades() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trades [market-id]",
		Short: "Print a market's most recent trades",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ex, closeFn, err := openExchange(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			ts, err := ex.RecentTrades(ctx, args[0], limit)
			if err != nil {
				return err
			}
			for _, t := range ts {
				fmt.Printf("%s  %s %s x %s (taker=%s maker=%s)\n", t.CreatedAt.Format("15:04:05"), t.TakerSide, t.Quantity, t.Price, t.TakerOrderID, t.MakerOrderID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max trades to print")
	return cmd
}
