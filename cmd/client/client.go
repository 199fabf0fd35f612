package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/coriolisfi/matchcore/internal/common"
	"github.com/coriolisfi/matchcore/internal/gateway"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var serverAddr string

	root := &cobra.Command{
		Use:   "matchcore-client",
		Short: "Places and cancels orders against a matchcore gateway.",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:9001", "address of the matchcore gateway")

	root.AddCommand(newPlaceCmd(&serverAddr))
	root.AddCommand(newCancelCmd(&serverAddr))
	root.AddCommand(newLogCmd(&serverAddr))
	return root
}

func newPlaceCmd(serverAddr *string) *cobra.Command {
	var (
		owner    string
		symbol   string
		sideStr  string
		kindStr  string
		price    string
		quantity string
	)

	cmd := &cobra.Command{
		Use:   "place",
		Short: "Place an order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner is required")
			}

			side := common.Buy
			if strings.EqualFold(sideStr, "sell") {
				side = common.Sell
			}
			kind := common.Limit
			if strings.EqualFold(kindStr, "market") {
				kind = common.Market
			}

			p := decimal.Zero
			if kind == common.Limit {
				parsed, err := decimal.NewFromString(price)
				if err != nil {
					return fmt.Errorf("invalid --price: %w", err)
				}
				p = parsed
			}
			q, err := decimal.NewFromString(quantity)
			if err != nil {
				return fmt.Errorf("invalid --qty: %w", err)
			}

			conn, err := net.Dial("tcp", *serverAddr)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", *serverAddr, err)
			}
			defer conn.Close()
			go readReports(conn)

			req := gateway.NewOrderRequest{
				Symbol:   common.Normalize(symbol),
				Kind:     kind,
				Side:     side,
				Price:    p,
				Quantity: q,
				Username: owner,
			}
			if _, err := conn.Write(gateway.EncodeNewOrder(req)); err != nil {
				return err
			}
			fmt.Printf("-> sent %s %s order: %s %s @ %s\n", kind, side, symbol, q, p)

			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "username placing the order (required)")
	cmd.Flags().StringVar(&symbol, "symbol", "AAPL", "ticker symbol")
	cmd.Flags().StringVar(&sideStr, "side", "buy", "buy or sell")
	cmd.Flags().StringVar(&kindStr, "type", "limit", "limit or market")
	cmd.Flags().StringVar(&price, "price", "100.00", "limit price (ignored for market orders)")
	cmd.Flags().StringVar(&quantity, "qty", "10", "quantity")
	return cmd
}

func newCancelCmd(serverAddr *string) *cobra.Command {
	var (
		owner   string
		symbol  string
		orderID string
	)

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a resting order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orderID == "" {
				return fmt.Errorf("--order-id is required")
			}

			conn, err := net.Dial("tcp", *serverAddr)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", *serverAddr, err)
			}
			defer conn.Close()
			go readReports(conn)

			req := gateway.CancelOrderRequest{
				Symbol:   common.Normalize(symbol),
				OrderID:  orderID,
				Username: owner,
			}
			if _, err := conn.Write(gateway.EncodeCancelOrder(req)); err != nil {
				return err
			}
			fmt.Printf("-> sent cancel request for %s\n", orderID)

			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "requesting username")
	cmd.Flags().StringVar(&symbol, "symbol", "AAPL", "ticker symbol")
	cmd.Flags().StringVar(&orderID, "order-id", "", "order id to cancel (required)")
	return cmd
}

func newLogCmd(serverAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "Ask the gateway to log its current book state",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := net.Dial("tcp", *serverAddr)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", *serverAddr, err)
			}
			defer conn.Close()
			go readReports(conn)

			if _, err := conn.Write(gateway.EncodeLogBook()); err != nil {
				return err
			}
			fmt.Println("-> sent log request")
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}
}

func readReports(conn net.Conn) {
	buf := make([]byte, 4*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				fmt.Fprintln(os.Stderr, "connection lost:", err)
			}
			return
		}
		report, err := gateway.DecodeReport(buf[:n])
		if err != nil {
			fmt.Fprintln(os.Stderr, "malformed report:", err)
			continue
		}
		if report.Type == gateway.ErrorReport {
			fmt.Printf("\n[error] %s\n", report.Err)
			continue
		}
		fmt.Printf("\n[execution] %s %s | qty %s | price %s | vs %s | order %s\n",
			report.Side, report.Symbol, report.Quantity, report.Price, report.Counterparty, report.OrderID)
	}
}
