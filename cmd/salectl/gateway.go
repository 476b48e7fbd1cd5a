package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"tokensale/crypto"
	"tokensale/gateway/client"
	"tokensale/gateway/routes"
)

const requestTimeout = 30 * time.Second

type gatewayFlags struct {
	keyFlags
	url            string
	idempotencyKey string
}

func newGatewayFlags(name string) (*flag.FlagSet, *gatewayFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	g := &gatewayFlags{}
	g.register(fs)
	defaultURL := defaultGatewayURL
	if env := strings.TrimSpace(os.Getenv(gatewayURLEnv)); env != "" {
		defaultURL = env
	}
	fs.StringVar(&g.url, "url", defaultURL, "Sale gateway base URL")
	fs.StringVar(&g.idempotencyKey, "idempotency-key", "", "Idempotency-Key sent with write requests")
	return fs, g
}

// readClient needs no key; reads are unsigned.
func (g *gatewayFlags) readClient() (*client.Client, error) {
	return client.New(g.url, nil)
}

func (g *gatewayFlags) writeClient() (*client.Client, error) {
	key, err := g.load()
	if err != nil {
		return nil, err
	}
	return client.New(g.url, key)
}

func (g *gatewayFlags) requestOptions() []client.RequestOption {
	if g.idempotencyKey == "" {
		return nil
	}
	return []client.RequestOption{client.WithIdempotencyKey(g.idempotencyKey)}
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSale(args []string, out io.Writer) error {
	fs, g := newGatewayFlags("sale")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := g.readClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := c.Sale(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runBuyer(args []string, out io.Writer) error {
	fs, g := newGatewayFlags("buyer")
	addr := fs.String("address", "", "Buyer address (hex or bech32)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	buyer, err := requireAddress("address", *addr)
	if err != nil {
		return err
	}
	c, err := g.readClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := c.Buyer(ctx, buyer)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runBonus(args []string, out io.Writer) error {
	fs, g := newGatewayFlags("bonus")
	addr := fs.String("address", "", "Buyer address (hex or bech32)")
	maxBonus := fs.String("max", "", "Bonus cap the note was signed for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	buyer, err := requireAddress("address", *addr)
	if err != nil {
		return err
	}
	maxAmount, err := parseAmount("max", *maxBonus, true)
	if err != nil {
		return err
	}
	c, err := g.readClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := c.BonusRemaining(ctx, buyer, maxAmount)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runAccount(args []string, out io.Writer) error {
	fs, g := newGatewayFlags("account")
	addr := fs.String("address", "", "Account address (hex or bech32)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	account, err := requireAddress("address", *addr)
	if err != nil {
		return err
	}
	c, err := g.readClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := c.Account(ctx, account)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runEvents(args []string, out io.Writer) error {
	fs, g := newGatewayFlags("events")
	after := fs.Int64("after", 0, "Only list events with a larger id")
	eventType := fs.String("type", "", "Only list events of this type")
	limit := fs.Int("limit", 0, "Maximum number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := g.readClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := c.Events(ctx, *after, *eventType, *limit)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runWhitelist(args []string, out io.Writer) error {
	fs, g := newGatewayFlags("whitelist")
	sigHex := fs.String("signature", "", "Operator whitelist note")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sig, err := requireSignature(*sigHex)
	if err != nil {
		return err
	}
	c, err := g.writeClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := c.Whitelist(ctx, sig, g.requestOptions()...)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runBuy(args []string, out io.Writer) error {
	fs, g := newGatewayFlags("buy")
	amount := fs.String("amount", "", "Payment amount in base units")
	sigHex := fs.String("signature", "", "Operator whitelist note; omit when already whitelisted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	paid, err := parseAmount("amount", *amount, false)
	if err != nil {
		return err
	}
	var sig []byte
	if strings.TrimSpace(*sigHex) != "" {
		if sig, err = requireSignature(*sigHex); err != nil {
			return err
		}
	}
	c, err := g.writeClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := c.BuyWithSignature(ctx, paid, sig, g.requestOptions()...)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runBuyBonus(args []string, out io.Writer) error {
	fs, g := newGatewayFlags("buy-bonus")
	amount := fs.String("amount", "", "Payment amount in base units")
	sigHex := fs.String("signature", "", "Operator bonus note")
	maxBonus := fs.String("max", "", "Bonus cap the note was signed for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	paid, err := parseAmount("amount", *amount, false)
	if err != nil {
		return err
	}
	maxAmount, err := parseAmount("max", *maxBonus, true)
	if err != nil {
		return err
	}
	sig, err := requireSignature(*sigHex)
	if err != nil {
		return err
	}
	c, err := g.writeClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := c.BuyWithBonus(ctx, paid, sig, maxAmount, g.requestOptions()...)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runPay(args []string, out io.Writer) error {
	fs, g := newGatewayFlags("pay")
	amount := fs.String("amount", "", "Payment amount in base units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	paid, err := parseAmount("amount", *amount, false)
	if err != nil {
		return err
	}
	c, err := g.writeClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := c.Pay(ctx, paid, g.requestOptions()...)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runAbort(args []string, out io.Writer) error {
	return runSettlement("abort", args, out, (*client.Client).Abort)
}

func runRefund(args []string, out io.Writer) error {
	return runSettlement("refund", args, out, (*client.Client).Refund)
}

func runClaim(args []string, out io.Writer) error {
	return runSettlement("claim", args, out, (*client.Client).Claim)
}

type settlementCall func(*client.Client, context.Context, ...client.RequestOption) (*routes.SettlementResponse, error)

func runSettlement(name string, args []string, out io.Writer, call settlementCall) error {
	fs, g := newGatewayFlags(name)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := g.writeClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := call(c, ctx, g.requestOptions()...)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func runRetrieve(args []string, out io.Writer) error {
	fs, g := newGatewayFlags("retrieve")
	amount := fs.String("amount", "", "Amount to move to the wallet")
	if err := fs.Parse(args); err != nil {
		return err
	}
	value, err := parseAmount("amount", *amount, false)
	if err != nil {
		return err
	}
	c, err := g.writeClient()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := c.Retrieve(ctx, value, g.requestOptions()...)
	if err != nil {
		return err
	}
	return printJSON(out, resp)
}

func requireSignature(raw string) ([]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("-signature is required")
	}
	sig, err := crypto.DecodeSignature(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid -signature: %w", err)
	}
	return sig, nil
}
