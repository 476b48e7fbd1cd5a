package main

import (
	"fmt"
	"io"
	"os"
	"sort"
)

const (
	defaultGatewayURL = "http://127.0.0.1:8080"
	defaultPassEnv    = "SALECTL_PASSPHRASE"
	defaultKeystore   = "salectl.keystore"
	gatewayURLEnv     = "SALE_GATEWAY_URL"
)

type command struct {
	summary string
	run     func(args []string, out io.Writer) error
}

var commands = map[string]command{
	"generate-key":   {"create a new keystore", runGenerateKey},
	"address":        {"print the address held by a keystore", runAddress},
	"sign-whitelist": {"sign a whitelist note for a buyer (operator)", runSignWhitelist},
	"sign-bonus":     {"sign a bonus note for a buyer and cap (operator)", runSignBonus},
	"sale":           {"show the sale parameters and totals", runSale},
	"buyer":          {"show a buyer record", runBuyer},
	"bonus":          {"show the remaining capacity of a bonus note", runBonus},
	"account":        {"show payment and token balances", runAccount},
	"events":         {"list audit events", runEvents},
	"whitelist":      {"submit a whitelist note", runWhitelist},
	"buy":            {"purchase, optionally with a whitelist note", runBuy},
	"buy-bonus":      {"purchase at the bonus rate with a bonus note", runBuyBonus},
	"pay":            {"purchase as an already whitelisted buyer", runPay},
	"abort":          {"abort the sale (operator)", runAbort},
	"refund":         {"refund contributions after an abort", runRefund},
	"claim":          {"mint purchased tokens after the sale closed", runClaim},
	"retrieve":       {"move raised funds to the wallet (operator)", runRetrieve},
}

func main() {
	os.Exit(dispatch(os.Args[1:], os.Stdout, os.Stderr))
}

func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}
	if err := cmd.run(args[1:], stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: salectl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %s\n", name, commands[name].summary)
	}
}
