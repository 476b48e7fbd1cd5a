package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"tokensale/cmd/internal/passphrase"
	"tokensale/crypto"
	"tokensale/native/sale"
)

type keyFlags struct {
	keystore string
	passEnv  string
}

func (k *keyFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&k.keystore, "keystore", defaultKeystore, "Path to the keystore file")
	fs.StringVar(&k.passEnv, "pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
}

func (k *keyFlags) load() (*crypto.PrivateKey, error) {
	secret, err := passphrase.NewSource(k.passEnv).WithPrompt("Enter keystore passphrase: ").Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(k.keystore, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}
	return key, nil
}

func runGenerateKey(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("generate-key", flag.ContinueOnError)
	var keys keyFlags
	keys.register(fs)
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(keys.keystore); err == nil {
			return fmt.Errorf("keystore file %s already exists (use -force to overwrite)", keys.keystore)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	secret, err := passphrase.NewSource(keys.passEnv).WithPrompt("Choose keystore passphrase: ").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(keys.keystore, key, secret); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	fmt.Fprintf(out, "Wrote keystore to %s\n", keys.keystore)
	return printAddress(out, key)
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	var keys keyFlags
	keys.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := keys.load()
	if err != nil {
		return err
	}
	return printAddress(out, key)
}

func printAddress(out io.Writer, key *crypto.PrivateKey) error {
	addr := key.Address()
	_, err := fmt.Fprintf(out, "%s\n%s\n", crypto.FormatAddress(addr), crypto.MustNewAddress(crypto.SalePrefix, addr[:]).String())
	return err
}

func runSignWhitelist(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign-whitelist", flag.ContinueOnError)
	var keys keyFlags
	keys.register(fs)
	saleAddr := fs.String("sale", "", "Sale address (hex or bech32)")
	buyerAddr := fs.String("buyer", "", "Buyer address (hex or bech32)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	saleID, err := requireAddress("sale", *saleAddr)
	if err != nil {
		return err
	}
	buyer, err := requireAddress("buyer", *buyerAddr)
	if err != nil {
		return err
	}
	key, err := keys.load()
	if err != nil {
		return err
	}
	sig, err := sale.SignWhitelistNote(key, saleID, buyer)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, crypto.EncodeSignature(sig))
	return err
}

func runSignBonus(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign-bonus", flag.ContinueOnError)
	var keys keyFlags
	keys.register(fs)
	buyerAddr := fs.String("buyer", "", "Buyer address (hex or bech32)")
	maxBonus := fs.String("max", "", "Bonus cap in payment base units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	buyer, err := requireAddress("buyer", *buyerAddr)
	if err != nil {
		return err
	}
	maxAmount, err := parseAmount("max", *maxBonus, true)
	if err != nil {
		return err
	}
	key, err := keys.load()
	if err != nil {
		return err
	}
	sig, err := sale.SignBonusNote(key, buyer, maxAmount)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, crypto.EncodeSignature(sig))
	return err
}

func requireAddress(name, raw string) ([20]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return [20]byte{}, fmt.Errorf("-%s is required", name)
	}
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid -%s: %w", name, err)
	}
	return addr, nil
}

func parseAmount(name, raw string, allowZero bool) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("-%s is required", name)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid -%s %q", name, raw)
	}
	if value.Sign() < 0 {
		return nil, errors.New("-" + name + " must not be negative")
	}
	if !allowZero && value.Sign() == 0 {
		return nil, errors.New("-" + name + " must be positive")
	}
	return value, nil
}
