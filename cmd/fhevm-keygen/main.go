package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zmlAEQ/Aequa-fhevm/internal/keystore"
)

func main() {
	var (
		out     string
		passEnv string
		force   bool
		show    bool
	)
	flag.StringVar(&out, "out", "fhevm-service.key", "Keystore path")
	flag.StringVar(&passEnv, "pass-env", "FHEVM_KEYSTORE_PASS", "Environment variable holding the keystore passphrase")
	flag.BoolVar(&force, "force", false, "Replace an existing keystore (the old one is kept as .bak)")
	flag.BoolVar(&show, "show", false, "Print the address of an existing keystore and exit")
	flag.Parse()

	ctx := context.Background()
	ks := keystore.FromEnv(out, passEnv)
	if show {
		key, err := ks.Load(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		fmt.Println(crypto.PubkeyToAddress(key.PublicKey).Hex())
		return
	}
	if _, err := os.Stat(out); err == nil && !force {
		fmt.Fprintf(os.Stderr, "%s exists; use --force to replace it\n", out)
		os.Exit(2)
	}
	if os.Getenv(passEnv) == "" {
		fmt.Fprintf(os.Stderr, "warning: %s is empty, key stored unencrypted\n", passEnv)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	if err := ks.Save(ctx, key); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Printf("wrote %s for %s\n", out, crypto.PubkeyToAddress(key.PublicKey).Hex())
}
