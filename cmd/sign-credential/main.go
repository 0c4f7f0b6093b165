// Command sign-credential prints a bearer credential for the exchange API.
//
//	sign-credential                      # new random key
//	sign-credential -key <hex>           # existing key
//	sign-credential -typed-data          # also print the EIP-712 payload for wallets
package main

import (
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/uhyunpark/growswap/pkg/auth"
	"github.com/uhyunpark/growswap/pkg/crypto"
)

func main() {
	keyHex := flag.String("key", os.Getenv("PRIVATE_KEY"), "hex private key (default: generate)")
	domainName := flag.String("domain", "GrowSwap", "EIP-712 domain name")
	chainID := flag.Int64("chain-id", 1337, "EIP-712 chain id")
	typedData := flag.Bool("typed-data", false, "print the typed data that was signed")
	flag.Parse()

	var (
		signer *crypto.Signer
		err    error
	)
	if *keyHex != "" {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
	} else {
		signer, err = crypto.GenerateKey()
		if err == nil {
			fmt.Fprintf(os.Stderr, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	domain := crypto.DefaultDomain()
	domain.Name = *domainName
	domain.ChainID = big.NewInt(*chainID)

	now := time.Now()
	token, err := auth.Issue(domain, signer, now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Address: %s\n", signer.Address().Hex())
	if *typedData {
		out, err := crypto.NewEIP712Signer(domain).LoginToJSON(&crypto.Login{Owner: signer.Address(), IssuedAt: now.Unix()})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, out)
	}
	fmt.Println(token)
}
