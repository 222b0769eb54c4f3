// keygen bootstraps a new cipher entry: it generates an RSA key-encrypting
// key, a fresh DEK wrapped under it, and prints a ready-to-paste
// configuration fragment with the wrapped DEK inline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/guided-traffic/symcrypt/pkg/crypt/keyencryption"
	"github.com/guided-traffic/symcrypt/pkg/crypt/keystore"
)

func main() {
	bits := flag.Int("kek-bits", 2048, "RSA size of the key-encrypting key")
	dekSize := flag.Int("dek-size", 32, "DEK size in bytes (32 for aes-256)")
	scheme := flag.String("wrap-scheme", "oaep", "RSA wrap scheme (oaep or pkcs1v15)")
	flag.Parse()

	wrapScheme, err := keyencryption.ParseScheme(*scheme)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	kek, err := keyencryption.Generate(*bits, wrapScheme)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating KEK: %v\n", err)
		os.Exit(1)
	}

	mem := keystore.NewMemory(nil)
	if _, _, err := keystore.GenerateDEK(context.Background(), mem, kek, *dekSize); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating DEK: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated a %d-bit KEK and a wrapped %d-byte DEK.\n\n", *bits, *dekSize)
	fmt.Printf("Configuration fragment:\n\n")
	fmt.Printf("production:\n")
	fmt.Printf("  ciphers:\n")
	fmt.Printf("    - version: 1\n")
	fmt.Printf("      cipher_name: aes-256-cbc\n")
	fmt.Printf("      encrypted_key: %q\n", mem.Base64())
	fmt.Printf("      key_wrap_scheme: %s\n", wrapScheme)
	fmt.Printf("      key_encrypting_key: |\n")
	printIndented(kek.PrivatePEM(), "        ")
}

func printIndented(block, indent string) {
	start := 0
	for i := 0; i < len(block); i++ {
		if block[i] == '\n' {
			fmt.Printf("%s%s\n", indent, block[start:i])
			start = i + 1
		}
	}
	if start < len(block) {
		fmt.Printf("%s%s\n", indent, block[start:])
	}
}
