// Command creditledger is the operator CLI for the credit ledger: it applies
// grants, inspects balances and history, compensates failed requests, sweeps
// stuck reservations and serves the billing webhook.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
