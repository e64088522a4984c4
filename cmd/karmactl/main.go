// Command karmactl is the operator CLI for karma-tender. It reads the same
// environment as the service and works directly against the configured store.
//
// Usage:
//
//	karmactl migrate up|down|version    Manage the Postgres schema
//	karmactl karma list                 Print every ledger value
//	karmactl karma get <user>           Print one user's value
//	karmactl karma set <user> <value>   Overwrite a value (clamped)
//	karmactl karma add <user> <delta>   Add to a value (clamped)
//	karmactl pending list               Print pending redemptions
//	karmactl pending repair             Rewrite pending records in canonical form
//	karmactl pending drop <id>          Forget one pending redemption
//	karmactl tokens status              Show the stored broadcaster grant
//	karmactl tokens seal                Re-encrypt the stored grant with ENCRYPTION_KEY
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
