// Package main provides the credential management CLI: listing the pool,
// importing token exports and Kiro IDE state, and converting legacy files.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/importer"
	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

var serverPort = config.DefaultPort

func main() {
	args := os.Args[1:]

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			serverPort = p
		}
	}

	if len(args) == 0 {
		printBanner()
		printHelp()
		return
	}

	command := args[0]
	rest := args[1:]

	printBanner()

	switch command {
	case "list":
		listCredentials()
	case "import":
		runImport(rest)
	case "convert":
		runConvert(rest)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
		os.Exit(1)
	}
}

func printBanner() {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║    Kiro Claude Proxy Account Manager   ║")
	fmt.Println("╚════════════════════════════════════════╝")
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  kiro-accounts list                         List all credentials")
	fmt.Println("  kiro-accounts import <token.json>          Preview a token import (dry run)")
	fmt.Println("  kiro-accounts import <token.json> --apply  Import and save")
	fmt.Println("  kiro-accounts import --from-ide            Import from the local Kiro IDE")
	fmt.Println("  kiro-accounts convert <legacy.json>        Rewrite a single-object file as an array")
	fmt.Println("  kiro-accounts help                         Show this help")
	fmt.Println("\nOptions:")
	fmt.Println("  --apply         Write changes (import is a dry run by default)")
	fmt.Println("  --db <path>     Kiro IDE state database (with --from-ide)")
	fmt.Println("\nFiles:")
	fmt.Printf("  Credentials: %s\n", config.CredentialsPath())
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// isServerRunning checks if the proxy server is running on the configured port
func isServerRunning() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", serverPort), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ensureServerStopped exits if the server is running. The server keeps the
// credentials file in memory and writes it back, so edits made underneath a
// live server would be lost.
func ensureServerStopped() {
	if isServerRunning() {
		fmt.Printf("\n\033[31mError: the proxy server is currently running on port %d.\033[0m\n\n", serverPort)
		fmt.Println("Please stop the server (Ctrl+C) before changing credentials.")
		fmt.Println("Changes made while it runs would be overwritten from memory.")
		os.Exit(1)
	}
}

// listCredentials prints the credential table straight from the file.
func listCredentials() {
	store := pool.NewStore(config.CredentialsPath())
	creds, err := store.Load()
	if err != nil {
		fatal("%v", err)
	}
	if len(creds) == 0 {
		fmt.Printf("\nNo credentials in %s.\n", store.Path())
		fmt.Println("Import some with: kiro-accounts import <token.json> --apply")
		return
	}

	fmt.Printf("\n%d credential(s) in %s:\n\n", len(creds), store.Path())
	fmt.Printf("  %-4s %-7s %-9s %-26s %-21s %-22s %s\n",
		"ID", "METHOD", "PRIORITY", "STATUS", "EXPIRES", "TOKEN", "EMAIL")
	for _, c := range creds {
		status := "enabled"
		if c.Disabled {
			status = "disabled"
			if c.DisabledReason != "" {
				status += " (" + c.DisabledReason + ")"
			}
		}
		expires := c.ExpiresAt
		if expires == "" {
			expires = "-"
		}
		fmt.Printf("  %-4d %-7s %-9d %-26s %-21s %-22s %s\n",
			c.ID, c.Method(), c.Priority, status, expires, utils.MaskToken(c.RefreshToken), c.Email)
	}
}

// runImport reads a token export (file or IDE database), plans the import
// against the existing pool and, with --apply, saves the merged list.
func runImport(args []string) {
	var (
		apply   bool
		fromIDE bool
		dbPath  string
		file    string
	)
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "--apply":
			apply = true
		case arg == "--dry-run":
			apply = false
		case arg == "--from-ide":
			fromIDE = true
		case arg == "--db":
			if i+1 >= len(args) {
				fatal("--db needs a path")
			}
			i++
			dbPath = args[i]
		case strings.HasPrefix(arg, "--db="):
			dbPath = strings.TrimPrefix(arg, "--db=")
		case strings.HasPrefix(arg, "-"):
			fatal("unknown flag %s", arg)
		default:
			file = arg
		}
	}

	var (
		items  []importer.Item
		source string
		err    error
	)
	switch {
	case fromIDE && file != "":
		fatal("give either a token file or --from-ide, not both")
	case fromIDE:
		source = "Kiro IDE state database"
		items, err = importer.ReadIDEState(dbPath)
	case file != "":
		source = file
		var data []byte
		if data, err = os.ReadFile(file); err != nil {
			fatal("%v", err)
		}
		items, err = importer.ParseItems(data)
	default:
		fatal("usage: kiro-accounts import <token.json> [--apply], or import --from-ide [--db <path>] [--apply]")
	}
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("\nRead %d token(s) from %s\n\n", len(items), source)

	if apply {
		ensureServerStopped()
	}

	store := pool.NewStore(config.CredentialsPath())
	existing, err := store.Load()
	if err != nil {
		fatal("%v", err)
	}
	if apply && store.ReadOnly() {
		fatal("credentials file %s is in the legacy single-object form; run \"kiro-accounts convert %s\" first",
			store.Path(), store.Path())
	}

	report, merged, err := importer.Run(existing, items, !apply)
	if err != nil {
		fatal("%v", err)
	}
	printReport(report)

	if !apply {
		fmt.Println("\nDry run: nothing written. Re-run with --apply to save.")
		return
	}
	if err := store.Save(merged); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("\n✓ Saved %d credential(s) to %s\n", len(merged), store.Path())
}

func printReport(r *importer.Report) {
	for _, item := range r.Items {
		switch item.Action {
		case importer.ActionImported:
			if item.ID != 0 {
				fmt.Printf("  ✓ %s imported as credential %d\n", item.Token, item.ID)
			} else {
				fmt.Printf("  ✓ %s would be imported\n", item.Token)
			}
		case importer.ActionSkipped:
			fmt.Printf("  - %s skipped: %s\n", item.Token, item.Reason)
		case importer.ActionInvalid:
			fmt.Printf("  ✗ %s invalid: %s\n", item.Token, item.Reason)
		}
	}
	fmt.Printf("\n%d imported, %d skipped, %d invalid\n", r.Imported, r.Skipped, r.Invalid)
}

// runConvert rewrites a legacy single-object credentials file as the array
// form the server can write back to. The original is kept as <path>.bak.
func runConvert(args []string) {
	var path string
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			fatal("unknown flag %s", arg)
		}
		path = arg
	}
	if path == "" {
		fatal("usage: kiro-accounts convert <legacy.json>")
	}

	ensureServerStopped()

	in := pool.NewStore(path)
	creds, err := in.Load()
	if err != nil {
		fatal("%v", err)
	}
	if len(creds) == 0 {
		fatal("no credentials found in %s", path)
	}
	if !in.ReadOnly() {
		fmt.Printf("\n%s is already in array form (%d credential(s)), nothing to do.\n", path, len(creds))
		return
	}

	if _, err := pool.AssignIDs(creds); err != nil {
		fatal("%v", err)
	}

	backup := path + ".bak"
	data, err := os.ReadFile(path)
	if err != nil {
		fatal("%v", err)
	}
	if err := os.WriteFile(backup, data, 0o600); err != nil {
		fatal("write backup %s: %v", backup, err)
	}

	// A fresh store is writable; the one that loaded the legacy form locks
	// itself read-only.
	out := pool.NewStore(path)
	if err := out.Save(creds); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("\n✓ Converted %s to array form (%d credential(s), original kept at %s)\n", path, len(creds), backup)
}
