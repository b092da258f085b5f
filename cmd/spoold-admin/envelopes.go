package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/migadu/spoold/config"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/server/idgen"
	"github.com/migadu/spoold/spool"
	"github.com/migadu/spoold/storage"
)

func openSpool(ctx context.Context, cfg *config.Config) spool.Repository {
	repo, err := spool.NewFromConfig(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to open spool: %v", err)
	}
	return repo
}

func openBodies(cfg *config.Config) storage.BodyStore {
	bodies, err := storage.NewFromConfig(&cfg.BodyStore)
	if err != nil {
		logger.Fatalf("Failed to open body store: %v", err)
	}
	return bodies
}

func handleList(ctx context.Context) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	state := fs.String("state", "", "Only list envelopes in this state")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	fs.Usage = func() {
		fmt.Printf(`List spooled envelopes

Usage:
  spoold-admin list [options]

Options:
  --state string    Only list envelopes in this state
  --json            Output in JSON format instead of a table
  --config string   Path to TOML configuration file (default: config.toml)
`)
	}
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	repo := openSpool(ctx, &cfg)
	defer repo.Close()

	var envs []*envelope.Envelope
	for env, err := range spool.Envelopes(ctx, repo) {
		if err != nil {
			logger.Fatalf("Failed to list envelopes: %v", err)
		}
		if *state != "" && env.State != *state {
			continue
		}
		envs = append(envs, env)
	}
	slices.SortFunc(envs, func(a, b *envelope.Envelope) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	if *jsonOutput {
		printJSON(envs)
		return
	}
	if len(envs) == 0 {
		fmt.Println("No envelopes found.")
		return
	}

	fmt.Printf("%-22s %-12s %-30s %-6s %-7s %-19s %s\n", "ID", "STATE", "SENDER", "RCPTS", "RETRIES", "UPDATED", "ERROR")
	for _, env := range envs {
		sender := env.SenderString()
		if sender == "" {
			sender = "<>"
		}
		fmt.Printf("%-22s %-12s %-30s %-6d %-7d %-19s %s\n",
			env.ID, env.State, truncate(sender, 30), len(env.Recipients), env.RetryCount,
			env.LastUpdated.Format("2006-01-02 15:04:05"), truncate(env.ErrorMessage, 60))
	}
	fmt.Printf("\nTotal: %d envelope(s)\n", len(envs))
}

func handleShow(ctx context.Context) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.String("id", "", "Envelope id (required)")
	withBody := fs.Bool("body", false, "Print the message after the envelope")
	fs.Usage = func() {
		fmt.Println("Usage: spoold-admin show --id ID [--body] [--config config.toml]")
		fmt.Println("Prints one envelope as JSON, optionally followed by its message.")
	}
	fs.Parse(os.Args[2:])
	if *id == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	repo := openSpool(ctx, &cfg)
	defer repo.Close()

	env, err := repo.Retrieve(ctx, *id)
	if err != nil {
		logger.Fatalf("Failed to retrieve envelope %s: %v", *id, err)
	}
	printJSON(env)

	if *withBody && !env.Body.IsZero() {
		rc, err := openBodies(&cfg).Get(ctx, env.Body.Key)
		if err != nil {
			logger.Fatalf("Failed to read message body %s: %v", env.Body.Key, err)
		}
		defer rc.Close()
		fmt.Println()
		io.Copy(os.Stdout, rc)
	}
}

func handleRequeue(ctx context.Context) {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.String("id", "", "Envelope id (required)")
	state := fs.String("state", "", "Target processor (default: the processor it failed in, or the root processor)")
	resetRetries := fs.Bool("reset-retries", false, "Reset the retry count")
	fs.Usage = func() {
		fmt.Println("Usage: spoold-admin requeue --id ID [--state NAME] [--reset-retries] [--config config.toml]")
		fmt.Println("Moves an idle envelope to a processor and clears its last error.")
	}
	fs.Parse(os.Args[2:])
	if *id == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	repo := openSpool(ctx, &cfg)
	defer repo.Close()

	target := *state
	if target == "" {
		env, err := repo.Retrieve(ctx, *id)
		if err != nil {
			logger.Fatalf("Failed to retrieve envelope %s: %v", *id, err)
		}
		target = env.FailedState
		if _, ok := cfg.Processor(target); !ok {
			target = cfg.Manager.GetRootProcessor()
		}
	}
	if _, ok := cfg.Processor(target); !ok {
		logger.Fatalf("Unknown processor %q", target)
	}

	env, err := spool.Requeue(ctx, repo, *id, target, *resetRetries)
	if err != nil {
		logger.Fatalf("Failed to requeue envelope %s: %v", *id, err)
	}
	fmt.Printf("Envelope %s requeued to %s (retries: %d)\n", env.ID, env.State, env.RetryCount)
}

func handleRemove(ctx context.Context) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.String("id", "", "Envelope id (required)")
	fs.Usage = func() {
		fmt.Println("Usage: spoold-admin remove --id ID [--config config.toml]")
		fmt.Println("Deletes an idle envelope. Its body is left for the cleaner.")
	}
	fs.Parse(os.Args[2:])
	if *id == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	repo := openSpool(ctx, &cfg)
	defer repo.Close()

	if err := spool.Delete(ctx, repo, *id); err != nil {
		logger.Fatalf("Failed to remove envelope %s: %v", *id, err)
	}
	fmt.Printf("Envelope %s removed\n", *id)
}

func handleInject(ctx context.Context) {
	fs := flag.NewFlagSet("inject", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	senderFlag := fs.String("sender", "", "Envelope sender, empty or <> for the null sender")
	recipientsFlag := fs.String("recipients", "", "Comma separated envelope recipients (required)")
	file := fs.String("file", "", "Message file (default: read stdin)")
	state := fs.String("state", "", "Processor to start in (default: the root processor)")
	fs.Usage = func() {
		fmt.Println("Usage: spoold-admin inject --recipients LIST [--sender ADDR] [--file FILE] [--state NAME] [--config config.toml]")
		fmt.Println("Stores a message and spools a new envelope for it.")
	}
	fs.Parse(os.Args[2:])

	recipients, err := envelope.ParseAddressList(*recipientsFlag)
	if err != nil || len(recipients) == 0 {
		fs.Usage()
		os.Exit(1)
	}
	var sender *envelope.Address
	if s := strings.TrimSpace(*senderFlag); s != "" && s != "<>" {
		a, err := envelope.ParseAddress(s)
		if err != nil {
			logger.Fatalf("Invalid sender: %v", err)
		}
		sender = &a
	}

	cfg := loadConfig(*configPath)
	target := *state
	if target == "" {
		target = cfg.Manager.GetRootProcessor()
	}
	if _, ok := cfg.Processor(target); !ok {
		logger.Fatalf("Unknown processor %q", target)
	}

	var in io.Reader = os.Stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			logger.Fatalf("Failed to open %s: %v", *file, err)
		}
		defer f.Close()
		in = f
	}

	ref, err := storage.PutContent(ctx, openBodies(&cfg), in)
	if err != nil {
		logger.Fatalf("Failed to store message: %v", err)
	}

	repo := openSpool(ctx, &cfg)
	defer repo.Close()

	env := envelope.New(idgen.New(), sender, recipients, target, ref)
	env.RemoteHost = "spoold-admin"
	if err := repo.Store(ctx, env); err != nil {
		logger.Fatalf("Failed to spool message: %v", err)
	}
	fmt.Printf("Message spooled as %s in %s (%d bytes, %d recipient(s))\n", env.ID, env.State, ref.Size, len(env.Recipients))
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Fatalf("Failed to encode JSON: %v", err)
	}
	fmt.Println(string(data))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
