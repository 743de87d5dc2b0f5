package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"cotamatch/internal/app"
	"cotamatch/internal/batch"
	"cotamatch/internal/config"
	"cotamatch/internal/connectors"
	"cotamatch/internal/export"
	"cotamatch/internal/intake"
	"cotamatch/internal/logger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	must(err)
	log, err := logger.New(cfg.LogMode)
	must(err)

	a, err := app.New(cfg, log)
	must(err)
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "catalog:sync":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		full := fs.Bool("full", false, "ignore the last sync mark and pull the whole catalog")
		_ = fs.Parse(args)
		res, err := a.Catalog.Sync(ctx, *full)
		must(err)
		printJSON(res)
	case "quotation:import":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		file := fs.String("file", "", "txt|html|xlsx|pdf|eml file")
		number := fs.String("numero", "", "quotation number")
		taxID := fs.String("cnpj", "", "customer CNPJ")
		_ = fs.Parse(args)
		if strings.TrimSpace(*file) == "" {
			must(fmt.Errorf("--file is required"))
		}
		kind, err := intake.KindFromFilename(*file)
		must(err)
		content, err := os.ReadFile(*file)
		must(err)
		src := intake.Source{Kind: kind, Content: content, Origin: "cli:" + filepath.Base(*file), Number: *number}
		if *taxID != "" {
			src.CustomerTaxID = taxID
		}
		res, err := a.Importer.Import(ctx, src)
		must(err)
		fmt.Printf("quotation imported id=%s numero=%s itens=%d\n", res.Quotation.ID, res.Quotation.Number, len(res.Items))
	case "analysis:run":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.String("id", "", "quotation id")
		_ = fs.Parse(args)
		if strings.TrimSpace(*id) == "" {
			must(fmt.Errorf("--id is required"))
		}
		res, err := a.Orchestrator.Run(ctx, *id)
		must(err)
		printJSON(res)
	case "embeddings:populate":
		runBatch(ctx, a, batch.LotPopulate)
	case "embeddings:drain":
		runBatch(ctx, a, batch.LotDrain)
	case "reconcile":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		threshold := fs.Duration("threshold", cfg.ReconcileStuckThreshold, "minimum age of a stuck analysis")
		_ = fs.Parse(args)
		rep, err := a.Reconciler.Reconcile(ctx, *threshold)
		must(err)
		printJSON(rep)
	case "export:xlsx":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		id := fs.String("id", "", "quotation id")
		out := fs.String("out", cfg.OutputDir, "output directory")
		_ = fs.Parse(args)
		if strings.TrimSpace(*id) == "" {
			must(fmt.Errorf("--id is required"))
		}
		path, err := export.Quotation(ctx, a.DB, *id, *out)
		must(err)
		fmt.Printf("exported %s\n", path)
	case "mail:fetch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", cfg.MailListenerProvider, "gmail|imap")
		label := fs.String("label", cfg.MailListenerLabel, "mailbox/label")
		max := fs.Int("max", 50, "max messages")
		_ = fs.Parse(args)
		conn, err := a.Listener.Connector(ctx, strings.ToLower(*provider))
		must(err)
		res, err := connectors.NewFetchService(a.DB, cfg.RawMailDir, conn, log).FetchAndStore(ctx, *label, *max)
		must(err)
		fmt.Printf("mail fetch done provider=%s fetched=%d stored=%d\n", *provider, res.Fetched, res.Stored)
	case "mail:import":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		provider := fs.String("provider", "", "only e-mails from this provider")
		size := fs.Int("batch", 20, "batch size")
		_ = fs.Parse(args)
		results, err := a.Importer.ImportPending(ctx, *size, strings.ToLower(*provider))
		must(err)
		imported := 0
		for _, r := range results {
			if !r.Skipped {
				imported++
			}
		}
		fmt.Printf("mail import done handled=%d imported=%d\n", len(results), imported)
	case "mail:listen":
		must(a.Listener.Run(ctx))
	case "serve":
		must(a.Serve(ctx))
	default:
		usage()
		os.Exit(1)
	}
}

func runBatch(ctx context.Context, a *app.App, name string) {
	rep := a.Batch.Drain(ctx, name)
	printJSON(rep)
	if err := rep.Err(); err != nil && !errors.Is(err, context.Canceled) {
		must(err)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	must(enc.Encode(v))
}

func usage() {
	fmt.Println("usage: cotamatch <command>")
	fmt.Println("commands:")
	fmt.Println("  catalog:sync [--full]")
	fmt.Println("  quotation:import --file=pedido.xlsx [--numero=...] [--cnpj=...]")
	fmt.Println("  analysis:run --id=<cotacao>")
	fmt.Println("  embeddings:populate")
	fmt.Println("  embeddings:drain")
	fmt.Println("  reconcile [--threshold=10m]")
	fmt.Println("  export:xlsx --id=<cotacao> [--out=./out]")
	fmt.Println("  mail:fetch --provider=gmail|imap --label=INBOX --max=50")
	fmt.Println("  mail:import [--provider=gmail|imap] [--batch=20]")
	fmt.Println("  mail:listen")
	fmt.Println("  serve")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
