package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/coldbell/pricecaster/relayer/internal/config"
	"github.com/coldbell/pricecaster/relayer/internal/logging"
	"github.com/coldbell/pricecaster/relayer/internal/oracle"
	"github.com/coldbell/pricecaster/relayer/internal/slots"
	"github.com/coldbell/pricecaster/relayer/internal/slotstore"
	"github.com/coldbell/pricecaster/relayer/internal/wire"
)

const usage = `usage: slotadmin [-yes] <command>

commands:
  bootstrap            wipe both layouts and allocate the seed file entries
  reset                wipe both layouts without allocating
  check                compare the local layout with the chain
  dump                 print the local layout
  alloc <id> <ref>     allocate the next slot for price id <id> with asset ref <ref>
`

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	assumeYes := flag.Bool("yes", false, "skip the interactive confirmation")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadSlotAdminConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("slotadmin", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, flag.Args(), *assumeYes); err != nil {
		logger.Error("slotadmin failed", "command", flag.Arg(0), "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.SlotAdminConfig, logger *slog.Logger, args []string, assumeYes bool) error {
	store, err := slotstore.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open slot store: %w", err)
	}
	defer store.Close()

	ledger, err := oracle.New(cfg.Ledger, logger.With("component", "oracle"))
	if err != nil {
		return fmt.Errorf("init oracle client: %w", err)
	}
	manager := slots.NewManager(ledger, store, logger.With("component", "slots"))

	switch args[0] {
	case "bootstrap":
		seeds, err := slots.LoadSeeds(cfg.SeedFile, cfg.Network)
		if err != nil {
			return err
		}
		prompt := fmt.Sprintf("This wipes the %s slot layout and allocates %d slots on %s. Continue?", cfg.Network, len(seeds), ledger.PriceStore())
		if !confirm(os.Stdin, os.Stdout, prompt, assumeYes) {
			return errors.New("aborted by operator")
		}
		if err := manager.Bootstrap(ctx, seeds); err != nil {
			var bootErr *slots.BootstrapError
			if errors.As(err, &bootErr) {
				logger.Error("bootstrap stopped partway; rerun bootstrap to repair",
					"completed", bootErr.Completed,
					"price_id", bootErr.Failed.PriceID.Hex(),
					"asset_ref", bootErr.Failed.AssetRef,
				)
			}
			return err
		}
		return manager.Dump(ctx)

	case "reset":
		prompt := fmt.Sprintf("This wipes the %s slot layout on %s. Continue?", cfg.Network, ledger.PriceStore())
		if !confirm(os.Stdin, os.Stdout, prompt, assumeYes) {
			return errors.New("aborted by operator")
		}
		return manager.ResetOnly(ctx)

	case "check":
		if err := manager.Check(ctx); err != nil {
			return err
		}
		logger.Info("slot layout consistent with chain")
		return nil

	case "dump":
		return manager.Dump(ctx)

	case "alloc":
		if len(args) != 3 {
			return errors.New("alloc needs <price id> <asset ref>")
		}
		priceID, err := wire.ParsePriceID(args[1])
		if err != nil {
			return err
		}
		assetRef, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid asset ref %q: %w", args[2], err)
		}
		if err := manager.Check(ctx); err != nil {
			return err
		}
		slot, err := manager.AllocSlot(ctx, assetRef, priceID)
		if err != nil {
			return err
		}
		logger.Info("slot allocated", "slot", slot, "price_id", priceID.Hex(), "asset_ref", assetRef)
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func confirm(in io.Reader, out io.Writer, prompt string, assumeYes bool) bool {
	if assumeYes {
		return true
	}
	fmt.Fprintf(out, "%s [y/N] ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
