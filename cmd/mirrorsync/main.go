package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/mirrorsync/internal/config"
	"github.com/alexjbarnes/mirrorsync/internal/logging"
	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/pairing"
)

var Version = "dev"

const usage = `usage: mirrorsync [command]

commands:
  run                       mirror messages until interrupted (default)
  pair <payload> [reject]   approve or reject a scanned pairing payload
  qr <payload> <out.png>    render a pairing payload as a QR image
  devices                   list paired companion devices
  unpair <device-id>        remove a paired device
  version                   print the version
`

// errUsage marks a malformed command line.
var errUsage = errors.New("invalid arguments")

func main() {
	if err := dispatch(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(args []string, out io.Writer) error {
	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	// Commands that need neither config nor state.
	switch cmd {
	case "version":
		fmt.Fprintln(out, Version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	case "qr":
		if len(args) != 2 {
			return fmt.Errorf("%w: qr takes <payload> <out.png>", errUsage)
		}
		return writeQR(args[0], args[1], out)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		return run(ctx, cfg, logger)
	case "pair":
		if len(args) < 1 || len(args) > 2 || (len(args) == 2 && args[1] != "reject") {
			return fmt.Errorf("%w: pair takes <payload> [reject]", errUsage)
		}
		return withApp(ctx, cfg, logger, func(a *app) error {
			return pair(ctx, a, args[0], len(args) == 1, out)
		})
	case "devices":
		return withApp(ctx, cfg, logger, func(a *app) error {
			return listDevices(ctx, a, out)
		})
	case "unpair":
		if len(args) != 1 {
			return fmt.Errorf("%w: unpair takes <device-id>", errUsage)
		}
		return withApp(ctx, cfg, logger, func(a *app) error {
			if err := a.pairing.Unpair(ctx, models.DeviceID(args[0])); err != nil {
				return err
			}
			a.devices.Invalidate()
			fmt.Fprintf(out, "removed %s\n", args[0])
			return nil
		})
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("mirrorsync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.Bool("in_memory", cfg.InMemory()),
		slog.String("blob_backend", cfg.BlobBackend),
		slog.String("spool", cfg.SpoolDir),
	)

	return withApp(ctx, cfg, logger, func(a *app) error {
		return a.run(ctx)
	})
}

func withApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(a *app) error) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	return fn(a)
}

func pair(ctx context.Context, a *app, encoded string, approve bool, out io.Writer) error {
	p, err := pairing.DecodePayload(encoded)
	if err != nil {
		return err
	}

	if p.Expired(time.Now()) {
		return fmt.Errorf("pairing code for %q has expired, generate a new one", p.Device.Name)
	}

	res := a.pairing.ResolvePairing(ctx, p, approve)

	switch res.Outcome {
	case pairing.Approved:
		a.devices.Invalidate()

		d := p.Device
		if res.Device != nil {
			d = *res.Device
		}
		fmt.Fprintf(out, "paired %s (%s)\n", d.Name, d.ID)
		if res.VerificationCode != "" {
			fmt.Fprintf(out, "verification code: %s\n", res.VerificationCode)
		}
		return nil
	case pairing.Rejected:
		fmt.Fprintf(out, "rejected %s\n", p.Device.Name)
		return nil
	}

	if res.LimitReached() {
		return fmt.Errorf("%w, unpair a device to continue", res.DeviceLimit)
	}

	if res.Err == nil {
		return errors.New("pairing failed")
	}

	return fmt.Errorf("pairing failed: %w", res.Err)
}

func listDevices(ctx context.Context, a *app, out io.Writer) error {
	devices, err := a.pairing.ListDevices(ctx)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Fprintln(out, "no paired devices")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPLATFORM")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Name, d.Platform)
	}

	return tw.Flush()
}

func writeQR(encoded, path string, out io.Writer) error {
	p, err := pairing.DecodePayload(encoded)
	if err != nil {
		return err
	}

	if err := pairing.WriteQR(encoded, path); err != nil {
		return err
	}

	fmt.Fprintf(out, "wrote pairing code for %s to %s\n", p.Device.Name, path)
	return nil
}
