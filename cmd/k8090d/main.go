package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"runtime"
	"syscall"

	"github.com/mdouchement/k8090d"
	listports "github.com/mdouchement/k8090d/cmd/k8090d/list_ports"
	"github.com/mdouchement/k8090d/k8090"
	"github.com/mdouchement/k8090d/k8090/virtual"
	"github.com/mdouchement/logger"
	"github.com/spf13/cobra"
)

var (
	version  = "dev"
	revision = "none"
	date     = "unknown"

	cpath string
	dummy bool
)

func main() {
	cmd := &cobra.Command{
		Use:     "k8090d",
		Short:   "A daemon driving a Velleman K8090 relay card",
		Version: fmt.Sprintf("%s - build %.7s @ %s - %s", version, revision, date, runtime.Version()),
		Args:    cobra.NoArgs,
		RunE:    daemon,
	}
	cmd.Flags().StringVarP(&cpath, "config", "c", "/etc/k8090d/k8090d.yml", "Configfile path")
	cmd.Flags().BoolVarP(&dummy, "dummy", "", false, "Start k8090d with a virtual K8090")
	cmd.AddCommand(listports.Command())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Version for k8090d",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(cmd.Version)
		},
	})

	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func daemon(_ *cobra.Command, args []string) error {
	cfg, err := k8090d.Load(cpath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	h := logger.NewSlogTextHandler(os.Stdout, &logger.SlogTextOption{
		Level:            level,
		ForceColors:      true,
		ForceFormatting:  true,
		PrefixRE:         regexp.MustCompile(`^(\[.*?\])\s`),
		DisableTimestamp: true, // Provided by journalctl
	})
	log := logger.WrapSlogHandler(h)
	ctx := logger.WithLogger(context.Background(), log)

	log.Infof("k8090d version %s", version)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cfg.Options()
	if cfg.Debug {
		opts.Logger = log
	}

	var card *k8090.Card
	switch {
	case dummy:
		dev := virtual.New()
		go dev.Run(ctx)
		card, err = k8090.New(dev, opts)
	case cfg.Port == k8090d.PortAuto:
		card, err = k8090.OpenAuto(opts)
	default:
		card, err = k8090.Open(cfg.Port, opts)
	}
	if err != nil {
		return fmt.Errorf("k8090: %w", err)
	}
	defer card.Close()

	controller, err := k8090d.New(cfg, card)
	if err != nil {
		return err
	}

	if err = controller.Setup(ctx); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if fw, ok := card.Mirror().Firmware(); ok {
		log.Infof("Firmware - %s", fw)
	}
	if jumper, ok := card.Mirror().Jumper(); ok && jumper {
		log.Warn("Jumper is set, buttons do not drive the relays")
	}

	controller.Launch(ctx)
	<-ctx.Done()

	log.Info("Gracefully shutdown")
	return controller.Wait()
}
