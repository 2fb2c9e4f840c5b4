package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/doublegate/wraith"
	"github.com/doublegate/wraith/internal/config"
	"github.com/doublegate/wraith/internal/identity"
	"github.com/doublegate/wraith/internal/logging"
	"github.com/doublegate/wraith/internal/metrics"
)

var (
	flagConfig  string
	flagKeygen  bool
	flagVersion bool
	flagHelp    bool
)

func init() {
	flag.StringVarP(&flagConfig, "config", "c", "", "Path to YAML configuration file")
	flag.BoolVar(&flagKeygen, "keygen", false, "Generate a new identity key file and exit")
	flag.BoolVarP(&flagVersion, "version", "V", false, "Print version and exit")
	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage and exit")
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		fatal(err)
	}
	if cfg.Log.Level != "" && os.Getenv(logging.EnvVar) == "" {
		if err := logging.Apply(cfg.Log.Level); err != nil {
			fatal(err)
		}
	}

	if flagKeygen {
		if err := keygen(cfg.Identity.KeyFile); err != nil {
			fatal(err)
		}
		os.Exit(0)
	}

	pass, err := readPassphrase("Passphrase for " + cfg.Identity.KeyFile + ": ")
	if err != nil {
		fatal(err)
	}
	id, err := identity.LoadFile(cfg.Identity.KeyFile, pass)
	if err != nil {
		fatal(err)
	}

	client, err := wraith.New(cfg, id)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		fatal(err)
	}
	defer client.Close()

	color.Green("wraithd running")
	fmt.Printf("peer id:   %s\n", client.PeerID())
	fmt.Printf("nat type:  %s\n", client.Discovery().NatType())

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(metrics.Sources{
			Registry: client.Discovery().Registry(),
		}))
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				fmt.Fprintln(os.Stderr, "metrics server:", err)
			}
		}()
		fmt.Printf("metrics:   http://%s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
	}

	<-ctx.Done()
	color.Yellow("shutting down")
}

func keygen(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	pass, err := readPassphrase("New passphrase: ")
	if err != nil {
		return err
	}
	confirm, err := readPassphrase("Confirm passphrase: ")
	if err != nil {
		return err
	}
	if string(pass) != string(confirm) {
		return fmt.Errorf("passphrases do not match")
	}

	id, err := identity.Generate()
	if err != nil {
		return err
	}
	if err := id.SaveFile(path, pass); err != nil {
		return err
	}
	color.Green("wrote %s", path)
	fmt.Printf("peer id: %s\n", id.PeerID())
	return nil
}

func readPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		defer fmt.Fprintln(os.Stderr)
		return term.ReadPassword(int(os.Stdin.Fd()))
	}
	// Piped input (tests, scripts).
	var pass string
	if _, err := fmt.Fscanln(os.Stdin, &pass); err != nil {
		return nil, err
	}
	return []byte(pass), nil
}

func fatal(err error) {
	color.Red("wraithd: %v", err)
	os.Exit(1)
}
