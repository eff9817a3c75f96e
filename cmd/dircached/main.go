// Command dircached runs a standalone directory cache core: it keeps a
// consensus document and microdescriptor cache up to date and serves
// them to node-linkage queries, without also running a relay or client.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tos-network/dircache/dirauth/digestmap"
	"github.com/tos-network/dircache/dirauth/dirconfig"
	"github.com/tos-network/dircache/dirauth/dircontext"
	"github.com/tos-network/dircache/dirauth/dirlog"
	"github.com/tos-network/dircache/dirauth/sigverify"
)

var (
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "data directory for the microdescriptor cache and consensus files",
		Value: dirconfig.DefaultConfig.DataDirectory,
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML config file path",
	}
	useMicrodescsFlag = &cli.StringFlag{
		Name:  "usemicrodescriptors",
		Usage: "true, false, or auto",
		Value: "auto",
	}
	useBridgesFlag = &cli.BoolFlag{
		Name:  "usebridges",
		Usage: "operate in bridge-client mode",
	}
)

func main() {
	app := &cli.App{
		Name:  "dircached",
		Usage: "a standalone Tor-style directory cache core",
		Flags: []cli.Flag{dataDirFlag, configFlag, useMicrodescsFlag, useBridgesFlag},
		Commands: []*cli.Command{
			runCommand,
		},
		Action: runAction,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "run the directory cache tick loop",
	Flags:  []cli.Flag{dataDirFlag, configFlag, useMicrodescsFlag, useBridgesFlag},
	Action: runAction,
}

func loadConfig(c *cli.Context) (*dirconfig.Config, error) {
	var cfg *dirconfig.Config
	var err error
	if path := c.String(configFlag.Name); path != "" {
		cfg, err = dirconfig.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		def := dirconfig.DefaultConfig
		cfg = &def
	}
	if c.IsSet(dataDirFlag.Name) {
		cfg.DataDirectory = c.String(dataDirFlag.Name)
	}
	if c.IsSet(useBridgesFlag.Name) {
		cfg.UseBridges = c.Bool(useBridgesFlag.Name)
	}
	if c.IsSet(useMicrodescsFlag.Name) {
		cfg.UseMicrodescriptors = c.String(useMicrodescsFlag.Name)
	}
	return cfg, nil
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDirectory, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	log := dirlog.Root().New("component", "dircached")
	log.SetHandler(dirlog.NewTerminalHandler(os.Stdout))

	// No live authority set or certificate source is wired in this
	// standalone binary; operators embedding this as a library should
	// supply their own via dircontext.New.
	var authorities []digestmap.Digest
	certs := sigverify.CertLookup(noCerts{})

	ctx, err := dircontext.New(cfg, authorities, certs, log)
	if err != nil {
		return fmt.Errorf("constructing directory cache context: %w", err)
	}

	if err := ctx.Bootstrap(time.Now()); err != nil {
		log.Warn("bootstrap failed", "err", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	log.Info("directory cache started", "id", ctx.ID, "datadir", cfg.DataDirectory)
	for {
		select {
		case now := <-ticker.C:
			ctx.Tick(now)
		case <-sigc:
			log.Info("shutting down")
			if ctx.NodeSnapshot != nil {
				if err := ctx.NodeSnapshot.Close(); err != nil {
					log.Warn("closing node snapshot failed", "err", err)
				}
			}
			return ctx.MDS.Close()
		}
	}
}

type noCerts struct{}

func (noCerts) Lookup(identity, signingKey digestmap.Digest) (*sigverify.Cert, bool) {
	return nil, false
}
