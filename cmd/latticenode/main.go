// Command latticenode runs one block-lattice consensus node, following the
// teacher's app/app.go cli.App composition (commands, global debug/config
// flags, Before hook) generalized from a protocol-client CLI to a server
// bootstrap CLI.
package main

import (
	"os"
	"path"

	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/onet/v3/app"
	"go.dedis.ch/onet/v3/cfgpath"
	"go.dedis.ch/onet/v3/log"
	"gopkg.in/urfave/cli.v1"
)

// DefaultName names the binary and its default config directory, the way
// the teacher's DefaultName does for "lotmint".
const DefaultName = "latticenode"

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = DefaultName
	cliApp.Usage = "runs a block-lattice consensus node"
	cliApp.Version = "0.1"
	cliApp.Commands = []cli.Command{
		{
			Name:   "server",
			Usage:  "start the node and serve the onet transport until killed",
			Action: cmdServer,
		},
		{
			Name:   "setup",
			Usage:  "interactively write a server configuration file",
			Action: cmdSetup,
		},
	}
	cliApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "debug, d",
			Value: 1,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
		cli.StringFlag{
			Name:  "config, c",
			Value: path.Join(cfgpath.GetConfigPath(DefaultName), "private.toml"),
			Usage: "server configuration file",
		},
	}
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	log.ErrFatal(cliApp.Run(os.Args))
}

// cmdServer starts the onet server named by the config file, registering
// this binary's service (and every consensus-core component it wires up in
// Service.wire) against it, exactly as onet.RegisterNewService's init()
// side effect already did at package load.
func cmdServer(c *cli.Context) error {
	config := c.GlobalString("config")
	if _, err := os.Stat(config); os.IsNotExist(err) {
		log.Fatalf("configuration file does not exist: %s", config)
	}
	app.RunServer(config)
	return nil
}

// cmdSetup delegates to onet's interactive server-config wizard, the same
// one cothority-based conodes use to produce a server configuration file.
func cmdSetup(c *cli.Context) error {
	suite, err := suites.Find("Ed25519")
	if err != nil {
		return err
	}
	app.InteractiveConfig(suite, DefaultName)
	return nil
}
