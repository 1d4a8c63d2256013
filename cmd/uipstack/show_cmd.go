package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/config"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/log"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/tcpip"
)

// showCmd parses a config file and prints the devices/routes it
// declares, without opening any device — a dry-run config check.
type showCmd struct {
	configPath string
}

func (*showCmd) Name() string     { return "show" }
func (*showCmd) Synopsis() string { return "print a config file's devices and routes" }
func (*showCmd) Usage() string    { return "show -config <path>\n" }

func (c *showCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "uipstack.toml", "path to TOML configuration")
}

func (c *showCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		log.Errorf("uipstack: %v", err)
		return subcommands.ExitFailure
	}

	for _, dc := range cfg.Devices {
		addr, err := tcpip.ParseAddress(dc.Address)
		if err != nil {
			log.Errorf("uipstack: device %s: address: %v", dc.Name, err)
			return subcommands.ExitFailure
		}
		mask, err := tcpip.ParseAddress(dc.Netmask)
		if err != nil {
			log.Errorf("uipstack: device %s: netmask: %v", dc.Name, err)
			return subcommands.ExitFailure
		}
		netmask := tcpip.Mask{mask[0], mask[1], mask[2], mask[3]}
		broadcast := addr.And(netmask).Or(netmask.Complement())
		fmt.Printf("%s\t%s\t%s/%s\tbroadcast %s\n", dc.Name, dc.Kind, addr, dc.Netmask, broadcast)
	}
	if cfg.DefaultGateway != "" {
		fmt.Printf("default\tvia %s\n", cfg.DefaultGateway)
	}
	return subcommands.ExitSuccess
}
