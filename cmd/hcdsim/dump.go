package main

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
)

var (
	yamlFlag = &cli.BoolFlag{
		Name:  "yaml",
		Usage: "print the topology as YAML instead",
	}
	descriptorsFlag = &cli.BoolFlag{
		Name:  "descriptors",
		Usage: "also print the device descriptor of every simulated keyboard",
	}
)

var dumpCommand = &cli.Command{
	Name:   "dump",
	Usage:  "Print a parsed topology",
	Flags:  []cli.Flag{topologyFlag, yamlFlag, descriptorsFlag},
	Action: dump,
}

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

func dump(ctx *cli.Context) error {
	topo, err := loadTopology(ctx)
	if err != nil {
		return err
	}
	w := ctx.App.Writer
	if ctx.Bool(yamlFlag.Name) {
		out, err := topo.Marshal()
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	}
	dumpConfig.Fdump(w, topo)

	if !ctx.Bool(descriptorsFlag.Name) {
		return nil
	}
	m, err := topo.Build()
	if err != nil {
		return err
	}
	for _, k := range m.Keyboards {
		fmt.Fprintln(w, headColor("%s", k.Name))
		dumpConfig.Fdump(w, k.Descriptor)
	}
	return nil
}
