package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/batchd/internal/device"
)

type devicesReport struct {
	GoVersion string         `json:"go_version"`
	GoOS      string         `json:"go_os"`
	GoArch    string         `json:"go_arch"`
	CPUs      int            `json:"cpus"`
	Available []string       `json:"available"`
	Probed    []probedDevice `json:"probed,omitempty"`
}

type probedDevice struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
}

func devicesCmd() *cli.Command {
	var (
		probe   int64
		jsonOut bool
	)

	return &cli.Command{
		Name:  "devices",
		Usage: "List device kinds usable in this build",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "probe",
				Usage:       "open this many devices of the default kind to check they work (0 = list only)",
				Destination: &probe,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON",
				Destination: &jsonOut,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			report := devicesReport{
				GoVersion: runtime.Version(),
				GoOS:      runtime.GOOS,
				GoArch:    runtime.GOARCH,
				CPUs:      runtime.NumCPU(),
				Available: strings.Split(device.Available(), ","),
			}
			if probe > 0 {
				devs, err := device.OpenAll(device.Auto, int(probe), 0)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				for _, d := range devs {
					report.Probed = append(report.Probed, probedDevice{Index: d.Index(), Kind: d.Kind()})
					_ = d.Close()
				}
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Printf("available: %s\n", strings.Join(report.Available, ", "))
			fmt.Printf("platform:  %s/%s (%s), %d CPUs\n", report.GoOS, report.GoArch, report.GoVersion, report.CPUs)
			for _, d := range report.Probed {
				fmt.Printf("device %d: %s\n", d.Index, d.Kind)
			}
			return nil
		},
	}
}
