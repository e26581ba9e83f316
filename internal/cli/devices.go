package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openpin/openpin/internal/config"
)

var devicesJSONFlag bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the ball devices of a machine config",
	RunE:  runDevices,
}

func init() {
	devicesCmd.Flags().BoolVar(&devicesJSONFlag, "json", false, "Output as JSON")
	rootCmd.AddCommand(devicesCmd)
}

type deviceInfo struct {
	Name       string   `json:"name"`
	Capacity   int      `json:"capacity"`
	Ejector    string   `json:"ejector"`
	Targets    []string `json:"targets,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Mechanical bool     `json:"mechanical,omitempty"`
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(cfg.BallDevices))
	for name := range cfg.BallDevices {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]deviceInfo, 0, len(names))
	for _, name := range names {
		dev := cfg.BallDevices[name]
		infos = append(infos, deviceInfo{
			Name:       name,
			Capacity:   dev.Capacity(),
			Ejector:    ejectorKind(dev),
			Targets:    dev.EjectTargets,
			Tags:       dev.Tags,
			Mechanical: dev.MechanicalEject,
		})
	}

	if devicesJSONFlag {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	for _, info := range infos {
		line := fmt.Sprintf("%-16s capacity=%d ejector=%s", info.Name, info.Capacity, info.Ejector)
		if len(info.Targets) > 0 {
			line += fmt.Sprintf(" targets=%v", info.Targets)
		}
		if len(info.Tags) > 0 {
			line += fmt.Sprintf(" tags=%v", info.Tags)
		}
		fmt.Println(line)
	}
	return nil
}

func ejectorKind(dev config.BallDevice) string {
	switch {
	case dev.EjectCoil != "":
		return "pulse_coil"
	case dev.HoldCoil != "":
		return "hold_coil"
	case dev.EnableCoil != "":
		return "enable_coil"
	case dev.MechanicalEject:
		return "mechanical"
	default:
		return "none"
	}
}
