// Command layoutgen writes a device scene document generated from the
// register tables in a SQL dump.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/devscene/backend/internal/generator"
)

const (
	exitError  = 1
	exitNoData = 2
)

type options struct {
	deviceID string
	sqlPath  string
	out      string
	base     string
	styles   string
	green    string
	red      string
	interval int
}

func newRootCmd() *cobra.Command {
	opt := &options{}
	cmd := &cobra.Command{
		Use:           "layoutgen",
		Short:         "Generate a device scene from register_table rows",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opt)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opt.deviceID, "deviceId", "d", "", "device id to generate (required)")
	f.StringVar(&opt.sqlPath, "sql", "", "SQL dump holding device and register_table inserts (required)")
	f.StringVarP(&opt.out, "out", "o", "", "output file (default device_<id>_editor.json)")
	f.StringVar(&opt.base, "base", generator.DefaultBaseURL, "base URL of the register list API")
	f.StringVar(&opt.styles, "styles", "", "styles.yaml with on/off/transparent icons")
	f.StringVar(&opt.green, "green", "", "icon for a true state, overrides styles")
	f.StringVar(&opt.red, "red", "", "icon for a false state, overrides styles")
	f.IntVar(&opt.interval, "interval", generator.DefaultInterval, "polling interval in ms")
	_ = cmd.MarkFlagRequired("deviceId")
	_ = cmd.MarkFlagRequired("sql")
	return cmd
}

func run(cmd *cobra.Command, opt *options) error {
	dump, err := os.ReadFile(opt.sqlPath)
	if err != nil {
		return fmt.Errorf("reading SQL dump: %w", err)
	}

	styles := generator.DefaultStyles()
	if opt.styles != "" {
		if styles, err = generator.LoadStyles(opt.styles); err != nil {
			return fmt.Errorf("loading styles: %w", err)
		}
	}
	if opt.green != "" {
		styles.On = opt.green
	}
	if opt.red != "" {
		styles.Off = opt.red
	}

	doc, err := generator.Build(string(dump), opt.deviceID, generator.Options{
		BaseURL:  opt.base,
		Interval: opt.interval,
		Styles:   styles,
		Source:   filepath.Base(opt.sqlPath),
	})
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding scene: %w", err)
	}
	out := opt.out
	if out == "" {
		out = fmt.Sprintf("device_%s_editor.json", opt.deviceID)
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Written %s with %d modules and %d layers\n",
		out, len(doc.Front.APIs), len(doc.Front.Layers))
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "layoutgen: %v\n", err)
		if errors.Is(err, generator.ErrNoData) {
			os.Exit(exitNoData)
		}
		os.Exit(exitError)
	}
}
