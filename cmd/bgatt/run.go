package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/srg/bgatt"
	"github.com/srg/bgatt/internal/lua"
)

var runCmd = &cobra.Command{
	Use:   "run [script.lua]",
	Short: "Run a Lua script against the ble API",
	Long: `Runs a Lua script with the ble.* API bound to the adapter. Without a file one
of the bundled examples is run (the demo by default). Script arguments are
available in the global table "arg".

Examples:
  bgatt run
  bgatt run --example demo --arg address=AA:BB:CC:DD:EE:FF --arg scan=1
  bgatt run my.lua --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScriptCmd,
}

var (
	runArgs    map[string]string
	runExample string
	runJSON    bool
)

func init() {
	runCmd.Flags().StringToStringVar(&runArgs, "arg", nil, "Script argument as key=value (repeatable)")
	runCmd.Flags().StringVar(&runExample, "example", "demo", "Bundled script to run when no file is given: demo or uart")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Capture the output and print it as JSON")
}

type scriptResult struct {
	Script string `json:"script"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func loadScript(args []string) (name, source string, err error) {
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", "", fmt.Errorf("failed to read script file: %w", err)
		}
		return filepath.Base(args[0]), string(data), nil
	}
	switch runExample {
	case "demo":
		return "demo.lua", bgatt.DemoScript, nil
	case "uart":
		return "uart.lua", bgatt.UartScript, nil
	default:
		return "", "", fmt.Errorf("unknown example %q: must be demo or uart", runExample)
	}
}

func runScriptCmd(cmd *cobra.Command, args []string) error {
	name, source, err := loadScript(args)
	if err != nil {
		return err
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if !runJSON {
		return lua.RunScript(ctx, s.adapter, s.logger, source, name, runArgs, cmd.OutOrStdout(), cmd.ErrOrStderr())
	}

	out, err := lua.CaptureScript(ctx, s.adapter, s.logger, source, name, runArgs)
	res := scriptResult{Script: name, Output: out}
	if err != nil {
		res.Error = err.Error()
	}
	if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
		return werr
	}
	return err
}
