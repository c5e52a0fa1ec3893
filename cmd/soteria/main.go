// Copyright 2025 The Soteria Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command soteria runs a capability-secured agent orchestration node.
//
// Usage:
//
//	soteria serve --config config.yaml
//	soteria serve --port 9090 --cluster-strategy static --cluster-members node2:8080
//	soteria validate config.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/soteria-run/soteria/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start an orchestration node."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or custom)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("Soteria version %s\n", buildVersion())
	return nil
}

// buildVersion reports the module version stamped into the binary, or
// "dev" for local builds.
func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			return info.Main.Version
		}
	}
	return "dev"
}

// printBanner prints a colored ASCII banner.
func printBanner() {
	// Only on a terminal; piped output stays clean.
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			return
		}
	} else {
		return
	}

	// Amber: #f59e0b = RGB(245, 158, 11)
	amberColor := "\033[38;2;245;158;11m"
	resetColor := "\033[0m"

	banner := `
███████╗ ██████╗ ████████╗███████╗██████╗ ██╗ █████╗
██╔════╝██╔═══██╗╚══██╔══╝██╔════╝██╔══██╗██║██╔══██╗
███████╗██║   ██║   ██║   █████╗  ██████╔╝██║███████║
╚════██║██║   ██║   ██║   ██╔══╝  ██╔══██╗██║██╔══██║
███████║╚██████╔╝   ██║   ███████╗██║  ██║██║██║  ██║
╚══════╝ ╚═════╝    ╚═╝   ╚══════╝╚═╝  ╚═╝╚═╝╚═╝  ╚═╝
`
	fmt.Printf("%s%s%s\n", amberColor, banner, resetColor)
}

// shouldSkipBanner checks if the command should skip the banner.
// Informational commands (version, validate, schema) stay quiet.
func shouldSkipBanner(args []string) bool {
	if len(args) < 2 {
		return false
	}

	for _, arg := range args {
		if arg == "version" || arg == "validate" || arg == "schema" {
			return true
		}
	}
	return false
}

func main() {
	if !shouldSkipBanner(os.Args) {
		printBanner()
	}

	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("soteria"),
		kong.Description("Soteria - capability-secured agent orchestration"),
		kong.UsageOnError(),
	)

	// Logger comes up before any command runs so command output and
	// runtime logs share one sink.
	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
