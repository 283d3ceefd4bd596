package cmd

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"aibridge/internal/client/factory"
	"aibridge/internal/config"
)

const modelsUsage = `Usage:
  aibridge models --config <path>

Flags:
  --config string   Path to YAML configuration file (required)`

func listModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, modelsUsage)
	}

	var cfgPath string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse models flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("models command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	registry, err := factory.BuildRegistry(cfg)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tTYPE\tVISION\tTOOLS\tMAX INPUT\tMAX OUTPUT")
	for _, d := range registry.Descriptors() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID(),
			d.Type,
			yesNo(d.SupportsVision),
			yesNo(d.SupportsFunctionCalling),
			countOrDash(d.MaxInputTokens),
			countOrDash(d.MaxOutputTokens),
		)
	}
	return w.Flush()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func countOrDash(n int) string {
	if n <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}
