// rcgen renders the resource script recond would run for a tool and target,
// without running it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/msfrecon/recond/internal/authz"
	"github.com/msfrecon/recond/internal/log"
	"github.com/msfrecon/recond/internal/parser"
	"github.com/msfrecon/recond/internal/rcscript"
	"github.com/msfrecon/recond/internal/registry"
	"github.com/spf13/cobra"
)

var (
	flagRegistry string
	flagParams   map[string]string
	flagIndex    int
)

func main() {
	cmd.Flags().StringVar(&flagRegistry, "registry", "", "directory with module definitions, default is the builtin set")
	cmd.Flags().StringToStringVarP(&flagParams, "param", "p", nil, "tool parameter as key=value, may be repeated")
	cmd.Flags().IntVar(&flagIndex, "index", 0, "position of the tool in its job")

	slog.SetDefault(log.New(os.Stderr, false))
	if err := cmd.Execute(); err != nil {
		slog.Error("rcgen failed", "err", err)
		os.Exit(1)
	}
}

var cmd = &cobra.Command{
	Use:           "rcgen <tool> <target>",
	Short:         "render a resource script without running it",
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Load(flagRegistry, registry.WithGrammars(parser.Known))
		if err != nil {
			return err
		}
		m, err := reg.Lookup(args[0])
		if err != nil {
			return err
		}
		target, err := authz.ParseTarget(args[1])
		if err != nil {
			return err
		}
		params := make(map[string]any, len(flagParams))
		for k, v := range flagParams {
			params[k] = v
		}
		resolved, err := m.Resolve(params)
		if err != nil {
			return err
		}
		script, err := rcscript.Render(m, resolved, target, flagIndex)
		if err != nil {
			return err
		}
		slog.Debug("rendered", "name", script.Name, "interpreter", script.Interpreter)
		_, err = fmt.Fprint(cmd.OutOrStdout(), script.Body)
		return err
	},
}
