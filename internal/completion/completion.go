// Package completion provides shell tab-completion for claudia.
//
// The binary completes itself: when the shell invokes it with COMP_LINE set,
// it prints the candidates and exits. Bash, zsh and fish are supported after
// a one-time install.
package completion

import (
	"os"
	"sort"
	"strings"

	"github.com/posener/complete/v2"
	"github.com/posener/complete/v2/install"
	"github.com/posener/complete/v2/predict"
)

const programName = "claudia"

var logLevels = predict.Set{"trace", "debug", "info", "warn", "error"}

var platforms = predict.Set{"linux", "darwin", "windows"}

// commonFlags are accepted by every subcommand that loads configuration.
func commonFlags(extra map[string]complete.Predictor) map[string]complete.Predictor {
	flags := map[string]complete.Predictor{
		"config":    predict.Files("*.yaml"),
		"log-level": logLevels,
		"no-color":  predict.Nothing,
	}
	for k, v := range extra {
		flags[k] = v
	}
	return flags
}

// PolicyNames predicts names from the policy directory. list is called on
// every completion, so a policy added a moment ago is offered.
func PolicyNames(list func() []string) complete.PredictFunc {
	return func(prefix string) []string {
		var out []string
		for _, name := range list() {
			if strings.HasPrefix(name, prefix) {
				out = append(out, name)
			}
		}
		sort.Strings(out)
		return out
	}
}

// Tree is the completion tree for the claudia CLI. policies predicts policy
// names for compile.
func Tree(policies complete.Predictor) *complete.Command {
	documents := predict.Or(predict.Files("*.yaml"), predict.Files("*.yml"), predict.Files("*.json"))
	return &complete.Command{
		Sub: map[string]*complete.Command{
			"compile": {
				Flags: commonFlags(map[string]complete.Predictor{
					"platform": platforms,
					"output":   predict.Files("*"),
					"o":        predict.Files("*"),
					"watch":    predict.Nothing,
				}),
				Args: predict.Or(policies, documents),
			},
			"scenario": {
				Flags: commonFlags(map[string]complete.Predictor{
					"suite": documents,
					"name":  predict.Something,
				}),
			},
			"suite": {
				Flags: commonFlags(map[string]complete.Predictor{
					"parallelism": predict.Something,
					"j":           predict.Something,
					"tolerant":    predict.Nothing,
				}),
				Args: documents,
			},
			"env":        {Flags: commonFlags(nil)},
			"completion": {Flags: map[string]complete.Predictor{"install": predict.Nothing, "uninstall": predict.Nothing}},
			"version":    {},
			"help":       {},
		},
	}
}

// Requested reports whether the shell invoked the binary for completion.
func Requested() bool {
	return os.Getenv("COMP_LINE") != "" || os.Getenv("COMP_INSTALL") != "" || os.Getenv("COMP_UNINSTALL") != ""
}

// Run answers a completion request when one is pending and reports whether
// it did. Otherwise the program continues normally.
func Run(policies complete.Predictor) bool {
	if !Requested() {
		return false
	}
	Tree(policies).Complete(programName)
	return true
}

// Install sets up shell completion for the detected shells.
func Install() error {
	return install.Install(programName)
}

// Uninstall removes shell completion for the detected shells.
func Uninstall() error {
	return install.Uninstall(programName)
}

// IsInstalled reports whether shell completion is already set up.
func IsInstalled() bool {
	return install.IsInstalled(programName)
}
