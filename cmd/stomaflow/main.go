// stomaflow is the one-way bridge daemon between a dental clinic's
// appointment database and its CRM. See `stomaflow serve --help`.
package main

import (
	"os"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/stomaflow/bridge/internal/config"
	"github.com/stomaflow/bridge/internal/model"
)

const iniFilename = "stomaflow.ini"

var (
	// Config is the process-wide option surface, populated from the ini
	// file, then environment, then flags.
	Config = new(config.Config)
	parser = flags.NewParser(Config, flags.Default)
)

func main() {
	addCommands(parser)

	// The ini file is optional; flags and environment can carry everything.
	if err := flags.NewIniParser(parser).ParseFile(iniFilename); err != nil && !os.IsNotExist(err) {
		log.WithFields(log.Fields{"file": iniFilename, "err": err}).Fatal("failed to parse config file")
	}

	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok {
			// go-flags already printed usage errors.
			if flagErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(1)
		}
		log.WithField("err", err).Error("command failed")
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command failure to the documented process exit codes:
// 1 for configuration and runtime failures, 2 for corrupt local state.
func exitCode(err error) int {
	if model.KindOf(err) == model.KindStorageCorrupt {
		return 2
	}
	return 1
}

func addCommands(parser *flags.Parser) {
	var mustAdd = func(name, short, long string, cmd any) *flags.Command {
		c, err := parser.AddCommand(name, short, long, cmd)
		if err != nil {
			panic(err)
		}
		return c
	}

	mustAdd("serve", "Run the sync daemon",
		`Serve runs the periodic sync loop until interrupted: drain the retry
queue, stream changed appointments past the watermark, reconcile them into
the CRM, and project treatment plans.`, &cmdServe{})

	mustAdd("check", "Probe the source database and the CRM",
		`Check verifies both ends are reachable with the current configuration
and prints source statistics. Exits non-zero if either probe fails.`, &cmdCheck{})

	mustAdd("print-config", "Print the effective configuration",
		`Print-config renders the configuration after applying the ini file,
environment, and flags, in ini form.`, &cmdPrintConfig{})

	var queueCmd, err = parser.AddCommand("queue", "Inspect the retry queue",
		"Queue groups diagnostics over the durable retry store.", &struct{}{})
	if err != nil {
		panic(err)
	}
	if _, err = queueCmd.AddCommand("list", "List queued records",
		"List prints every queued record with its attempt state.", &cmdQueueList{}); err != nil {
		panic(err)
	}
	if _, err = queueCmd.AddCommand("reset", "Reset a record's attempts",
		"Reset clears a queued record's attempt count and makes it due now.", &cmdQueueReset{}); err != nil {
		panic(err)
	}
	if _, err = queueCmd.AddCommand("dead", "List dead letters",
		"Dead prints the records that exhausted their retries.", &cmdQueueDead{}); err != nil {
		panic(err)
	}
}
