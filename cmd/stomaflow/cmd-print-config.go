package main

import (
	"os"

	flags "github.com/jessevdk/go-flags"
)

type cmdPrintConfig struct{}

func (cmd *cmdPrintConfig) Execute([]string) error {
	flags.NewIniParser(parser).Write(os.Stdout,
		flags.IniIncludeDefaults|flags.IniCommentDefaults|flags.IniIncludeComments)
	return nil
}
