// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var version = "dev"

// Handler is one subcommand.
type Handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int

func (f HandlerFunc) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return f(prog, args, stdin, stdout, stderr)
}

var versionCmd = HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%s %s\n", prog, version)
	return 0
})

// multi dispatches to a named subcommand.
type multi map[string]Handler

func (m multi) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		m.usage(prog, stderr)
		return 2
	}
	cmd, ok := m[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "%s: unrecognized command %q\n", prog, args[0])
		m.usage(prog, stderr)
		return 2
	}
	return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
}

func (m multi) usage(prog string, stderr io.Writer) {
	var names []string
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(stderr, "usage: %s command [args]\n\ncommands:\n", prog)
	for _, name := range names {
		fmt.Fprintf(stderr, "  %s\n", name)
	}
}

var handler = multi{
	"version":   versionCmd,
	"-version":  versionCmd,
	"--version": versionCmd,

	"ingest":       &ingester{},
	"qc":           &qccmd{},
	"merge":        &merger{},
	"normalize":    &normalizecmd{},
	"reduce":       &reducecmd{},
	"cluster":      &clustercmd{},
	"diffexp":      &diffexpcmd{},
	"subset":       &subsetcmd{},
	"stats":        &statscmd{},
	"export-numpy": &exportNumpy{},
	"enrich":       &enrichcmd{},
}

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
