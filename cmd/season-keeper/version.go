package main

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set through -ldflags; unset values fall back to the VCS stamp.
var (
	version = "dev"
	commit  = "none"
	date    = ""
)

const gethModule = "github.com/ethereum/go-ethereum"

type buildMeta struct {
	Version string
	Commit  string
	Date    string
	Geth    string
}

func readBuildMeta(info *debug.BuildInfo, ok bool) buildMeta {
	m := buildMeta{Version: version, Commit: commit, Date: date}
	if !ok || info == nil {
		return m
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if m.Commit == "" || m.Commit == "none" {
				m.Commit = s.Value
			}
		case "vcs.time":
			if m.Date == "" {
				m.Date = s.Value
			}
		}
	}
	for _, dep := range info.Deps {
		if dep.Path == gethModule {
			m.Geth = dep.Version
		}
	}
	return m
}

func (m buildMeta) write(out io.Writer) {
	fmt.Fprintf(out, "season-keeper %s", m.Version)
	if m.Commit != "" && m.Commit != "none" {
		fmt.Fprintf(out, " commit %s", m.Commit)
	}
	if m.Date != "" {
		fmt.Fprintf(out, " built %s", m.Date)
	}
	if m.Geth != "" {
		fmt.Fprintf(out, " (go-ethereum %s)", m.Geth)
	}
	fmt.Fprintln(out)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and the chain client it was built with",
	RunE: func(cmd *cobra.Command, args []string) error {
		readBuildMeta(debug.ReadBuildInfo()).write(cmd.OutOrStdout())
		return nil
	},
}
