// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

// Package main is the guest-side agent driving the split hypervisor.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/no-realm/tlb-split/internal/util"
	"github.com/no-realm/tlb-split/internal/version"
	"github.com/no-realm/tlb-split/pkg/vmcall"
)

const (
	flagLogLevel = "log-level"
	flagDryRun   = "dry-run"
)

var rootCmd = &cobra.Command{
	Use:               "tlb-split",
	Short:             "control tool for the TLB-split hypervisor",
	Long:              "issues vmcalls to create, activate and inspect TLB splits and to read the flip log",
	PersistentPreRunE: setup,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var (
	logger *slog.Logger
	client *vmcall.Client
)

func parseLevel(s string) (slog.Level, error) {
	// slog does not support trace level logging by default, but is flexible
	if strings.ToUpper(s) == "TRACE" {
		return util.LogLevelTrace, nil
	}

	var level slog.Level

	err := level.UnmarshalText([]byte(s))

	return level, err
}

// parseAddr accepts hex (0x...) or decimal guest addresses.
func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}

	return v, nil
}

// dryRunCaller prints the frame instead of executing VMCALL, for
// checking the protocol outside a guest.
type dryRunCaller struct {
	logger *slog.Logger
}

func (d dryRunCaller) Call(regs *vmcall.Registers) error {
	d.logger.Info("vmcall",
		"r00", util.Hex(regs.R00), "r01", util.Hex(regs.R01), "r02", util.Hex(regs.R02),
		"r03", util.Hex(regs.R03), "r04", util.Hex(regs.R04), "r05", util.Hex(regs.R05))
	regs.R02 = vmcall.StatusSuccess

	return nil
}

func setup(cmd *cobra.Command, _ []string) error {
	level, err := parseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		panic("error parsing log level")
	}

	logOpts := &slog.HandlerOptions{
		Level: level,
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, logOpts)).With("command", cmd.Name())

	var caller vmcall.Caller = vmcall.HardwareCaller{}
	if viper.GetBool(flagDryRun) {
		caller = dryRunCaller{logger: logger.With("module", "vmcall")}
	}

	client = vmcall.NewClient(caller)

	logger.Debug("starting", "name", version.Name, "version", version.Tag)

	return nil
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("tlbsplit")

	pf := rootCmd.PersistentFlags()
	pf.String(flagLogLevel, "info", "log level (error, warn, info, debug, trace)")
	pf.Bool(flagDryRun, false, "print vmcall frames instead of executing them")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
