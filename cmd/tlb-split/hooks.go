// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagWriteFrom = "from"
	flagWriteTo   = "to"
	flagWriteSize = "size"
)

var presentCmd = &cobra.Command{
	Use:   "present",
	Short: "check whether the split hypervisor is running",
	RunE: func(_ *cobra.Command, _ []string) error {
		ok, err := client.Present()
		if err != nil {
			return err
		}

		fmt.Println(map[bool]string{true: "yes", false: "no"}[ok])

		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <gva>",
	Short: "create a split context for the page holding the address",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		gva, err := parseAddr(args[0])
		if err != nil {
			return err
		}

		if err := client.CreateSplit(gva); err != nil {
			return fmt.Errorf("create split: %w", err)
		}

		logger.Info("split created", "gva", args[0])

		return nil
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <gva>",
	Short: "flip the page to its code frame",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		gva, err := parseAddr(args[0])
		if err != nil {
			return err
		}

		if err := client.ActivateSplit(gva); err != nil {
			return fmt.Errorf("activate split: %w", err)
		}

		logger.Info("split activated", "gva", args[0])

		return nil
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate <gva>",
	Short: "drop one hook, tearing the split down when it is the last",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		gva, err := parseAddr(args[0])
		if err != nil {
			return err
		}

		if err := client.DeactivateSplit(gva); err != nil {
			return fmt.Errorf("deactivate split: %w", err)
		}

		logger.Info("split deactivated", "gva", args[0])

		return nil
	},
}

var deactivateAllCmd = &cobra.Command{
	Use:   "deactivate-all",
	Short: "tear down every split",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := client.DeactivateAll(); err != nil {
			return fmt.Errorf("deactivate all: %w", err)
		}

		logger.Info("all splits deactivated")

		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <gva>",
	Short: "query the split state of the page holding the address",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		gva, err := parseAddr(args[0])
		if err != nil {
			return err
		}

		state, err := client.IsSplit(gva)
		if err != nil {
			return fmt.Errorf("is split: %w", err)
		}

		switch state {
		case 1:
			fmt.Println("active")
		case 0:
			fmt.Println("none")
		default:
			fmt.Println("unmapped")
		}

		return nil
	},
}

var writeCmd = &cobra.Command{
	Use:   "write --from <gva> --to <gva> --size <n>",
	Short: "copy guest bytes into the code frame(s) of a split",
	RunE: func(_ *cobra.Command, _ []string) error {
		from, err := parseAddr(viper.GetString(flagWriteFrom))
		if err != nil {
			return err
		}

		to, err := parseAddr(viper.GetString(flagWriteTo))
		if err != nil {
			return err
		}

		size := viper.GetUint64(flagWriteSize)

		if err := client.WriteToCode(from, to, size); err != nil {
			return fmt.Errorf("write to code: %w", err)
		}

		logger.Info("code frame updated", "to", viper.GetString(flagWriteTo), "size", size)

		return nil
	},
}

func init() {
	wf := writeCmd.Flags()
	wf.String(flagWriteFrom, "", "guest source address")
	wf.String(flagWriteTo, "", "guest destination address inside a split page")
	wf.Uint64(flagWriteSize, 0, "number of bytes to copy")

	if err := viper.BindPFlags(wf); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(presentCmd, createCmd, activateCmd, deactivateCmd, deactivateAllCmd, statusCmd, writeCmd)
}
