// SPDX-FileCopyrightText: Copyright (c) 2026 no-realm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flipsCmd = &cobra.Command{
	Use:   "flips",
	Short: "inspect and maintain the flip log",
}

var flipsCountCmd = &cobra.Command{
	Use:   "count",
	Short: "number of records in the flip log",
	RunE: func(_ *cobra.Command, _ []string) error {
		n, err := client.FlipCount()
		if err != nil {
			return err
		}

		fmt.Println(n)

		return nil
	},
}

var flipsDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "read and print the flip log",
	RunE: func(_ *cobra.Command, _ []string) error {
		records, err := client.FlipData()
		if err != nil {
			return fmt.Errorf("reading flip data: %w", err)
		}

		for _, r := range records {
			fmt.Printf("rip=%#x gva=%#x orig_gva=%#x gpa=%#x d_pa=%#x cr3=%#x bits=%03b count=%d\n",
				r.RIP, r.GVA, r.OriginalGVA, r.GPA, r.DPA, r.CR3, r.AccessBits, r.Count)
		}

		return nil
	},
}

var flipsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "empty the flip log",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := client.ClearFlips(); err != nil {
			return err
		}

		logger.Info("flip log cleared")

		return nil
	},
}

var flipsRemoveCmd = &cobra.Command{
	Use:   "remove <rip>",
	Short: "remove every record for an instruction pointer",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		rip, err := parseAddr(args[0])
		if err != nil {
			return err
		}

		if err := client.RemoveFlip(rip); err != nil {
			return err
		}

		logger.Info("flip records removed", "rip", args[0])

		return nil
	},
}

func init() {
	flipsCmd.AddCommand(flipsCountCmd, flipsDumpCmd, flipsClearCmd, flipsRemoveCmd)
	rootCmd.AddCommand(flipsCmd)
}
