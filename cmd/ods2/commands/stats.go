package commands

import (
	"fmt"
	"strconv"

	"github.com/marmos91/ods2/pkg/cache"
	"github.com/marmos91/ods2/pkg/ods2"
	"github.com/spf13/cobra"
)

var (
	statsCheck bool
	statsFiles []string
)

var statsCmd = &cobra.Command{
	Use:   "stats [device...]",
	Short: "Mount a volume and print cache statistics",
	Long: `Mount the devices, optionally read files through the cache, and print
the cache counters. --check also verifies the cache trees and LRU list.

Examples:
  ods2 stats dka0 --check
  ods2 stats dka0 --read 3,1 --read 4,1`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsCheck, "check", false, "verify cache structure")
	statsCmd.Flags().StringArrayVar(&statsFiles, "read", nil, "read every block of this file first (repeatable)")
}

// statsResult is what "stats" prints.
type statsResult struct {
	cache.Stats `yaml:",inline"`
	Check       string `json:"check,omitempty" yaml:"check,omitempty"`
}

func (r statsResult) Pairs() [][2]string {
	pairs := [][2]string{
		{"Finds", strconv.Itoa(r.Finds)},
		{"Created", strconv.Itoa(r.Created)},
		{"Deletes", strconv.Itoa(r.Deletes)},
		{"Purges", strconv.Itoa(r.Purges)},
		{"Objects", fmt.Sprintf("%d (%d free, peak %d)", r.Count, r.Free, r.Peak)},
	}
	if r.Check != "" {
		pairs = append(pairs, [2]string{"Check", r.Check})
	}
	return pairs
}

func runStats(cmd *cobra.Command, args []string) error {
	names, err := deviceNames(args)
	if err != nil {
		return err
	}
	p, err := newPrinter()
	if err != nil {
		return err
	}

	var res statsResult
	err = withVolume(cmd.Context(), names, false, func(v *ods2.Volume) error {
		for _, s := range statsFiles {
			fid, err := parseFID(s)
			if err != nil {
				return err
			}
			err = withFile(v, fid, false, func(f *ods2.File) error {
				_, err := f.Read(1, f.HiBlock())
				return err
			})
			if err != nil {
				return err
			}
		}
		res.Stats = v.Stats()
		if statsCheck {
			res.Check = "ok"
			if err := v.Cache().Check(); err != nil {
				res.Check = err.Error()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return p.Print(res)
}
