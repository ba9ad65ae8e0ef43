package commands

import (
	"strconv"

	"github.com/marmos91/ods2/pkg/ods2"
	"github.com/spf13/cobra"
)

var infoWrite bool

var infoCmd = &cobra.Command{
	Use:   "info [device...]",
	Short: "Show the home block summary of a volume",
	Long: `Mount the devices as one volume set and print each home block summary.

The free cluster count needs the storage bitmap, which is only read by a
write mount; pass --write to compute it.

Examples:
  ods2 info dka0
  ods2 info --write dka0 dka1`,
	RunE: runInfo,
}

func init() {
	infoCmd.Flags().BoolVar(&infoWrite, "write", false, "mount for write to count free clusters")
}

// deviceTable renders mounted devices one per row.
type deviceTable []ods2.DeviceInfo

func (t deviceTable) Headers() []string {
	return []string{"Device", "RVN", "Label", "Owner", "Serial", "Cluster", "Max Files", "Clusters", "Free"}
}

func (t deviceTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, d := range t {
		clusters, free := "-", "-"
		if d.MaxClusters != 0 {
			clusters = strconv.FormatUint(uint64(d.MaxClusters), 10)
			free = strconv.FormatUint(uint64(d.FreeClusters), 10)
		}
		rows = append(rows, []string{
			d.Name,
			strconv.Itoa(d.RVN),
			d.Home.VolName,
			d.Home.OwnerName,
			strconv.FormatUint(uint64(d.Home.SerialNum), 16),
			strconv.FormatUint(uint64(d.ClusterSize), 10),
			strconv.FormatUint(uint64(d.Home.MaxFiles), 10),
			clusters,
			free,
		})
	}
	return rows
}

func runInfo(cmd *cobra.Command, args []string) error {
	names, err := deviceNames(args)
	if err != nil {
		return err
	}
	p, err := newPrinter()
	if err != nil {
		return err
	}

	var table deviceTable
	err = withVolume(cmd.Context(), names, infoWrite, func(v *ods2.Volume) error {
		table = v.Devices()
		return nil
	})
	if err != nil {
		return err
	}
	return p.Print(table)
}
