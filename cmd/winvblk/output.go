package main

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/wgwjifeng/winvblock/ioctl"
)

// A row is one printed target or disk.  Disk is nil for scan results.
type row struct {
	Disk      *uint32 `yaml:"disk,omitempty"`
	ClientNIC string  `yaml:"client_nic"`
	ServerMAC string  `yaml:"server_mac"`
	Target    string  `yaml:"target"`
	SizeMB    uint64  `yaml:"size_mb"`
}

func newRow(t ioctl.Target) row {
	return row{
		ClientNIC: t.ClientMAC.String(),
		ServerMAC: t.ServerMAC.String(),
		Target:    fmt.Sprintf("e%d.%d", t.Major, t.Minor),
		SizeMB:    t.SizeMiB(),
	}
}

func targetRows(ts []ioctl.Target) []row {
	rows := make([]row, 0, len(ts))
	for _, t := range ts {
		rows = append(rows, newRow(t))
	}
	return rows
}

func diskRows(ds []ioctl.MountedDisk) []row {
	rows := make([]row, 0, len(ds))
	for _, d := range ds {
		r := newRow(d.Target)
		n := d.Disk
		r.Disk = &n
		rows = append(rows, r)
	}
	return rows
}

// print writes at most maxRows rows in the selected format.
func (a *app) print(rows []row) error {
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}

	switch a.format {
	case "yaml", "yml":
		b, err := yaml.Marshal(rows)
		if err != nil {
			return err
		}
		_, err = a.out.Write(b)
		return err
	case "table", "":
		a.printTable(rows)
		return nil
	default:
		return fmt.Errorf("invalid output format: %q (valid: table, yaml)", a.format)
	}
}

func (a *app) printTable(rows []row) {
	table := tablewriter.NewWriter(a.out)

	disks := len(rows) > 0 && rows[0].Disk != nil
	if disks {
		table.SetHeader([]string{"Disk", "Client NIC", "Server MAC", "Target", "Size"})
	} else {
		table.SetHeader([]string{"Client NIC", "Target", "Server MAC", "Size"})
	}

	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, r := range rows {
		size := strconv.FormatUint(r.SizeMB, 10) + "MB"
		if disks {
			table.Append([]string{strconv.FormatUint(uint64(*r.Disk), 10), r.ClientNIC, r.ServerMAC, r.Target, size})
		} else {
			table.Append([]string{r.ClientNIC, r.Target, r.ServerMAC, size})
		}
	}
	table.Render()
}
