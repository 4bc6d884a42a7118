package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bigbag/flashlog/internal/archive"
	"github.com/bigbag/flashlog/internal/detect"
	"github.com/bigbag/flashlog/internal/modbuspush"
	"github.com/bigbag/flashlog/internal/recstore"
	"github.com/bigbag/flashlog/internal/serial"
)

const previewLen = 48

func (a *app) runInfo(cmd *cobra.Command, args []string) error {
	return a.withDevice(func(d *device) error {
		info, err := d.store.StorageInfo()
		if err != nil {
			return err
		}
		stats := d.chip.Stats()
		layout := d.store.Layout()

		fmt.Fprintf(a.out, "Device:       %s\n", d.name)
		fmt.Fprintf(a.out, "Chip:         %s (JEDEC 0x%06X)\n", detect.ChipName(d.chip.ID()), d.chip.ID())
		fmt.Fprintf(a.out, "State:        %s\n", d.chip.State())
		fmt.Fprintf(a.out, "Data area:    0x%06X-0x%06X\n", layout.DataStart(), layout.DataEnd())
		fmt.Fprintf(a.out, "Records:      %d\n", info.Records)
		fmt.Fprintf(a.out, "Used:         %d bytes\n", info.Used)
		fmt.Fprintf(a.out, "Free:         %d bytes\n", info.Free)
		fmt.Fprintf(a.out, "Next ID:      %d\n", d.store.NextRecordID())
		fmt.Fprintf(a.out, "Next address: 0x%06X\n", d.store.NextWriteAddress())
		fmt.Fprintf(a.out, "Cache:        %d/%d\n", len(d.store.Entries()), d.store.CacheCapacity())
		fmt.Fprintf(a.out, "Recoveries:   %d (resets %d, stuck %d, retries %d, timeouts %d)\n",
			stats.Recoveries, stats.Resets, stats.StuckResets, stats.Retries, stats.Timeouts)
		return nil
	})
}

func (a *app) runStore(cmd *cobra.Command, args []string) error {
	data, err := readPayload(cmd, args)
	if err != nil {
		return err
	}

	return a.withDevice(func(d *device) error {
		id, err := d.store.StoreData(data)
		if err != nil && id != 0 {
			// The record is on flash; only the index could not be saved.
			fmt.Fprintf(a.out, "Stored record %d (%d bytes), index not saved\n", id, len(data))
			return err
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Stored record %d (%d bytes)\n", id, len(data))
		return nil
	})
}

func readPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	text, _ := cmd.Flags().GetString("text")
	switch {
	case text != "" && len(args) > 0:
		return nil, errors.New("use either --text or a file, not both")
	case text != "":
		return []byte(text), nil
	case len(args) == 0:
		return nil, errors.New("nothing to store: give a file, - for stdin, or --text")
	case args[0] == "-":
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), recstore.MaxPayload+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	default:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		return data, nil
	}
}

func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: record id %q", recstore.ErrInvalidParam, s)
	}
	return uint32(id), nil
}

func (a *app) runRead(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	asHex, _ := cmd.Flags().GetBool("hex")

	return a.withDevice(func(d *device) error {
		rec, err := d.store.ReadData(id)
		if err != nil {
			return err
		}
		if asHex {
			fmt.Fprintf(a.out, "Record %d at 0x%06X (%d bytes)\n", rec.ID, rec.Address, len(rec.Data))
			_, err = io.WriteString(a.out, hex.Dump(rec.Data))
			return err
		}
		_, err = a.out.Write(rec.Data)
		return err
	})
}

func (a *app) runLatest(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("count")

	return a.withDevice(func(d *device) error {
		records, err := d.store.ReadLatest(n)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(a.out, "No records")
			return nil
		}
		fmt.Fprintf(a.out, "%-8s %-10s %-6s %s\n", "ID", "ADDRESS", "LEN", "DATA")
		for _, r := range records {
			fmt.Fprintf(a.out, "%-8d 0x%06X   %-6d %s\n", r.ID, r.Address, len(r.Data), preview(r.Data))
		}
		return nil
	})
}

// preview quotes the start of a payload for one-line listings.
func preview(data []byte) string {
	if len(data) <= previewLen {
		return strconv.Quote(string(data))
	}
	return strconv.Quote(string(data[:previewLen])) + "..."
}

func (a *app) runScan(cmd *cobra.Command, args []string) error {
	save, _ := cmd.Flags().GetBool("save")

	return a.withDevice(func(d *device) error {
		if err := d.store.ScanDataArea(); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Found %d records, next ID %d, next address 0x%06X\n",
			d.store.RecordCount(), d.store.NextRecordID(), d.store.NextWriteAddress())
		if !save {
			return nil
		}
		if err := d.store.SaveIndexTable(); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Index saved")
		return nil
	})
}

func (a *app) runStatus(cmd *cobra.Command, args []string) error {
	return a.withDevice(func(d *device) error {
		if err := d.store.WriteStatus(a.out); err != nil {
			return err
		}
		fmt.Fprintln(a.out)
		return d.store.WriteCacheStatus(a.out)
	})
}

func (a *app) runFill(cmd *cobra.Command, args []string) error {
	count, _ := cmd.Flags().GetInt("count")
	size, _ := cmd.Flags().GetInt("size")
	if count <= 0 || size <= 0 || size > recstore.MaxPayload {
		return fmt.Errorf("%w: count %d, size %d (1-%d)", recstore.ErrInvalidParam, count, size, recstore.MaxPayload)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	return a.withDevice(func(d *device) error {
		runCtx, cancel := context.WithCancel(ctx)
		owner := recstore.NewOwner(d.store, a.cfg.Store.StatusInterval())
		runDone := make(chan struct{})
		go func() {
			owner.Run(runCtx)
			close(runDone)
		}()

		bar := a.newBar(int64(count), "Storing", false)
		stored, err := fillRecords(ctx, owner, count, size, func() { bar.Add(1) })
		bar.Finish()

		cancel()
		<-runDone

		switch {
		case errors.Is(err, recstore.ErrFull):
			fmt.Fprintf(a.out, "Store full after %d records\n", stored)
			err = nil
		case errors.Is(err, context.Canceled):
			fmt.Fprintf(a.out, "Interrupted after %d records\n", stored)
			err = nil
		case err == nil:
			fmt.Fprintf(a.out, "Stored %d records\n", stored)
		}
		if dErr := d.store.DeInit(); dErr != nil && err == nil {
			err = dErr
		}
		return err
	})
}

// fillRecords stores count synthetic records of the given size through the
// owner and returns how many were stored.
func fillRecords(ctx context.Context, owner *recstore.Owner, count, size int, step func()) (int, error) {
	payload := make([]byte, size)
	for i := 0; i < count; i++ {
		line := fmt.Sprintf("fill %06d ", i)
		for j := range payload {
			payload[j] = line[j%len(line)]
		}
		if _, err := owner.Store(ctx, payload); err != nil {
			return i, err
		}
		step()
	}
	return count, nil
}

func (a *app) runExport(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("sqlite")
	if path == "" {
		path = a.cfg.Export.SQLite
	}
	list, _ := cmd.Flags().GetBool("list")
	show, _ := cmd.Flags().GetString("show")

	arch, err := archive.Open(path)
	if err != nil {
		return err
	}
	defer arch.Close()

	ctx := cmd.Context()
	if list {
		return a.listSessions(ctx, arch)
	}
	if show != "" {
		return a.showSession(ctx, arch, show)
	}

	return a.withDevice(func(d *device) error {
		entries := d.store.Entries()
		exp, err := arch.Begin(ctx, d.name, d.chip.ID())
		if err != nil {
			return err
		}
		defer exp.Rollback()

		bar := a.newBar(int64(len(entries)), "Exporting", false)
		skipped := 0
		for _, e := range entries {
			rec, err := d.store.ReadData(e.ID)
			if err != nil {
				a.log.Warn("skipping unreadable record", "id", e.ID, "err", err)
				skipped++
				bar.Add(1)
				continue
			}
			if err := exp.Add(ctx, rec); err != nil {
				return err
			}
			bar.Add(1)
		}
		bar.Finish()

		if err := exp.Commit(ctx); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Exported %d records (%d skipped) to %s\n", exp.Count(), skipped, path)
		fmt.Fprintf(a.out, "Session: %s\n", exp.ID())
		return nil
	})
}

func (a *app) listSessions(ctx context.Context, arch *archive.Archive) error {
	sessions, err := arch.Sessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(a.out, "No archived sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(a.out, "%s  %s  %-24s %d records\n",
			s.ID, s.StartedAt.Local().Format("2006-01-02 15:04:05"), s.Device, s.Records)
	}
	return nil
}

func (a *app) showSession(ctx context.Context, arch *archive.Archive, id string) error {
	records, err := arch.Records(ctx, id)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintf(a.out, "No records in session %s\n", id)
		return nil
	}
	fmt.Fprintf(a.out, "%-8s %-10s %-6s %s\n", "ID", "ADDRESS", "LEN", "DATA")
	for _, r := range records {
		fmt.Fprintf(a.out, "%-8d 0x%06X   %-6d %s\n", r.ID, r.Address, len(r.Data), preview(r.Data))
	}
	return nil
}

func (a *app) runPush(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	mc := a.cfg.Export.Modbus

	return a.withDevice(func(d *device) error {
		rec, err := d.store.ReadData(id)
		if err != nil {
			return err
		}

		pub, err := modbuspush.Dial(modbuspush.Config{
			Endpoint: mc.Endpoint,
			UnitID:   mc.UnitID,
			Address:  mc.Address,
			Timeout:  mc.Timeout(),
		})
		if err != nil {
			return err
		}
		defer pub.Close()

		if err := pub.Publish(rec); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Pushed record %d to %s unit %d, %d registers from %d\n",
			rec.ID, mc.Endpoint, mc.UnitID, len(modbuspush.Registers(rec)), mc.Address)
		return nil
	})
}

func (a *app) runList(cmd *cobra.Command, args []string) error {
	infos, err := serial.ListUSB()
	if err != nil {
		a.log.Debug("USB details unavailable", "err", err)
		names, lErr := serial.ListPorts()
		if lErr != nil {
			return lErr
		}
		for _, name := range names {
			infos = append(infos, serial.PortInfo{Name: name})
		}
	}

	if len(infos) == 0 {
		fmt.Fprintln(a.out, "No serial ports found")
		return nil
	}

	fmt.Fprintln(a.out, "Available serial ports:")
	for _, p := range infos {
		line := "  " + p.Name
		if p.IsUSB {
			line += fmt.Sprintf("  [%s:%s]", strings.ToUpper(p.VID), strings.ToUpper(p.PID))
			if p.Product != "" {
				line += " " + p.Product
			}
			if p.Bridge() {
				line += " (SPI bridge)"
			}
		}
		fmt.Fprintln(a.out, line)
	}
	return nil
}

func (a *app) runDetect(cmd *cobra.Command, args []string) error {
	baud := a.cfg.Device.Bridge.Baud
	if a.port != "" {
		result, err := detect.DetectOnPort(a.port, baud)
		if err != nil {
			return fmt.Errorf("failed to detect bridge on %s: %w", a.port, err)
		}
		a.printBridge(result)
		return nil
	}

	fmt.Fprintln(a.out, "Scanning for SPI bridges...")
	results, err := detect.ListDevices(baud)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(a.out, "No SPI bridges found")
		return nil
	}

	fmt.Fprintf(a.out, "Found %d bridge(s):\n\n", len(results))
	for i := range results {
		fmt.Fprintf(a.out, "Bridge %d:\n", i+1)
		a.printBridge(&results[i])
		fmt.Fprintln(a.out)
	}
	return nil
}

func (a *app) printBridge(r *detect.Result) {
	fmt.Fprintf(a.out, "  Port:     %s\n", r.Port)
	fmt.Fprintf(a.out, "  Chip:     %s\n", r.ChipName)
	fmt.Fprintf(a.out, "  JEDEC ID: 0x%06X\n", r.JEDECID)
}
