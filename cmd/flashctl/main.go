// flashctl is the interactive flashing CLI: pick a protocol family and
// an operation, watch a live progress bar and scrolling log while the
// engine runs, see host disk space before an OTA extraction.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"flashkit/internal/cli/ui"
	"flashkit/internal/config"
	"flashkit/internal/errs"
	"flashkit/internal/progress"
	"flashkit/internal/transport"
	"flashkit/pkg/fastboot"
	"flashkit/pkg/mtk/brom"
	"flashkit/pkg/mtk/chipdb"
	"flashkit/pkg/mtk/da"
	"flashkit/pkg/ota"
	"flashkit/pkg/sprd/fdl"
	"flashkit/pkg/sprd/pac"
)

var (
	family    = flag.String("family", "fastboot", "protocol family: fastboot, mtk, sprd, ota")
	vendorID  = flag.Uint("vid", 0x18d1, "USB vendor ID")
	productID = flag.Uint("pid", 0x4ee0, "USB product ID")
	partition = flag.String("partition", "", "partition name (flash/read operations)")
	image     = flag.String("image", "", "path to the image file to flash")
	otaURL    = flag.String("ota-url", "", "remote OTA package URL (family=ota)")
	otaFlashTo = flag.String("ota-flash-to", "", "stream-flash the extracted OTA partition straight to a device instead of -out (family=ota; only \"fastboot\" supported)")
	serialDev = flag.String("serial", "", "serial device path (family=mtk, sprd)")
	pacPath   = flag.String("pac", "", "path to a Spreadtrum .pac package (family=sprd)")
	outPath   = flag.String("out", "", "output file path (family=ota)")
)

func main() {
	flag.Parse()
	if _, err := config.LoadSessionConfig(); err != nil {
		log.Fatalf("load config: %v", err)
	}

	m := ui.New(fmt.Sprintf("flashctl: %s", *family), ".")
	prog := tea.NewProgram(m)

	go run(prog)

	if _, err := prog.Run(); err != nil {
		log.Fatalf("tui error: %v", err)
	}
}

func run(prog *tea.Program) {
	ctx := context.Background()
	var err error

	switch *family {
	case "fastboot":
		err = runFastboot(ctx, prog)
	case "mtk":
		err = runMTK(ctx, prog)
	case "sprd":
		err = runSPRD(ctx, prog)
	case "ota":
		err = runOTA(ctx, prog)
	default:
		err = errs.New("flashctl", errs.KindUnsupported, "family not wired into flashctl: "+*family)
	}

	ui.Done(prog, err)
}

func runFastboot(ctx context.Context, prog *tea.Program) error {
	ui.LogLine(prog, "opening USB device")

	t := transport.NewUsbBulk(transport.Identity{VendorID: uint16(*vendorID), ProductID: uint16(*productID)}, 0x01, 0x81)
	if err := t.Connect(ctx); err != nil {
		return err
	}
	defer t.Disconnect()

	engine := fastboot.NewEngine(t)

	ui.LogLine(prog, "reading device variables")
	vars, err := engine.GetVarAll(ctx)
	if err != nil {
		return err
	}
	maxDL := fastboot.MaxDownloadSize(vars)

	if *partition == "" || *image == "" {
		ui.LogLine(prog, "no partition/image given; variables fetched, nothing to flash")
		return nil
	}

	data, err := os.ReadFile(*image)
	if err != nil {
		return err
	}

	listener := ui.ProgressListener(prog)
	onProgress := func(p fastboot.Progress) {
		listener(progress.Progress{BytesSent: p.BytesSent, TotalBytes: p.TotalBytes, BytesPerSec: p.BytesPerSec})
	}

	ui.LogLine(prog, fmt.Sprintf("flashing %s (%d bytes)", *partition, len(data)))
	if err := engine.FlashImage(ctx, *partition, data, maxDL, false, onProgress); err != nil {
		return err
	}

	ui.LogLine(prog, "flash complete")
	return nil
}

func runMTK(ctx context.Context, prog *tea.Program) error {
	if *serialDev == "" {
		return errs.New("flashctl", errs.KindUnsupported, "family=mtk requires -serial")
	}

	ui.LogLine(prog, "opening serial port for BROM handshake")
	t := transport.NewSerial(*serialDev, 115200)
	if err := t.Connect(ctx); err != nil {
		return err
	}
	defer t.Disconnect()

	bromClient := brom.NewClient(t)
	ui.LogLine(prog, "waiting for BROM handshake")
	if err := bromClient.Handshake(ctx); err != nil {
		return err
	}

	info, err := bromClient.Probe(ctx)
	if err != nil {
		return err
	}

	rec, known := chipdb.Lookup(info.HWCode)
	if !known {
		return errs.New("flashctl", errs.KindDevice, fmt.Sprintf("unrecognized chip HW code 0x%04x", info.HWCode))
	}
	ui.LogLine(prog, fmt.Sprintf("chip %s (hwcode 0x%04x)", rec.Name, info.HWCode))

	if *image == "" {
		ui.LogLine(prog, "no -image given; chip probed, nothing uploaded")
		return nil
	}

	da1, err := os.ReadFile(*image)
	if err != nil {
		return err
	}

	ui.LogLine(prog, fmt.Sprintf("sending DA1 (%d bytes)", len(da1)))
	if err := bromClient.SendDA(ctx, rec.DA1LoadAddr, rec.SigLenExpected, da1); err != nil {
		return err
	}
	if err := bromClient.JumpDA(ctx, rec.DA1LoadAddr); err != nil {
		return err
	}

	daClient := da.NewClient(t)
	ui.LogLine(prog, "waiting for DA1 ready")
	if err := daClient.WaitReady(ctx); err != nil {
		return err
	}

	entries, err := daClient.GetPartitionTable(ctx)
	if err != nil {
		return err
	}
	ui.LogLine(prog, fmt.Sprintf("partition table: %d entries", len(entries)))

	if *partition == "" {
		return nil
	}

	if *image != "" {
		data, err := os.ReadFile(*image)
		if err != nil {
			return err
		}
		ui.LogLine(prog, fmt.Sprintf("writing partition %s (%d bytes)", *partition, len(data)))
		if err := daClient.WritePartition(ctx, *partition, data); err != nil {
			return err
		}
	} else {
		var size uint64
		for _, e := range entries {
			if e.Name == *partition {
				size = e.Size(daClient.BlockSize)
				break
			}
		}
		if size == 0 {
			return errs.New("flashctl", errs.KindFormat, "partition not found in table: "+*partition)
		}
		ui.LogLine(prog, fmt.Sprintf("reading partition %s (%d bytes)", *partition, size))
		if _, err := daClient.ReadPartition(ctx, *partition, 0, size); err != nil {
			return err
		}
	}

	ui.LogLine(prog, "mtk operation complete")
	return nil
}

func runSPRD(ctx context.Context, prog *tea.Program) error {
	if *serialDev == "" {
		return errs.New("flashctl", errs.KindUnsupported, "family=sprd requires -serial")
	}
	if *pacPath == "" {
		return errs.New("flashctl", errs.KindUnsupported, "family=sprd requires -pac")
	}

	raw, err := os.ReadFile(*pacPath)
	if err != nil {
		return err
	}
	pkg, err := pac.Parse(raw)
	if err != nil {
		return err
	}
	ui.LogLine(prog, fmt.Sprintf("pac package: %s %s", pkg.Header.Product, pkg.Header.Firmware))

	fdl1, ok := pkg.FindByPartition("FDL1")
	if !ok {
		return errs.New("flashctl", errs.KindFormat, "pac package has no FDL1 entry")
	}
	fdl1Data, err := pkg.FileData(fdl1)
	if err != nil {
		return err
	}

	t := transport.NewSerial(*serialDev, 115200)
	if err := t.Connect(ctx); err != nil {
		return err
	}
	defer t.Disconnect()

	client := fdl.NewClient(t)
	ui.LogLine(prog, "connecting to SPRD bootloader")
	if err := client.Connect(ctx); err != nil {
		return err
	}

	ui.LogLine(prog, fmt.Sprintf("uploading FDL1 (%d bytes)", len(fdl1Data)))
	if err := client.UploadStage(ctx, fdl1.LoadAddr, fdl1Data); err != nil {
		return err
	}

	chipType, err := client.ReadChipType(ctx)
	if err != nil {
		return err
	}
	ui.LogLine(prog, "chip type: "+chipType)

	if *partition != "" {
		ui.LogLine(prog, "erasing partition "+*partition)
		if err := client.EraseFlash(ctx, *partition); err != nil {
			return err
		}
	}

	ui.LogLine(prog, "sprd operation complete")
	return nil
}

func runOTA(ctx context.Context, prog *tea.Program) error {
	if *otaURL == "" {
		return errs.New("flashctl", errs.KindUnsupported, "family=ota requires -ota-url")
	}
	if *partition == "" {
		return errs.New("flashctl", errs.KindUnsupported, "family=ota requires -partition")
	}
	if *otaFlashTo == "" && *outPath == "" {
		return errs.New("flashctl", errs.KindUnsupported, "family=ota requires -out or -ota-flash-to")
	}
	if *otaFlashTo != "" && *otaFlashTo != "fastboot" {
		return errs.New("flashctl", errs.KindUnsupported, "ota-flash-to: only \"fastboot\" is supported")
	}

	r := transport.NewHttpRange(*otaURL, "flashctl")

	ui.LogLine(prog, "locating payload.bin inside OTA package")
	_, dataOff, err := ota.FindEntry(ctx, r, "payload.bin")
	if err != nil {
		return err
	}

	headBuf, err := r.FetchRange(ctx, int64(dataOff), 24)
	if err != nil {
		return err
	}
	header, err := ota.ParseHeader(headBuf)
	if err != nil {
		return err
	}

	manifestBuf, err := r.FetchRange(ctx, int64(dataOff)+header.HeaderLen(), int64(header.ManifestLen))
	if err != nil {
		return err
	}
	manifest, err := ota.ParseManifest(manifestBuf)
	if err != nil {
		return err
	}

	var target *ota.Partition
	for i := range manifest.Partitions {
		if manifest.Partitions[i].Name == *partition {
			target = &manifest.Partitions[i]
			break
		}
	}
	if target == nil {
		return errs.New("flashctl", errs.KindFormat, "partition not found in manifest: "+*partition)
	}

	extractor := ota.NewExtractor(*otaURL, "flashctl")
	if cfg, err := config.LoadSessionConfig(); err == nil {
		extractor.MaxConnections = cfg.OTAConnections
		extractor.MinChunkSize = cfg.OTAMinChunk
		extractor.EnableMultiThread = cfg.OTAMultiThread
	}

	listener := ui.ProgressListener(prog)

	if *otaFlashTo == "fastboot" {
		ui.LogLine(prog, fmt.Sprintf("extracting %s (%d bytes) for stream-flash", *partition, target.NewPartitionSize))
		flashPartition := *partition
		flash := func(ctx context.Context, path string) error {
			ui.LogLine(prog, "flashing extracted image to device over fastboot")
			return flashFileOverFastboot(ctx, prog, flashPartition, path)
		}
		if err := extractor.StreamFlashPartition(ctx, *target, manifest.BlockSize, flash, listener); err != nil {
			return err
		}
		ui.LogLine(prog, "ota stream-flash complete")
		return nil
	}

	out, err := os.Create(*outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	ui.LogLine(prog, fmt.Sprintf("extracting %s (%d bytes)", *partition, target.NewPartitionSize))
	if err := extractor.ExtractPartition(ctx, *target, manifest.BlockSize, out, listener); err != nil {
		return err
	}

	ui.LogLine(prog, "ota extraction complete")
	return nil
}

// flashFileOverFastboot opens the USB fastboot device named by
// -vid/-pid and flashes the file at path to partition, reusing the
// same engine runFastboot drives interactively.
func flashFileOverFastboot(ctx context.Context, prog *tea.Program, partitionName, path string) error {
	t := transport.NewUsbBulk(transport.Identity{VendorID: uint16(*vendorID), ProductID: uint16(*productID)}, 0x01, 0x81)
	if err := t.Connect(ctx); err != nil {
		return err
	}
	defer t.Disconnect()

	engine := fastboot.NewEngine(t)
	vars, err := engine.GetVarAll(ctx)
	if err != nil {
		return err
	}
	maxDL := fastboot.MaxDownloadSize(vars)

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return engine.FlashImage(ctx, partitionName, data, maxDL, false, func(p fastboot.Progress) {
		ui.LogLine(prog, fmt.Sprintf("flashing %s: %d/%d bytes", partitionName, p.BytesSent, p.TotalBytes))
	})
}
