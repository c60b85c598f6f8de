// xburst-cloner flashes Ingenic XBurst SoCs over USB: it enumerates
// ROM-boot and firmware-stage devices, drives the bootstrap state machine
// to firmware stage, and reads or writes the NOR flash image.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"xburst-cloner/internal/blobprovider"
	"xburst-cloner/internal/bootstrap"
	"xburst-cloner/internal/config"
	"xburst-cloner/internal/flash"
	"xburst-cloner/internal/registry"
	"xburst-cloner/internal/variant"
	"xburst-cloner/internal/xburst"
	"xburst-cloner/internal/xlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		list        = flag.Bool("list", false, "enumerate devices and print identity + stage + variant")
		index       = flag.Int("index", 0, "select the N-th device from enumeration")
		doBootstrap = flag.Bool("bootstrap", false, "run the bootstrap orchestrator to firmware stage")
		readFile    = flag.String("read", "", "bootstrap if needed, then whole-image read into FILE")
		writeFile   = flag.String("write", "", "bootstrap if needed, then whole-image write from FILE")
		splPath     = flag.String("spl", "", "override stage-1 (SPL) blob path")
		ubootPath   = flag.String("uboot", "", "override stage-2 (U-Boot) blob path")
		configPath  = flag.String("config", "", "override DRAM-init blob path")
		stage2Addr  = flag.String("stage2-addr", "", "override stage-2 jump address (hex, e.g. 0x80100000)")
		skipDDR     = flag.Bool("skip-ddr", false, "omit DRAM-init upload")
		variantName = flag.String("variant", "", "override variant detection")
		banks       = flag.String("banks", "", "comma-separated bank indices/ranges to read (default: all)")
		dryRun      = flag.Bool("dry-run", false, "print the bootstrap transition plan without opening a device")
		debug       = flag.Bool("debug", false, "enable debug logging")
		verbose     = flag.Bool("verbose", false, "enable verbose logging")
	)
	flag.BoolVar(list, "l", *list, "shorthand for --list")
	flag.IntVar(index, "i", *index, "shorthand for --index")
	flag.BoolVar(doBootstrap, "b", *doBootstrap, "shorthand for --bootstrap")
	flag.StringVar(readFile, "r", *readFile, "shorthand for --read")
	flag.StringVar(writeFile, "w", *writeFile, "shorthand for --write")
	flag.BoolVar(debug, "d", *debug, "shorthand for --debug")
	flag.BoolVar(verbose, "v", *verbose, "shorthand for --verbose")
	flag.Parse()

	log := xlog.WithVerbosity(*debug, *verbose)

	fileCfg, _ := config.Load()
	if *splPath == "" {
		*splPath = fileCfg.SplPath
	}
	if *ubootPath == "" {
		*ubootPath = fileCfg.UbootPath
	}
	if *configPath == "" {
		*configPath = fileCfg.DramInitPath
	}
	if !*skipDDR {
		*skipDDR = fileCfg.SkipDDR
	}
	if *variantName == "" {
		*variantName = fileCfg.Variant
	}
	if *stage2Addr == "" && fileCfg.Stage2AddrSet {
		*stage2Addr = fmt.Sprintf("0x%X", fileCfg.Stage2Addr)
	}

	if *dryRun {
		printDryRunPlan(*variantName, *splPath, *ubootPath, *configPath, *skipDDR, *stage2Addr)
		return 0
	}

	reg := registry.New(log)
	defer reg.Close()

	if *list {
		ids, err := reg.Enumerate()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		printDeviceTable(ids)
		return 0
	}

	if !*doBootstrap && *readFile == "" && *writeFile == "" {
		fmt.Fprintln(os.Stderr, "error: one of --list, --bootstrap, --read, --write is required")
		flag.Usage()
		return 1
	}

	ids, err := reg.Enumerate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if *index < 0 || *index >= len(ids) {
		fmt.Fprintf(os.Stderr, "error: device index %d out of range (found %d devices)\n", *index, len(ids))
		return 1
	}

	h, err := reg.Open(ids[*index])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer h.Close()

	override := xburst.ParseVariant(*variantName)
	if override != xburst.VariantUnknown {
		h.Identity.Variant = override
	}

	plan, err := buildPlan(h.Identity.Variant, *splPath, *ubootPath, *configPath, *skipDDR, *stage2Addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	orch := bootstrap.New(reg, log)
	if _, err := orch.EnsureFirmwareStage(h, plan); err != nil {
		fmt.Fprintf(os.Stderr, "error: bootstrap failed: %v\n", err)
		return 1
	}
	if override != xburst.VariantUnknown {
		h.Identity.Variant = override
	}
	log.Infof("device is now in firmware stage (variant %s)", h.Identity.Variant)

	if *doBootstrap && *readFile == "" && *writeFile == "" {
		return 0
	}

	eng := flash.New(h, log)

	if *readFile != "" {
		mask, err := parseBankMask(*banks)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		flashBanks, err := eng.ReadImage(mask)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read failed: %v\n", err)
			return 1
		}
		if err := writeBanksToFile(*readFile, flashBanks); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		log.Infof("read %d bank(s) into %s", len(flashBanks), *readFile)
	}

	if *writeFile != "" {
		data, err := os.ReadFile(*writeFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: cannot read image file: %v\n", err)
			return 1
		}
		written, chunks, err := eng.WriteImage(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: write failed: %v\n", err)
			return 1
		}
		log.Infof("wrote %d bytes in %d chunks", written, chunks)
	}

	return 0
}

func printDeviceTable(ids []xburst.DeviceIdentity) {
	fmt.Printf("%-4s %-4s %-10s %-10s %-10s %s\n", "IDX", "BUS", "ADDR", "VID:PID", "STAGE", "VARIANT")
	for i, id := range ids {
		fmt.Printf("%-4d %-4d 0x%-8X %04X:%04X %-10s %s\n",
			i, id.Bus, id.Address, id.VendorID, id.ProductID, id.Stage, id.Variant)
	}
}

func printDryRunPlan(variantName, splPath, ubootPath, dramPath string, skipDDR bool, stage2AddrFlag string) {
	v := xburst.VariantUnknown
	if variantName != "" {
		v = xburst.ParseVariant(variantName)
	}
	consts := variant.For(v)

	fmt.Println("dry-run bootstrap plan:")
	fmt.Printf("  variant:            %s\n", v)
	fmt.Printf("  dram-init blob:     %s (skip=%v)\n", blobOrDefault(dramPath), skipDDR)
	fmt.Printf("  stage-1 blob:       %s -> addr 0x%08X\n", blobOrDefault(splPath), consts.Stage1Addr)
	fmt.Printf("  stage-2 blob:       %s -> addr 0x%08X\n", blobOrDefault(ubootPath), resolveStage2Addr(consts, stage2AddrFlag))
	fmt.Printf("  write chunk size:   %d bytes\n", consts.WriteChunkSize)
	fmt.Printf("  re-enumerates:      %v\n", consts.ReEnumerates)
}

func blobOrDefault(path string) string {
	if path == "" {
		return "(embedded default)"
	}
	return path
}

func resolveStage2Addr(consts variant.Constants, flagVal string) uint32 {
	if flagVal == "" {
		return consts.Stage2AddrDefault
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(flagVal, "0x"), 16, 32)
	if err != nil {
		return consts.Stage2AddrDefault
	}
	return uint32(n)
}

func buildPlan(v xburst.Variant, splPath, ubootPath, dramPath string, skipDDR bool, stage2AddrFlag string) (xburst.BootstrapPlan, error) {
	var provider blobprovider.Provider
	if splPath != "" || ubootPath != "" || dramPath != "" {
		provider = &blobprovider.FileProvider{
			DramInitPath: dramPath,
			Stage1Path:   splPath,
			Stage2Path:   ubootPath,
		}
	} else {
		provider = blobprovider.EmbeddedProvider{}
	}

	dram, err := provider.DramInit(v)
	if err != nil && !skipDDR {
		return xburst.BootstrapPlan{}, err
	}
	stage1, err := provider.Stage1(v)
	if err != nil {
		return xburst.BootstrapPlan{}, err
	}
	stage2, err := provider.Stage2(v)
	if err != nil {
		return xburst.BootstrapPlan{}, err
	}

	plan := xburst.BootstrapPlan{
		DramInit:     dram,
		Stage1:       stage1,
		Stage2:       stage2,
		SkipDramInit: skipDDR,
	}
	if stage2AddrFlag != "" {
		n, err := strconv.ParseUint(strings.TrimPrefix(stage2AddrFlag, "0x"), 16, 32)
		if err == nil {
			plan.Stage2Addr = uint32(n)
			plan.Stage2AddrSet = true
		}
	}
	return plan, nil
}

func parseBankMask(spec string) (uint16, error) {
	if spec == "" {
		return 0, nil
	}
	var mask uint16
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			lo, err := strconv.Atoi(bounds[0])
			if err != nil {
				return 0, fmt.Errorf("invalid bank range %q", part)
			}
			hi, err := strconv.Atoi(bounds[1])
			if err != nil {
				return 0, fmt.Errorf("invalid bank range %q", part)
			}
			for i := lo; i <= hi; i++ {
				mask |= 1 << uint(i)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("invalid bank index %q", part)
		}
		mask |= 1 << uint(n)
	}
	return mask, nil
}

func writeBanksToFile(path string, banks []flash.FlashBank) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create output file: %w", err)
	}
	defer f.Close()

	for _, b := range banks {
		if _, err := f.Seek(int64(b.Offset), 0); err != nil {
			return fmt.Errorf("seek failed: %w", err)
		}
		if _, err := f.Write(b.Data); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
	}
	return nil
}
