package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/Belthasaran/rhplay-sub002/internal/savefiles"
	"github.com/Belthasaran/rhplay-sub002/internal/snes"
	"github.com/Belthasaran/rhplay-sub002/internal/transport"
	"github.com/Belthasaran/rhplay-sub002/pkg/log"
	"github.com/Belthasaran/rhplay-sub002/pkg/utils"
)

const usage = `usage: snesctl [flags] <command> [args]

commands:
  devices                     list attachable devices
  info                        show attached device info
  boot <console-rom-path>     boot a ROM on the console
  menu                        return to the device menu
  reset                       reset the running ROM
  read <addr> <size>          dump console memory
  write <addr> <hexbytes>     write console memory
  ls [path]                   list a console directory
  mkdir <path>                create a console directory
  rm <path>                   remove a console file
  get <remote> [local]        download a file
  put <local> <remote>        upload a file (archives are unpacked)
  watch <addr> <size>         watch a memory region for changes
  state-save                  capture a savestate to the state folder
  state-load                  restore the newest savestate
  state-verify                verify stored savestate digests
`

func main() {
	logger := log.New()

	url := flag.String("url", "ws://localhost:8080", "QUsb2snes WebSocket URL")
	socks := flag.String("socks", "", "SOCKS5 proxy address")
	fwdPort := flag.Int("forwarded-port", 0, "remote port when -url points at a local tunnel")
	device := flag.String("device", "", "device to attach (default: first listed)")
	chunk := flag.Int("chunk", 0, "upload chunk size override")
	states := flag.String("states", "", "savestate folder (default: states)")
	timeout := flag.Duration("timeout", 0, "overall transfer timeout (default: size-scaled)")
	interval := flag.Duration("interval", 0, "watch poll interval")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Print(usage)
		os.Exit(2)
	}
	command, args := args[0], args[1:]

	opts := []snes.Opt{snes.WithLogger(logger)}
	if *chunk > 0 {
		opts = append(opts, snes.WithChunkSize(*chunk))
	}
	c := snes.New(opts...)

	var dialOpts []transport.DialOption
	if *socks != "" {
		dialOpts = append(dialOpts, transport.ViaSOCKS(*socks))
	}
	if *fwdPort > 0 {
		dialOpts = append(dialOpts, transport.ViaForwardedPort(*fwdPort))
	}

	ctx := context.Background()
	if err := c.Connect(ctx, *url, dialOpts...); err != nil {
		logger.Fatal(err.Error())
	}
	defer c.Close()

	devices, err := c.DeviceList(ctx)
	if err != nil {
		logger.Fatal(err.Error())
	}
	if command == "devices" {
		for _, d := range devices {
			fmt.Println(d)
		}
		return
	}

	dev := *device
	if dev == "" {
		dev = devices[0]
	}
	if err := c.Attach(ctx, dev); err != nil {
		logger.Fatal(err.Error())
	}
	if err := c.Name(ctx, "snesctl"); err != nil {
		logger.Fatal(err.Error())
	}
	info, err := c.Info(ctx)
	if err != nil {
		logger.Fatal(err.Error())
	}

	lib := savefiles.NewLibrary(*states)
	title := info.RomRunning
	if title == "" {
		title = dev
	}

	switch command {
	case "info":
		fmt.Printf("device:   %s\n", dev)
		fmt.Printf("firmware: %s\n", info.FirmwareVersion)
		fmt.Printf("version:  %s\n", info.VersionString)
		fmt.Printf("rom:      %s\n", info.RomRunning)

	case "boot":
		requireArgs(logger, args, 1)
		run(logger, c.Boot(ctx, args[0]))

	case "menu":
		run(logger, c.Menu(ctx))

	case "reset":
		run(logger, c.Reset(ctx))

	case "read":
		requireArgs(logger, args, 2)
		addr, size := parseHex(logger, args[0]), parseHex(logger, args[1])
		data, err := c.ReadMemory(ctx, addr, size)
		if err != nil {
			logger.Fatal(err.Error())
		}
		fmt.Print(hex.Dump(data))

	case "write":
		requireArgs(logger, args, 2)
		addr := parseHex(logger, args[0])
		data, err := hex.DecodeString(args[1])
		if err != nil {
			logger.Fatal("bad hex data: " + err.Error())
		}
		run(logger, c.WriteMemory(ctx, []snes.MemoryWrite{{Address: addr, Data: data}}))

	case "ls":
		dir := "/"
		if len(args) > 0 {
			dir = args[0]
		}
		entries, err := c.List(ctx, dir)
		if err != nil {
			logger.Fatal(err.Error())
		}
		for _, e := range entries {
			if e.IsDir() {
				fmt.Printf("%s/\n", e.Name)
			} else {
				fmt.Println(e.Name)
			}
		}

	case "mkdir":
		requireArgs(logger, args, 1)
		run(logger, c.MakeDir(ctx, args[0]))

	case "rm":
		requireArgs(logger, args, 1)
		run(logger, c.Remove(ctx, args[0]))

	case "get":
		requireArgs(logger, args, 1)
		data, err := c.GetFileBlocking(ctx, args[0], *timeout, progress(logger))
		if err != nil {
			logger.Fatal(err.Error())
		}
		local := "."
		if len(args) > 1 {
			local = args[1]
		} else {
			local = lastSegment(args[0])
		}
		run(logger, os.WriteFile(local, data, 0644))

	case "put":
		requireArgs(logger, args, 2)
		data, err := utils.LoadFile(args[0])
		if err != nil {
			logger.Fatal(err.Error())
		}
		putCtx := ctx
		if *timeout > 0 {
			var cancel context.CancelFunc
			putCtx, cancel = context.WithTimeout(ctx, *timeout)
			defer cancel()
		}
		run(logger, c.PutData(putCtx, data, args[1], progress(logger)))

	case "watch":
		requireArgs(logger, args, 2)
		region := snes.MemoryRegion{Address: parseHex(logger, args[0]), Size: parseHex(logger, args[1])}
		w := c.NewWatcher([]snes.MemoryRegion{region}, *interval, func(changes []snes.Change) {
			for _, ch := range changes {
				fmt.Printf("%06x: % x -> % x\n", ch.Region.Address, ch.Old, ch.New)
			}
		})
		if err := w.Start(ctx); err != nil {
			logger.Fatal(err.Error())
		}
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		<-sig
		w.Stop()

	case "state-save":
		blob, err := c.SaveState(ctx)
		if err != nil {
			logger.Fatal(err.Error())
		}
		entry, err := lib.Save(title, blob)
		if err != nil {
			logger.Fatal(err.Error())
		}
		logger.Infof("saved %s", entry.Path)

	case "state-load":
		blob, err := lib.LoadNewest(title)
		if err != nil {
			logger.Fatal(err.Error())
		}
		run(logger, c.LoadState(ctx, blob))

	case "state-verify":
		run(logger, lib.Verify(title))
		logger.Infof("all savestates for %q verified", title)

	default:
		fmt.Print(usage)
		os.Exit(2)
	}
}

func run(logger log.Logger, err error) {
	if err != nil {
		logger.Fatal(err.Error())
	}
}

func requireArgs(logger log.Logger, args []string, n int) {
	if len(args) < n {
		fmt.Print(usage)
		os.Exit(2)
	}
}

func parseHex(logger log.Logger, s string) uint32 {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		logger.Fatal("bad hex value " + s)
	}
	return uint32(v)
}

func lastSegment(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

// progress logs transfer progress at 10% steps.
func progress(logger log.Logger) snes.Progress {
	var lastDecile int64 = -1
	return func(transferred, total int64) {
		if total == 0 {
			return
		}
		decile := transferred * 10 / total
		if decile != lastDecile {
			lastDecile = decile
			logger.Infof("%d%% (%d/%d bytes)", decile*10, transferred, total)
		}
	}
}
