package main

import (
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"

	"flashfs"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const usage = `usage: flashctl [flags] <command> [args]

commands:
  format              erase and format the flash file
  info                show space usage
  ls                  list files
  put <name> [file]   store file (or stdin) as name
  get <name> [file]   write name to file (or stdout)
  rm <name>           remove a file
  mv <old> <new>      rename a file
  check               repair an interrupted filesystem
  gc [full]           run one garbage collection
  dump                print the page map
  export <file>       write a compressed image of the flash
  import <file>       program the flash from an image

flags:
`

type cmd struct {
	args      int
	unmounted bool
	run       func(fs *flashfs.FS, args []string) error
}

var (
	image      = flag.String("f", "flash.bin", "flash file")
	sectors    = flag.Uint("sectors", uint(flashfs.DefaultGeometry.Sectors), "number of sectors")
	sectorSize = flag.Uint("sector-size", uint(flashfs.DefaultGeometry.SectorSize), "sector size in bytes")
	pageSize   = flag.Uint("page-size", uint(flashfs.DefaultGeometry.PageSize), "requested page size in bytes")
	comp       = flag.String("c", "snappy", "image compression: snappy, lz4 or none")
	verbose    = flag.Bool("v", false, "trace flash operations")
)

var (
	geo   flashfs.Geometry
	flash *flashfs.FileFlash
)

var commands = map[string]cmd{
	"format": {unmounted: true, run: func(fs *flashfs.FS, _ []string) error {
		return fs.Format()
	}},
	"check": {unmounted: true, run: func(fs *flashfs.FS, _ []string) error {
		return fs.Check()
	}},
	"dump": {unmounted: true, run: func(fs *flashfs.FS, _ []string) error {
		return fs.Dump(os.Stdout)
	}},
	"export": {args: 1, unmounted: true, run: func(_ *flashfs.FS, args []string) error {
		alg, err := parseComp(*comp)
		if err != nil {
			return err
		}
		out, err := os.Create(args[0])
		if err != nil {
			return err
		}
		if err := flashfs.WriteImage(out, flash, geo, alg); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}},
	"import": {args: 1, unmounted: true, run: func(_ *flashfs.FS, args []string) error {
		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer in.Close()
		igeo, raw, err := flashfs.ReadImage(in)
		if err != nil {
			return err
		}
		if igeo.Sectors != geo.Sectors || igeo.SectorSize != geo.SectorSize {
			return errors.Errorf("image has %d sectors of %d bytes, flash has %d of %d",
				igeo.Sectors, igeo.SectorSize, geo.Sectors, geo.SectorSize)
		}
		return flashfs.ProgramImage(flash, geo, raw)
	}},
	"info": {run: func(fs *flashfs.FS, _ []string) error {
		info, err := fs.Info()
		if err != nil {
			return err
		}
		fmt.Printf("total    %s\n", humanize.IBytes(info.Total))
		fmt.Printf("used     %s\n", humanize.IBytes(info.Used))
		fmt.Printf("pages    %d free, %d deleted, %d busy\n", info.FreePages, info.DeletedPages, info.BusyPages)
		if info.Overflow {
			fmt.Println("spare sector in use, run check")
		}
		return nil
	}},
	"ls": {run: func(fs *flashfs.FS, _ []string) error {
		list, err := fs.ReadDir()
		if err != nil {
			return err
		}
		for _, st := range list {
			fmt.Printf("%4d  %8s  %04x  %s\n", st.ID, humanize.Bytes(uint64(st.Size)), st.Page, st.Name)
		}
		return nil
	}},
	"put": {args: 1, run: func(fs *flashfs.FS, args []string) error {
		var (
			data []byte
			err  error
		)
		if len(args) > 1 && args[1] != "-" {
			data, err = ioutil.ReadFile(args[1])
		} else {
			data, err = ioutil.ReadAll(os.Stdin)
		}
		if err != nil {
			return err
		}
		fd, err := fs.Open(args[0], flashfs.OWrOnly|flashfs.OCreate|flashfs.OTrunc)
		if err != nil {
			return err
		}
		defer fs.Close(fd)
		return fs.Append(fd, data)
	}},
	"get": {args: 1, run: func(fs *flashfs.FS, args []string) error {
		fd, err := fs.Open(args[0], flashfs.ORdOnly)
		if err != nil {
			return err
		}
		defer fs.Close(fd)
		var out io.Writer = os.Stdout
		if len(args) > 1 && args[1] != "-" {
			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		buf := make([]byte, 512)
		for {
			n, err := fs.Read(fd, buf)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
		}
	}},
	"rm": {args: 1, run: func(fs *flashfs.FS, args []string) error {
		return fs.Remove(args[0])
	}},
	"mv": {args: 2, run: func(fs *flashfs.FS, args []string) error {
		return fs.Rename(args[0], args[1])
	}},
	"gc": {run: func(fs *flashfs.FS, args []string) error {
		freed, err := fs.GC(len(args) > 0 && args[0] == "full")
		if err != nil {
			return err
		}
		fmt.Printf("freed %d pages\n", freed)
		return nil
	}},
}

func parseComp(s string) (flashfs.CompressAlgorithm, error) {
	for _, alg := range []flashfs.CompressAlgorithm{flashfs.CompSnappy, flashfs.CompNone, flashfs.CompLz4} {
		if strings.EqualFold(s, alg.String()) {
			return alg, nil
		}
	}
	return 0, errors.Errorf("unknown compression %q", s)
}

func run() error {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	c, ok := commands[flag.Arg(0)]
	args := flag.Args()[1:]
	if !ok || len(args) < c.args {
		flag.Usage()
		os.Exit(2)
	}

	logger := log.New()
	logger.SetOutput(os.Stderr)
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	geo = flashfs.Geometry{
		Sectors:    uint32(*sectors),
		SectorSize: uint32(*sectorSize),
		PageSize:   uint32(*pageSize),
	}
	var err error
	flash, err = flashfs.OpenFileFlash(*image, geo.Size(), 0)
	if err != nil {
		return err
	}
	defer flash.Close()

	opts := *flashfs.DefaultOptions
	opts.Logger = logger
	fs, err := flashfs.New(flash, geo, &opts)
	if err != nil {
		return err
	}
	if c.unmounted {
		return c.run(fs, args)
	}
	if err := fs.Mount(); err != nil {
		return errors.Wrap(err, "mount")
	}
	defer fs.Unmount()
	return c.run(fs, args)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flashctl:", err)
		os.Exit(1)
	}
}
