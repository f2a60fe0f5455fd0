// Command czmil is the CLI front end for the go-czmil library: file
// set discovery, header inspection, CIF verification/rebuild, and
// TileDB analytics export. It mirrors the teacher's urfave/cli-based
// cmd/main.go shape (one *cli.App, one Command per operation) adapted
// from GSF's single "index" command to CZMIL's multi-file pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"

	"github.com/alitto/pond"
	"github.com/urfave/cli/v2"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	czmil "github.com/jalbtcx/go-czmil"
	"github.com/jalbtcx/go-czmil/search"
	"github.com/jalbtcx/go-czmil/tdbexport"
)

func main() {
	app := &cli.App{
		Name:  "czmil",
		Usage: "inspect, verify, and export CZMIL LiDAR file sets",
		Commands: []*cli.Command{
			findCommand(),
			infoCommand(),
			verifyCommand(),
			rebuildCIFCommand(),
			exportCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func findCommand() *cli.Command {
	return &cli.Command{
		Name:  "find",
		Usage: "recursively locate CZMIL file sets under a URI",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "uri", Required: true, Usage: "URI or pathname to search"},
			&cli.StringFlag{Name: "config-uri", Usage: "URI or pathname to a TileDB config file"},
		},
		Action: func(cCtx *cli.Context) error {
			sets, err := search.FindCzmil(cCtx.String("uri"), cCtx.String("config-uri"))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sets)
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "print a CZMIL file's header",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Required: true, Usage: "pathname of the CWF/CPF/CSF/CAF/CIF file"},
			&cli.StringFlag{Name: "kind", Required: true, Usage: "one of cwf, cpf, csf, caf, cif"},
		},
		Action: func(cCtx *cli.Context) error {
			kind, err := parseKind(cCtx.String("kind"))
			if err != nil {
				return err
			}

			reg := czmil.NewRegistry()
			d, err := reg.Open(cCtx.String("path"), kind, czmil.ModeReadOnly)
			if err != nil {
				return err
			}
			defer reg.Close(d)

			hdr, err := reg.Header(d)
			if err != nil {
				return err
			}

			year, doy := hdr.FlightDayOfYear()
			fmt.Printf("flight acquired: %04d day %03d\n", year, doy)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(hdr)
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "confirm a CWF/CPF pair's CIF index matches both record streams",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cwf", Required: true},
			&cli.StringFlag{Name: "cpf", Required: true},
		},
		Action: func(cCtx *cli.Context) error {
			reg := czmil.NewRegistry()
			cwfD, cpfD, cifD, err := czmil.OpenPairedRead(reg, cCtx.String("cwf"), cCtx.String("cpf"), false)
			if err != nil {
				return err
			}
			defer reg.Close(cwfD)
			defer reg.Close(cpfD)
			defer reg.Close(cifD)

			n, err := reg.NumRecords(cpfD)
			if err != nil {
				return err
			}
			for i := int64(0); i < n; i++ {
				if _, err := reg.ReadCWFRecord(cwfD, i); err != nil {
					return err
				}
				if _, err := reg.ReadCPFRecord(cpfD, i); err != nil {
					return err
				}
			}
			fmt.Printf("OK: %d paired CWF/CPF records indexed by CIF\n", n)
			return nil
		},
	}
}

func rebuildCIFCommand() *cli.Command {
	return &cli.Command{
		Name:  "rebuild-cif",
		Usage: "regenerate a CWF/CPF pair's CIF index by rescanning both record streams; an existing .cif or leftover .cif.tmp is opened as is, not regenerated",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cwf", Required: true},
			&cli.StringFlag{Name: "cpf", Required: true},
		},
		Action: func(cCtx *cli.Context) error {
			reg := czmil.NewRegistry()
			reg.SetProgress(func(done, total int64) {
				fmt.Printf("\rrebuilding CIF: %d/%d", done, total)
			})

			cwfD, cpfD, cifD, err := czmil.OpenPairedRead(reg, cCtx.String("cwf"), cCtx.String("cpf"), false)
			if err != nil {
				return err
			}
			defer reg.Close(cwfD)
			defer reg.Close(cpfD)
			defer reg.Close(cifD)
			fmt.Println()
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "export a CWF/CPF/CSF file set's CPF points and CSF navigation to TileDB arrays",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "uri", Required: true, Usage: "directory to search for file sets"},
			&cli.StringFlag{Name: "config-uri"},
			&cli.StringFlag{Name: "out-uri", Required: true, Usage: "directory to write TileDB arrays into"},
			&cli.IntFlag{Name: "workers", Usage: "concurrent file sets to export (default 2*NumCPU)"},
		},
		Action: func(cCtx *cli.Context) error {
			sets, err := search.FindCzmil(cCtx.String("uri"), cCtx.String("config-uri"))
			if err != nil {
				return err
			}
			log.Println("file sets to export:", len(sets))

			config, err := tiledb.NewConfig()
			if err != nil {
				return err
			}
			defer config.Free()

			ctx, err := tiledb.NewContext(config)
			if err != nil {
				return err
			}
			defer ctx.Free()

			// Ctrl+C cancels any export submitted but not yet started.
			sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			n := cCtx.Int("workers")
			if n <= 0 {
				n = runtime.NumCPU() * 2
			}
			pool := pond.New(n, 0, pond.MinWorkers(n), pond.Context(sigCtx))

			var failures int64
			for _, fs := range sets {
				fs := fs
				pool.Submit(func() {
					if err := exportFileSet(ctx, fs, cCtx.String("out-uri")); err != nil {
						log.Printf("export %s: %v", fs.Base, err)
						atomic.AddInt64(&failures, 1)
					}
				})
			}
			pool.StopAndWait()

			if failures > 0 {
				return fmt.Errorf("%d of %d file sets failed to export", failures, len(sets))
			}
			return nil
		},
	}
}

func exportFileSet(ctx *tiledb.Context, fs *search.FileSet, outDir string) error {
	if fs.CWF == "" || fs.CPF == "" {
		return fmt.Errorf("file set %s is missing its CWF or CPF member", fs.Base)
	}

	reg := czmil.NewRegistry()
	cwfD, cpfD, cifD, err := czmil.OpenPairedRead(reg, fs.CWF, fs.CPF, false)
	if err != nil {
		return err
	}
	defer reg.Close(cwfD)
	defer reg.Close(cpfD)
	defer reg.Close(cifD)

	n, err := reg.NumRecords(cpfD)
	if err != nil {
		return err
	}

	pointURI := outDir + "/" + fs.Base + "-points"
	if err := tdbexport.CreatePointArray(ctx, pointURI); err != nil {
		return err
	}
	if err := tdbexport.ExportCPFPoints(ctx, pointURI, reg, cpfD, n); err != nil {
		return err
	}

	if fs.CSF == "" {
		return nil
	}
	csfD, err := reg.Open(fs.CSF, czmil.KindCSF, czmil.ModeReadOnly)
	if err != nil {
		return err
	}
	defer reg.Close(csfD)

	csfN, err := reg.NumRecords(csfD)
	if err != nil {
		return err
	}
	sensorURI := outDir + "/" + fs.Base + "-sensor"
	if err := tdbexport.CreateSensorArray(ctx, sensorURI, uint64(csfN)); err != nil {
		return err
	}
	return tdbexport.ExportCSFRecords(ctx, sensorURI, reg, csfD, csfN)
}

func parseKind(s string) (czmil.FileKind, error) {
	switch s {
	case "cwf":
		return czmil.KindCWF, nil
	case "cpf":
		return czmil.KindCPF, nil
	case "csf":
		return czmil.KindCSF, nil
	case "caf":
		return czmil.KindCAF, nil
	case "cif":
		return czmil.KindCIF, nil
	default:
		return 0, fmt.Errorf("unknown file kind %q", s)
	}
}
