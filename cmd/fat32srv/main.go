package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gocarina/gocsv"
	"github.com/urfave/cli/v2"

	fat32 "github.com/aligator/fat32srv"
	"github.com/aligator/fat32srv/aferofs"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	app := &cli.App{
		Name:  "fat32srv",
		Usage: "inspect a FAT32 disk image without mounting it",
		Commands: []*cli.Command{
			lsCommand(logger),
			catCommand(logger),
			exportCommand(logger),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func lsCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "list a directory in the image",
		ArgsUsage: "IMAGE [PATH]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "human", Aliases: []string{"h"}, Usage: "human-readable sizes"},
		},
		Action: func(c *cli.Context) error {
			imagePath := c.Args().Get(0)
			if imagePath == "" {
				return cli.Exit("missing IMAGE argument", 1)
			}
			target := c.Args().Get(1)
			if target == "" {
				target = "/"
			}

			fs, err := aferofs.New(fat32.NewService(nil, logger), imagePath)
			if err != nil {
				return err
			}
			defer fs.Close()

			dir, err := fs.Open(target)
			if err != nil {
				return err
			}
			defer dir.Close()

			entries, err := dir.Readdir(-1)
			if err != nil && err != io.EOF {
				return err
			}

			for _, e := range entries {
				size := fmt.Sprintf("%d", e.Size())
				if c.Bool("human") {
					size = humanize.Bytes(uint64(e.Size()))
				}
				kind := "-"
				if e.IsDir() {
					kind = "d"
				}
				fmt.Printf("%s %8s %s\n", kind, size, e.Name())
			}
			return nil
		},
	}
}

func catCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "print a file's contents",
		ArgsUsage: "IMAGE PATH",
		Action: func(c *cli.Context) error {
			imagePath := c.Args().Get(0)
			target := c.Args().Get(1)
			if imagePath == "" || target == "" {
				return cli.Exit("usage: fat32srv cat IMAGE PATH", 1)
			}

			fs, err := aferofs.New(fat32.NewService(nil, logger), imagePath)
			if err != nil {
				return err
			}
			defer fs.Close()

			file, err := fs.Open(target)
			if err != nil {
				return err
			}
			defer file.Close()

			_, err = io.Copy(os.Stdout, file)
			return err
		},
	}
}

// csvRow is one line of export's CSV output, tagged for gocarina/gocsv.
type csvRow struct {
	Path  string `csv:"path"`
	Size  int64  `csv:"size_bytes"`
	IsDir bool   `csv:"is_dir"`
}

func exportCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "recursively list a directory tree as CSV",
		ArgsUsage: "IMAGE [PATH]",
		Action: func(c *cli.Context) error {
			imagePath := c.Args().Get(0)
			if imagePath == "" {
				return cli.Exit("missing IMAGE argument", 1)
			}
			root := c.Args().Get(1)
			if root == "" {
				root = "/"
			}

			fs, err := aferofs.New(fat32.NewService(nil, logger), imagePath)
			if err != nil {
				return err
			}
			defer fs.Close()

			var rows []csvRow
			walkErr := aferofs.Walk(fs, root, func(path string, info os.FileInfo) error {
				rows = append(rows, csvRow{Path: path, Size: info.Size(), IsDir: info.IsDir()})
				return nil
			})

			out, err := gocsv.MarshalString(&rows)
			if err != nil {
				return err
			}
			fmt.Print(out)

			// Partial-tree decode failures are reported, not fatal — matches
			// aferofs.Walk's own keep-going contract.
			if walkErr != nil {
				logger.Warn("some entries could not be read", "err", walkErr)
			}
			return nil
		},
	}
}
