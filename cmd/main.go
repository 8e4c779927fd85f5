package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dargueta/sectorfs"
	"github.com/dargueta/sectorfs/disks"
	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/dargueta/sectorfs/file_systems/common/blockdevice"
	core "github.com/dargueta/sectorfs/file_systems/sectorfs"
	"github.com/dargueta/sectorfs/utilities/compression"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.New()

func main() {
	app := newApp(os.Stdout)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func newApp(output io.Writer) *cli.App {
	return &cli.App{
		Name:   "sectorfs",
		Usage:  "Manage sectorfs disk images",
		Writer: output,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"i"},
				Usage:   "path to the disk image file",
				EnvVars: []string{"SECTORFS_IMAGE"},
			},
			&cli.StringFlag{
				Name:    "geometry",
				Aliases: []string{"g"},
				Usage:   "slug of the disk geometry (see `geometries`)",
				Value:   disks.DefaultGeometrySlug,
				EnvVars: []string{"SECTORFS_GEOMETRY"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log structural changes to the volume",
				EnvVars: []string{"SECTORFS_VERBOSE"},
			},
		},
		Before: configureLogging,
		Commands: []*cli.Command{
			{
				Name:   "format",
				Usage:  "Create or wipe an image",
				Action: formatImage,
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				ArgsUsage: "[PATH]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}},
				},
				Action: listDirectory,
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				ArgsUsage: "PATH",
				Action:    makeDirectory,
			},
			{
				Name:      "create",
				Usage:     "Create a zero-filled file of a fixed size",
				ArgsUsage: "PATH SIZE",
				Action:    createFile,
			},
			{
				Name:      "put",
				Usage:     "Copy a file from the host into the image",
				ArgsUsage: "HOST_FILE PATH",
				Action:    putFile,
			},
			{
				Name:      "cat",
				Usage:     "Write the contents of a file to stdout",
				ArgsUsage: "PATH",
				Action:    catFile,
			},
			{
				Name:      "rm",
				Usage:     "Remove a file or directory",
				ArgsUsage: "PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}},
				},
				Action: removePath,
			},
			{
				Name:   "print",
				Usage:  "Dump the volume's metadata",
				Action: printVolume,
			},
			{
				Name:   "geometries",
				Usage:  "List the predefined disk geometries",
				Action: listGeometries,
			},
			{
				Name:      "export",
				Usage:     "Write a compressed copy of the image",
				ArgsUsage: "OUTPUT_FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "codec",
						Usage: fmt.Sprintf("compression codec, one of %v", compression.Codecs()),
						Value: string(compression.DefaultCodec),
					},
				},
				Action: exportImage,
			},
			{
				Name:      "import",
				Usage:     "Replace the image with a compressed copy made by `export`",
				ArgsUsage: "INPUT_FILE",
				Action:    importImage,
			},
		},
	}
}

func configureLogging(ctx *cli.Context) error {
	log.SetOutput(ctx.App.ErrWriter)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if ctx.Bool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	return nil
}

func requireArgs(ctx *cli.Context, count int) error {
	if ctx.NArg() != count {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"%s expects %d argument(s), got %d",
				ctx.Command.Name,
				count,
				ctx.NArg(),
			),
		)
	}
	return nil
}

func openImage(ctx *cli.Context, create bool) (*blockdevice.Device, error) {
	imagePath := ctx.String("image")
	if imagePath == "" {
		return nil, errors.ErrInvalidArgument.WithMessage("--image is required")
	}

	geometry, err := disks.GetPredefinedDiskGeometry(ctx.String("geometry"))
	if err != nil {
		return nil, err
	}
	return blockdevice.OpenImageFile(imagePath, geometry, create)
}

// withVolume mounts the image, runs `action`, and unmounts it again. Errors from
// unmounting are reported along with any error from `action`.
func withVolume(
	ctx *cli.Context, format bool, action func(fs *core.FileSystem) error,
) error {
	device, err := openImage(ctx, format)
	if err != nil {
		return err
	}

	options := core.DefaultOptions()
	options.Logger = log.WithField("image", ctx.String("image"))

	fs, err := core.New(device, format, options)
	if err != nil {
		device.Close()
		return err
	}

	var result *multierror.Error
	err = action(fs)
	if err != nil {
		result = multierror.Append(result, err)
	}
	err = fs.Close()
	if err != nil {
		result = multierror.Append(result, err)
	}
	err = device.Close()
	if err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func formatImage(ctx *cli.Context) error {
	return withVolume(ctx, true, func(fs *core.FileSystem) error {
		free, err := fs.FreeSectors()
		if err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "Formatted volume, %d sectors free.\n", free)
		return nil
	})
}

func listDirectory(ctx *cli.Context) error {
	path := "/"
	if ctx.NArg() > 1 {
		return requireArgs(ctx, 1)
	} else if ctx.NArg() == 1 {
		path = ctx.Args().First()
	}

	return withVolume(ctx, false, func(fs *core.FileSystem) error {
		if ctx.Bool("recursive") {
			return fs.RecursiveList(ctx.App.Writer, path, 2)
		}

		entries, err := fs.List(path)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			info, err := fs.Stat(core.JoinPath(path, entry.Name))
			if err != nil {
				return err
			}

			kind := "F"
			if info.IsDir {
				kind = "D"
			}
			fmt.Fprintf(ctx.App.Writer, "[%s] %-9s %8d\n", kind, info.Name, info.Length)
		}
		return nil
	})
}

func makeDirectory(ctx *cli.Context) error {
	err := requireArgs(ctx, 1)
	if err != nil {
		return err
	}
	return withVolume(ctx, false, func(fs *core.FileSystem) error {
		return fs.CreateDirectory(ctx.Args().First())
	})
}

func createFile(ctx *cli.Context) error {
	err := requireArgs(ctx, 2)
	if err != nil {
		return err
	}

	size, err := strconv.Atoi(ctx.Args().Get(1))
	if err != nil {
		return errors.ErrInvalidArgument.Wrap(err)
	}
	return withVolume(ctx, false, func(fs *core.FileSystem) error {
		return fs.Create(ctx.Args().Get(0), size)
	})
}

func putFile(ctx *cli.Context) error {
	err := requireArgs(ctx, 2)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(ctx.Args().Get(0))
	if err != nil {
		return errors.CastToDriverError(err)
	}
	path := ctx.Args().Get(1)

	return withVolume(ctx, false, func(fs *core.FileSystem) error {
		err := fs.Create(path, len(data))
		if err != nil {
			return err
		}

		fd, err := fs.OpenFD(path, sectorfs.O_WRONLY|sectorfs.O_SYNC)
		if err != nil {
			return err
		}

		written, err := fs.WriteFD(data, len(data), fd)
		closeErr := fs.CloseFD(fd)
		if err != nil {
			return err
		}
		if written != len(data) {
			return errors.ErrIOFailed.WithMessage(
				fmt.Sprintf("wrote %d of %d bytes to %q", written, len(data), path),
			)
		}
		return closeErr
	})
}

func catFile(ctx *cli.Context) error {
	err := requireArgs(ctx, 1)
	if err != nil {
		return err
	}

	return withVolume(ctx, false, func(fs *core.FileSystem) error {
		file, err := fs.Open(ctx.Args().First())
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = file.WriteTo(ctx.App.Writer)
		return err
	})
}

func removePath(ctx *cli.Context) error {
	err := requireArgs(ctx, 1)
	if err != nil {
		return err
	}
	return withVolume(ctx, false, func(fs *core.FileSystem) error {
		return fs.Remove(ctx.Args().First(), ctx.Bool("recursive"))
	})
}

func printVolume(ctx *cli.Context) error {
	return withVolume(ctx, false, func(fs *core.FileSystem) error {
		return fs.Print(ctx.App.Writer)
	})
}

func listGeometries(ctx *cli.Context) error {
	for _, geometry := range disks.ListPredefinedDiskGeometries() {
		fmt.Fprintf(
			ctx.App.Writer,
			"%-12s %5d x %4d B  %s\n",
			geometry.Slug,
			geometry.TotalSectors,
			geometry.BytesPerSector,
			geometry.Name,
		)
	}
	return nil
}

func exportImage(ctx *cli.Context) error {
	err := requireArgs(ctx, 1)
	if err != nil {
		return err
	}

	codec, err := compression.ParseCodec(ctx.String("codec"))
	if err != nil {
		return err
	}

	device, err := openImage(ctx, false)
	if err != nil {
		return err
	}
	image, err := device.Snapshot()
	closeErr := device.Close()
	if err != nil {
		return err
	} else if closeErr != nil {
		return closeErr
	}

	outFile, err := os.Create(ctx.Args().First())
	if err != nil {
		return errors.CastToDriverError(err)
	}

	written, err := compression.CompressImage(bytes.NewReader(image), outFile, codec)
	closeErr = outFile.Close()
	if err != nil {
		return err
	} else if closeErr != nil {
		return errors.CastToDriverError(closeErr)
	}

	fmt.Fprintf(
		ctx.App.Writer, "Compressed %d bytes to %d with %s.\n", len(image), written, codec,
	)
	return nil
}

func importImage(ctx *cli.Context) error {
	err := requireArgs(ctx, 1)
	if err != nil {
		return err
	}

	inFile, err := os.Open(ctx.Args().First())
	if err != nil {
		return errors.CastToDriverError(err)
	}
	image, err := compression.DecompressImageToBytes(inFile)
	inFile.Close()
	if err != nil {
		return err
	}

	device, err := openImage(ctx, true)
	if err != nil {
		return err
	}

	sectorSize := int(device.BytesPerSector())
	if len(image) != sectorSize*int(device.TotalSectors()) {
		device.Close()
		return errors.ErrInvalidFileSystem.WithMessage(
			fmt.Sprintf(
				"decompressed image is %d bytes, geometry %q requires %d",
				len(image),
				ctx.String("geometry"),
				sectorSize*int(device.TotalSectors()),
			),
		)
	}

	for i := uint(0); i < device.TotalSectors(); i++ {
		start := int(i) * sectorSize
		err = device.WriteSector(c.PhysicalBlock(i), image[start:start+sectorSize])
		if err != nil {
			device.Close()
			return err
		}
	}

	// Mounting checks that what we just wrote is actually a volume.
	fs, err := core.New(device, false, core.Options{Logger: log})
	if err != nil {
		device.Close()
		return err
	}
	free, err := fs.FreeSectors()
	fs.Close()
	closeErr := device.Close()
	if err != nil {
		return err
	} else if closeErr != nil {
		return closeErr
	}

	fmt.Fprintf(ctx.App.Writer, "Imported volume, %d sectors free.\n", free)
	return nil
}
