package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/bwcgen/pkg/command"
	"github.com/cuemby/bwcgen/pkg/failure"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Archiver packs root/dir into the zip file dest. Entries are rooted at dir,
// so "data" yields data/... in the archive. An existing dest is replaced.
type Archiver interface {
	Archive(ctx context.Context, root, dir, dest string) error
}

// Path is the absolute archive path for a version
func Path(outputDir, prefix, version string) (string, error) {
	p, err := filepath.Abs(filepath.Join(outputDir, fmt.Sprintf("%s-%s.zip", prefix, version)))
	if err != nil {
		return "", errors.Wrap(err, "resolving archive path")
	}
	return p, nil
}

// ZipTool shells out to the zip binary from within root
type ZipTool struct {
	Runner command.Runner
	Binary string
	Logger zerolog.Logger
}

// NewZipTool creates an archiver using the zip on PATH
func NewZipTool(runner command.Runner, logger zerolog.Logger) *ZipTool {
	return &ZipTool{Runner: runner, Binary: "zip", Logger: logger}
}

// Archive runs zip -r dest dir in root
func (z *ZipTool) Archive(ctx context.Context, root, dir, dest string) error {
	// zip -r would add to an existing archive
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing old archive %s", dest)
	}

	z.Logger.Info().Str("archive", dest).Msg("Creating archive")
	_, err := z.Runner.Run(ctx, command.Command{
		Name: z.Binary,
		Args: []string{"-r", dest, dir},
		Dir:  root,
	})
	return err
}

// Native writes the archive in-process through an afero filesystem
type Native struct {
	Fs     afero.Fs
	Logger zerolog.Logger
}

// NewNative creates an in-process archiver on fs
func NewNative(fs afero.Fs, logger zerolog.Logger) *Native {
	return &Native{Fs: fs, Logger: logger}
}

// Archive walks root/dir and deflates every file into dest
func (n *Native) Archive(ctx context.Context, root, dir, dest string) error {
	if err := n.Fs.Remove(dest); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing old archive %s", dest)
	}

	n.Logger.Info().Str("archive", dest).Msg("Creating archive")
	out, err := n.Fs.Create(dest)
	if err != nil {
		return failure.ExternalTool(err, "zip -r "+dest+" "+dir)
	}

	zw := zip.NewWriter(out)
	walkErr := afero.Walk(n.Fs, filepath.Join(root, dir), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		if info.IsDir() {
			hdr.Name = strings.TrimSuffix(name, "/") + "/"
			_, err = zw.CreateHeader(hdr)
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := n.Fs.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})

	closeErr := zw.Close()
	if err := out.Close(); closeErr == nil {
		closeErr = err
	}
	if walkErr != nil {
		_ = n.Fs.Remove(dest)
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			return errors.Wrapf(walkErr, "archiving %s", dir)
		}
		return failure.ExternalTool(walkErr, "zip -r "+dest+" "+dir)
	}
	if closeErr != nil {
		_ = n.Fs.Remove(dest)
		return failure.ExternalTool(closeErr, "zip -r "+dest+" "+dir)
	}
	return nil
}

// Digest returns the size and hex SHA-256 of the file at path
func Digest(fs afero.Fs, path string) (int64, string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, "", errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", errors.Wrapf(err, "hashing %s", path)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// Entries lists the names stored in the archive at path
func Entries(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, errors.Wrapf(err, "reading archive %s", path)
	}

	names := make([]string, 0, len(zr.File))
	for _, file := range zr.File {
		names = append(names, file.Name)
	}
	return names, nil
}
