package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// createTarFromDir archives the contents of dir with paths relative to dir,
// placed under prefix when it is not empty. Symlinks are stored as links;
// other special files are skipped.
func createTarFromDir(dir, prefix string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	prefix = strings.Trim(filepath.ToSlash(prefix), "/")
	if prefix != "" {
		if err := writePrefixDirs(tw, prefix); err != nil {
			return nil, err
		}
	}

	err := filepath.WalkDir(dir, func(file string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(file); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = path.Join(prefix, filepath.ToSlash(rel))
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// writePrefixDirs writes a directory entry for every element of prefix.
func writePrefixDirs(tw *tar.Writer, prefix string) error {
	var name string
	for _, part := range strings.Split(prefix, "/") {
		name = path.Join(name, part)
		header := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     name + "/",
			Mode:     0o755,
			ModTime:  time.Now(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
	}
	return nil
}
