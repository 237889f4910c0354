package onnx

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

var gitURL = "https://github.com/microsoft/onnxruntime/releases/download/"
var target = "onnxruntime"
var version = "1.20.0"
var localPath = os.Getenv("HOME") + `/.local/lib`

func LibPath() string {
	dist, arch, err := determinePlatform()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s/%s-%s-%s-%s/lib/lib%s.%s.%s",
		localPath, target, dist, arch, version, target, version, determineExtension(dist))
}

func GitPath() string {
	dist, arch, err := determinePlatform()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("v%s/%s-%s-%s-%s.tgz", version, target, dist, arch, version)
}

// FetchRuntime downloads the shared library into ~/.local/lib unless it is already there.
func FetchRuntime() error {
	var libPath = LibPath()
	_, err := os.Stat(libPath)
	if err == nil {
		return nil
	}
	slog.Info("downloading onnx runtime", "version", version, "dest", localPath)
	if err = downloadFile(); err != nil {
		return fmt.Errorf("failed to download onnx runtime: %w", err)
	}
	return nil
}

var env struct {
	mu   sync.Mutex
	refs int
}

// Acquire initializes the process-wide onnx environment on first use. Every
// successful Acquire must be paired with Release.
func Acquire(libPath string) error {
	env.mu.Lock()
	defer env.mu.Unlock()
	if env.refs == 0 {
		if libPath == "" {
			libPath = LibPath()
		}
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to init onnx lib %s: %w", libPath, err)
		}
	}
	env.refs++
	return nil
}

// Release tears the environment down once the last holder lets go.
func Release() error {
	env.mu.Lock()
	defer env.mu.Unlock()
	if env.refs == 0 {
		return nil
	}
	env.refs--
	if env.refs > 0 {
		return nil
	}
	return ort.DestroyEnvironment()
}

func determinePlatform() (dist, arch string, err error) {
	switch runtime.GOOS {
	case "darwin":
		dist = "osx"
	case "linux":
		dist = "linux"
	default:
		return "", "", fmt.Errorf("OS '%s' is not supported", runtime.GOOS)
	}
	switch runtime.GOARCH {
	case "arm64":
		arch = "arm64"
	case "amd64":
		arch = "x64"
	default:
		return "", "", fmt.Errorf("architecture '%s' is not supported", runtime.GOARCH)
	}
	return dist, arch, nil
}

func determineExtension(dist string) string {
	switch dist {
	case "osx":
		return "dylib"
	case "linux":
		return "so"
	default:
		return ""
	}
}

func downloadFile() (err error) {
	if err = os.MkdirAll(localPath, 0755); err != nil {
		return err
	}
	var tgz = filepath.Join(localPath, version+".tgz")
	out, err := os.Create(tgz)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, os.Remove(tgz))
	}()
	resp, err := http.Get(gitURL + GitPath())
	if err != nil {
		return multierr.Append(fmt.Errorf("failed to download: %w", err), out.Close())
	}
	defer func() {
		err = multierr.Append(err, resp.Body.Close())
	}()
	if resp.StatusCode != http.StatusOK {
		return multierr.Append(fmt.Errorf("bad status code %d", resp.StatusCode), out.Close())
	}
	if _, err = io.Copy(out, resp.Body); err != nil {
		return multierr.Append(fmt.Errorf("failed to write target: %w", err), out.Close())
	}
	if err = out.Close(); err != nil {
		return err
	}
	return unpackArchive(tgz, localPath)
}

func unpackArchive(tgzPath, dst string) (err error) {
	file, err := os.Open(tgzPath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", tgzPath, err)
	}
	defer func() {
		err = multierr.Append(err, file.Close())
	}()
	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to read gzip archive: %w", err)
	}
	defer func() {
		err = multierr.Append(err, gzReader.Close())
	}()
	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar archive: %w", err)
		}
		targetPath := filepath.Join(dst, header.Name)
		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err = extractFile(targetPath, tarReader); err != nil {
				return err
			}
		}
	}
}

func extractFile(targetPath string, r io.Reader) (err error) {
	if err = os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	outFile, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		err = multierr.Append(err, outFile.Close())
	}()
	if _, err = io.Copy(outFile, r); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
