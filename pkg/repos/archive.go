package repos

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v4"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"

	"github.com/ngld/specrun/pkg"
	"github.com/ngld/specrun/pkg/srlog"
)

// StampFile is written into every extracted archive and records what was extracted
const StampFile = ".specrun-archive"

// Archive downloads and unpacks source tarballs and zip files. URLs can be http(s),
// file:// or plain paths.
type Archive struct {
	Client *http.Client
	// Progress enables progress bars
	Progress bool
}

func NewArchive() *Archive {
	return &Archive{
		Client: &http.Client{
			Timeout: time.Minute * 30,
		},
		Progress: os.Getenv("CI") != "true",
	}
}

func (a *Archive) Name() string {
	return "archive"
}

func stampToken(src Source) string {
	return src.URL + "#" + src.Sha256
}

func (a *Archive) IsCheckout(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, StampFile))
	return err == nil
}

func (a *Archive) Clone(ctx context.Context, src Source, dest string) error {
	return a.fetch(ctx, src, dest)
}

// Update only downloads the archive again if the URL or checksum changed
func (a *Archive) Update(ctx context.Context, src Source, dir string) error {
	stamp, err := ioutil.ReadFile(filepath.Join(dir, StampFile))
	if err == nil && string(stamp) == stampToken(src) {
		srlog.Log(ctx).Debug().Str("url", src.URL).Msg("archive unchanged")
		return nil
	}

	return a.fetch(ctx, src, dir)
}

func (a *Archive) Mirror(ctx context.Context, store, target string) error {
	err := os.RemoveAll(target)
	if err != nil {
		return eris.Wrapf(err, "failed to remove %s", target)
	}

	return copyTree(store, target)
}

func (a *Archive) getProgressBar(length int64, desc string) *progressbar.ProgressBar {
	if !a.Progress {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

func (a *Archive) open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	parsed, err := url.Parse(rawURL)
	if err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, 0, backoff.Permanent(eris.Wrapf(err, "invalid URL %s", rawURL))
		}

		resp, err := a.Client.Do(req)
		if err != nil {
			return nil, 0, eris.Wrapf(err, "failed to start download for %s", rawURL)
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, 0, eris.Errorf("download of %s failed with status %s", rawURL, resp.Status)
		}
		return resp.Body, resp.ContentLength, nil
	}

	path := rawURL
	if err == nil && parsed.Scheme == "file" {
		path = parsed.Path
	}

	handle, err := os.Open(path)
	if err != nil {
		return nil, 0, backoff.Permanent(eris.Wrapf(err, "failed to open %s", path))
	}

	info, err := handle.Stat()
	if err != nil {
		handle.Close()
		return nil, 0, eris.Wrapf(err, "failed to stat %s", path)
	}
	return handle, info.Size(), nil
}

func (a *Archive) fetch(ctx context.Context, src Source, dest string) error {
	extractor, err := getExtractor(src.URL)
	if err != nil {
		return backoff.Permanent(err)
	}

	err = os.MkdirAll(filepath.Dir(dest), 0o755)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", filepath.Dir(dest))
	}

	tmpPath := filepath.Join(filepath.Dir(dest), ".dl-"+nanoid.New()+".tmp")
	arHandle, err := os.Create(tmpPath)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", tmpPath)
	}
	defer func() {
		arHandle.Close()
		os.Remove(tmpPath)
	}()

	body, length, err := a.open(ctx, src.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	hash := sha256.New()
	bar := a.getProgressBar(length, "     download")
	_, err = io.Copy(io.MultiWriter(arHandle, hash, bar), body)
	if err != nil {
		return eris.Wrapf(err, "failed during download of %s", src.URL)
	}
	bar.Finish()
	body.Close()

	digest := hex.EncodeToString(hash.Sum(nil))
	if src.Sha256 != "" && !strings.EqualFold(digest, src.Sha256) {
		return backoff.Permanent(eris.Errorf("checksum mismatch for %s: expected %s but got %s", src.URL, src.Sha256, digest))
	}

	err = os.RemoveAll(dest)
	if err != nil {
		return eris.Wrapf(err, "failed to remove %s", dest)
	}

	err = os.MkdirAll(dest, 0o755)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", dest)
	}

	_, err = arHandle.Seek(0, io.SeekStart)
	if err != nil {
		return eris.Wrap(err, "failed to rewind download")
	}

	bar = a.getProgressBar(length, "      extract")
	err = extractor(arHandle, bar, dest, src.Strip)
	if err != nil {
		return backoff.Permanent(err)
	}
	bar.Finish()

	pkg.PrintSubtaskf("Extracted %s (sha256 %s)", src.URL, digest)
	return ioutil.WriteFile(filepath.Join(dest, StampFile), []byte(stampToken(src)), 0o644)
}

type archiveExtractor func(f *os.File, bar *progressbar.ProgressBar, dest string, strip int) error

// extractPath strips strip leading components from item and joins the rest with dest.
// It returns an empty string for entries that are stripped entirely.
func extractPath(dest, item string, strip int) (string, error) {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(item)), "/")
	if len(parts) <= strip {
		return "", nil
	}

	rel := filepath.Join(parts[strip:]...)
	if rel == "." {
		return "", nil
	}

	result := filepath.Join(dest, rel)
	if result == filepath.Clean(dest) || !isInside(dest, result) {
		return "", eris.Errorf("archive entry %s points outside of the destination", item)
	}
	return result, nil
}

func isInside(dest, path string) bool {
	dest = filepath.Clean(dest)
	return path == dest || strings.HasPrefix(path, dest+string(filepath.Separator))
}

func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

// checkParents fails if one of the directories between dest and path is a symlink
func checkParents(dest, path string) error {
	rel, err := filepath.Rel(dest, filepath.Dir(path))
	if err != nil {
		return eris.Wrapf(err, "failed to resolve %s", path)
	}
	if rel == "." {
		return nil
	}

	current := filepath.Clean(dest)
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return eris.Wrapf(err, "failed to check %s", current)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return eris.Errorf("refusing to extract %s through symlink %s", path, current)
		}
	}
	return nil
}

// checkLinkTarget makes sure a symlink created at itemDest resolves to a path inside dest
func checkLinkTarget(dest, itemDest, target string) error {
	if filepath.IsAbs(target) || strings.HasPrefix(filepath.ToSlash(target), "/") {
		return eris.Errorf("symlink %s has the absolute target %s", itemDest, target)
	}

	resolved := filepath.Join(filepath.Dir(itemDest), target)
	if !isInside(dest, resolved) {
		return eris.Errorf("symlink %s points outside of the destination (%s)", itemDest, target)
	}
	return nil
}

func writeEntry(dest string, r io.Reader, mode os.FileMode) error {
	err := os.MkdirAll(filepath.Dir(dest), 0o755)
	if err != nil {
		return eris.Wrapf(err, "failed to create directory %s", filepath.Dir(dest))
	}

	destHandle, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm()|0o200)
	if err != nil {
		return eris.Wrapf(err, "failed to create file %s", dest)
	}
	defer destHandle.Close()

	_, err = io.Copy(destHandle, r)
	if err != nil {
		return eris.Wrapf(err, "failed to write extracted file %s", dest)
	}
	return destHandle.Close()
}

func trackPosition(f *os.File, bar *progressbar.ProgressBar) {
	pos, err := f.Seek(0, io.SeekCurrent)
	if err == nil {
		bar.Set64(pos)
	}
}

func getExtractor(rawURL string) (archiveExtractor, error) {
	name := strings.ToLower(rawURL)
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		name = strings.ToLower(parsed.Path)
	}

	switch {
	case strings.HasSuffix(name, ".zip"):
		return extractZip, nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return func(f *os.File, bar *progressbar.ProgressBar, dest string, strip int) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return eris.Wrap(err, "failed to open gzip stream")
			}
			defer reader.Close()

			return extractTar(reader, f, bar, dest, strip)
		}, nil
	case strings.HasSuffix(name, ".tar.bz2"):
		return func(f *os.File, bar *progressbar.ProgressBar, dest string, strip int) error {
			return extractTar(bzip2.NewReader(f), f, bar, dest, strip)
		}, nil
	case strings.HasSuffix(name, ".tar.xz"):
		return func(f *os.File, bar *progressbar.ProgressBar, dest string, strip int) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return eris.Wrap(err, "failed to open xz stream")
			}

			return extractTar(reader, f, bar, dest, strip)
		}, nil
	case strings.HasSuffix(name, ".tar.br"):
		return func(f *os.File, bar *progressbar.ProgressBar, dest string, strip int) error {
			return extractTar(brotli.NewReader(f), f, bar, dest, strip)
		}, nil
	case strings.HasSuffix(name, ".tar"):
		return func(f *os.File, bar *progressbar.ProgressBar, dest string, strip int) error {
			return extractTar(f, f, bar, dest, strip)
		}, nil
	}

	return nil, eris.Errorf("archive format of %s not supported", rawURL)
}

func extractZip(f *os.File, bar *progressbar.ProgressBar, dest string, strip int) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return eris.Wrap(err, "failed to open zip archive")
	}

	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		itemDest, err := extractPath(dest, item.Name, strip)
		if err != nil {
			return err
		}
		if itemDest == "" {
			continue
		}

		err = checkParents(dest, itemDest)
		if err != nil {
			return err
		}
		if isSymlink(itemDest) {
			return eris.Errorf("refusing to write %s through an existing symlink", itemDest)
		}

		itemHandle, err := item.Open()
		if err != nil {
			return eris.Wrapf(err, "failed to open archive entry %s", item.Name)
		}

		mode := item.Mode()
		if mode.Perm() == 0 {
			mode = 0o644
		}

		err = writeEntry(itemDest, itemHandle, mode)
		itemHandle.Close()
		if err != nil {
			return err
		}

		trackPosition(f, bar)
	}

	return nil
}

func extractTar(r io.Reader, f *os.File, bar *progressbar.ProgressBar, dest string, strip int) error {
	archive := tar.NewReader(r)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "failed to read archive entry")
		}

		itemDest, err := extractPath(dest, item.Name, strip)
		if err != nil {
			return err
		}
		if itemDest == "" {
			continue
		}

		err = checkParents(dest, itemDest)
		if err != nil {
			return err
		}

		if item.Typeflag != tar.TypeSymlink && item.Typeflag != tar.TypeLink && isSymlink(itemDest) {
			return eris.Errorf("refusing to write %s through an existing symlink", itemDest)
		}

		switch item.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(itemDest, 0o755)
			if err != nil {
				return eris.Wrapf(err, "failed to create directory %s", itemDest)
			}
		case tar.TypeSymlink:
			err = os.MkdirAll(filepath.Dir(itemDest), 0o755)
			if err != nil {
				return eris.Wrapf(err, "failed to create directory %s", filepath.Dir(itemDest))
			}

			err = checkLinkTarget(dest, itemDest, item.Linkname)
			if err != nil {
				return err
			}

			os.Remove(itemDest)
			err = os.Symlink(item.Linkname, itemDest)
			if err != nil {
				return eris.Wrapf(err, "failed to create symlink %s pointing to %s", itemDest, item.Linkname)
			}
		case tar.TypeLink:
			source, err := extractPath(dest, item.Linkname, strip)
			if err != nil {
				return err
			}
			if source == "" {
				return eris.Errorf("hard link %s points to the stripped entry %s", item.Name, item.Linkname)
			}

			err = checkParents(dest, source)
			if err != nil {
				return err
			}

			err = os.MkdirAll(filepath.Dir(itemDest), 0o755)
			if err != nil {
				return eris.Wrapf(err, "failed to create directory %s", filepath.Dir(itemDest))
			}

			os.Remove(itemDest)
			err = os.Link(source, itemDest)
			if err != nil {
				return eris.Wrapf(err, "failed to create hard link %s pointing to %s", itemDest, source)
			}
		case tar.TypeReg, tar.TypeRegA:
			err = writeEntry(itemDest, archive, item.FileInfo().Mode())
			if err != nil {
				return err
			}
		default:
			log.Warn().Str("entry", item.Name).Msgf("skipping archive entry of type %c", item.Typeflag)
			continue
		}

		trackPosition(f, bar)
	}

	return nil
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return eris.Wrapf(err, "failed to walk %s", path)
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		if rel == StampFile {
			return nil
		}

		target := filepath.Join(dest, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return eris.Wrapf(err, "failed to read link %s", path)
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			handle, err := os.Open(path)
			if err != nil {
				return eris.Wrapf(err, "failed to open %s", path)
			}
			defer handle.Close()

			return writeEntry(target, handle, info.Mode())
		}

		return nil
	})
}
