package attachment

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// GetMany writes a zip containing every readable file in fileIDs to w.
// Missing or unreadable files are logged and skipped; only a failure to
// write to w is returned as an error. Each file is spooled to a temp file
// first, so a read that fails part way leaves no entry in the archive.
func (s *BadgerStore) GetMany(ctx context.Context, fileIDs []string, w io.Writer) (BundleResult, error) {
	var res BundleResult
	spool, err := os.CreateTemp("", "wd-bundle-*")
	if err != nil {
		return res, fmt.Errorf("attachment: bundle: spool: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	zw := zip.NewWriter(w)
	used := make(map[string]int)

	for _, id := range fileIDs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("attachment: bundle: %w", err)
		}
		log := s.log.WithField("file_id", id)

		obj, err := s.Get(ctx, id)
		if err != nil {
			log.WithError(err).Warn("skipping file in bundle")
			res.Skipped = append(res.Skipped, id)
			continue
		}
		n, readErr, err := spoolFile(spool, obj)
		obj.Close()
		if err != nil {
			return res, fmt.Errorf("attachment: bundle: spool %s: %w", id, err)
		}
		if readErr != nil {
			log.WithError(readErr).Warn("skipping unreadable file in bundle")
			res.Skipped = append(res.Skipped, id)
			continue
		}

		hdr := &zip.FileHeader{
			Name:     uniqueName(obj.Name, used),
			Method:   zip.Deflate,
			Modified: obj.CreatedAt,
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return res, fmt.Errorf("attachment: bundle: %w", err)
		}
		if _, err := io.Copy(fw, io.NewSectionReader(spool, 0, n)); err != nil {
			return res, fmt.Errorf("attachment: bundle: %w", err)
		}
		res.Added = append(res.Added, id)
	}

	if err := zw.Close(); err != nil {
		return res, fmt.Errorf("attachment: bundle: %w", err)
	}
	s.log.WithFields(logrus.Fields{"added": len(res.Added), "skipped": len(res.Skipped)}).Debug("bundle written")
	return res, nil
}

// spoolFile replaces the contents of spool with everything read from r.
// readErr is a failure of r; err is a failure of the spool itself.
func spoolFile(spool *os.File, r io.Reader) (n int64, readErr, err error) {
	if err := spool.Truncate(0); err != nil {
		return 0, nil, err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return 0, nil, err
	}
	buf := make([]byte, 32<<10)
	for {
		m, rerr := r.Read(buf)
		if m > 0 {
			if _, err := spool.Write(buf[:m]); err != nil {
				return n, nil, err
			}
			n += int64(m)
		}
		if rerr == io.EOF {
			return n, nil, nil
		}
		if rerr != nil {
			return n, rerr, nil
		}
	}
}

// uniqueName returns name, or "name (2).ext" style variants once name has
// already been used in the bundle.
func uniqueName(name string, used map[string]int) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	used[name]++
	if used[name] == 1 {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for {
		candidate := fmt.Sprintf("%s (%d)%s", stem, used[name], ext)
		if used[candidate] == 0 {
			used[candidate]++
			return candidate
		}
		used[name]++
	}
}
