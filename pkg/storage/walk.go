package storage

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"time"
)

// Walk lists every regular file under localDir in lexical order together
// with its mirrored key under prefix. A symlinked localDir is resolved
// first; links below it are not followed.
func Walk(localDir, prefix string) ([]ObjectInfo, error) {
	root, err := filepath.EvalSymlinks(localDir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", localDir, err)
	}

	var objects []ObjectInfo
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("computing relative path for %s: %w", p, err)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		objects = append(objects, ObjectInfo{
			Key:       ObjectKey(prefix, filepath.ToSlash(rel)),
			LocalPath: p,
			Size:      info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", localDir, err)
	}
	return objects, nil
}

func summarize(loc Location, objects []ObjectInfo) *UploadSummary {
	s := &UploadSummary{Location: loc, Objects: len(objects)}
	for _, o := range objects {
		s.Bytes += o.Size
	}
	return s
}

// Summarize builds an UploadSummary for objects uploaded since started.
func Summarize(loc Location, objects []ObjectInfo, started time.Time) *UploadSummary {
	s := summarize(loc, objects)
	s.Duration = time.Since(started)
	return s
}
