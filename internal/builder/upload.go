package builder

import (
	"context"
	"io/fs"
	"mime"
	"path"
	"path/filepath"
)

// DefaultContentType is used when no type is known for a file's extension.
const DefaultContentType = "application/octet-stream"

// Uploader stores one local file in blob storage.
type Uploader interface {
	Upload(ctx context.Context, key, filePath, contentType string) error
}

// ArtifactKey returns the blob key of an output file. rel is the file's path
// relative to the output directory.
func ArtifactKey(projectID, rel string) string {
	return path.Join("__outputs", projectID, filepath.ToSlash(rel))
}

// ContentType infers a content type from the file extension.
func ContentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return DefaultContentType
}

// artifact is a regular file found in the output directory.
type artifact struct {
	path string
	rel  string
}

// collectArtifacts lists regular files under root in lexical order.
func collectArtifacts(root string) ([]artifact, error) {
	var files []artifact
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, artifact{path: p, rel: rel})
		return nil
	})
	return files, err
}
