package upload

import (
	"context"
	"fmt"
)

// ContentType is the MIME type artifacts are stored with.
const ContentType = "application/octet-stream"

// Uploader stores run artifacts in object storage.
type Uploader interface {
	// Put stores data as key in the run's bucket, creating the bucket on
	// first use, and returns the object's public URL.
	Put(ctx context.Context, runID int64, key string, data []byte) (string, error)
}

// BucketName returns the bucket holding a run's artifacts. Bucket names
// must be at least three characters, so short runids are zero padded.
func BucketName(runID int64) string {
	return fmt.Sprintf("%03d", runID)
}
