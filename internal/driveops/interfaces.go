package driveops

import (
	"context"
	"io"
	"time"

	"github.com/onedrivesync/engine/internal/driveid"
	"github.com/onedrivesync/engine/internal/graph"
)

// ContentDownloader streams a remote file's content by item ID.
type ContentDownloader interface {
	Download(ctx context.Context, driveID driveid.ID, itemID string, w io.Writer) (int64, error)
}

// ContentUploader uploads a local file, hiding the simple-vs-chunked
// decision and upload session lifecycle behind one call. content must be an
// io.ReaderAt so a failed attempt can be retried from byte zero.
type ContentUploader interface {
	Upload(
		ctx context.Context, driveID driveid.ID, parentID, name string,
		content io.ReaderAt, size int64, mtime time.Time, progress graph.ProgressFunc,
	) (*graph.Item, error)
}

// ResumableUploader exposes session-based upload for large files. Satisfied
// by *graph.Client; callers type-assert for it rather than folding its
// methods into ContentUploader, so a client without session support still
// satisfies the narrower interface. When both it and a SessionStore are
// available, the transfer manager persists session state so an upload
// survives a process crash.
type ResumableUploader interface {
	CreateUploadSession(
		ctx context.Context, driveID driveid.ID, parentID, name string,
		size int64, mtime time.Time,
	) (*graph.UploadSession, error)
	UploadFromSession(
		ctx context.Context, session *graph.UploadSession,
		content io.ReaderAt, totalSize int64, progress graph.ProgressFunc,
	) (*graph.Item, error)
	ResumeUpload(
		ctx context.Context, session *graph.UploadSession,
		content io.ReaderAt, totalSize int64, progress graph.ProgressFunc,
	) (*graph.Item, error)
}

// ResumableDownloader downloads starting from a byte offset. Satisfied by
// *graph.Client; kept separate from ContentDownloader for the same
// type-assertion reason as ResumableUploader.
type ResumableDownloader interface {
	DownloadRange(
		ctx context.Context, driveID driveid.ID, itemID string,
		w io.Writer, offset int64,
	) (int64, error)
}
