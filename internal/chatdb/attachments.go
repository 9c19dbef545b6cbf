package chatdb

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath maps an attachment filename to an absolute path. Messages stores
// most as "~/Library/Messages/Attachments/..."; relative names resolve against
// the database directory, which keeps copied chat.db folders usable.
func (r *Reader) ResolvePath(ref AttachmentRef) string {
	p := strings.TrimSpace(ref.Path)
	switch {
	case p == "":
		return ""
	case p == "~" || strings.HasPrefix(p, "~/"):
		return filepath.Join(r.homeDir(), strings.TrimPrefix(p, "~"))
	case filepath.IsAbs(p):
		return p
	default:
		return filepath.Join(filepath.Dir(r.path), p)
	}
}

// ReadAttachment returns the full payload of ref. Any failure is an
// *AttachmentError matching ErrAttachmentMissing, except cancellation.
func (r *Reader) ReadAttachment(ctx context.Context, ref AttachmentRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := r.ResolvePath(ref)
	if path == "" {
		return nil, &AttachmentError{GUID: ref.GUID, Reason: ReasonNoPath}
	}

	f, err := os.Open(path)
	if err != nil {
		reason := ReasonUnreadable
		if errors.Is(err, fs.ErrNotExist) {
			reason = ReasonNotFound
		}
		return nil, &AttachmentError{GUID: ref.GUID, Reason: reason, Err: err}
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, &AttachmentError{GUID: ref.GUID, Reason: ReasonUnreadable, Err: err}
	}
	if info.IsDir() {
		return nil, &AttachmentError{GUID: ref.GUID, Reason: ReasonUnreadable, Err: errors.New("is a directory")}
	}
	if info.Size() > r.maxAtt {
		return nil, &AttachmentError{GUID: ref.GUID, Reason: ReasonTooLarge}
	}

	// Read one byte past the cap in case the file grew after Stat.
	data, err := io.ReadAll(io.LimitReader(f, r.maxAtt+1))
	if err != nil {
		return nil, &AttachmentError{GUID: ref.GUID, Reason: ReasonUnreadable, Err: err}
	}
	if int64(len(data)) > r.maxAtt {
		return nil, &AttachmentError{GUID: ref.GUID, Reason: ReasonTooLarge}
	}
	return data, nil
}
