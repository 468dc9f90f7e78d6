package snes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/Belthasaran/rhplay-sub002/internal/protocol"
)

// Progress observes a transfer. It is called once with (0, total)
// before any byte moves and again after every chunk or frame. Purely
// observational; it must not affect control flow.
type Progress func(transferred, total int64)

// Direction of a transfer job.
type Direction int

const (
	Upload Direction = iota
	Download
)

// TransferJob tracks one file transfer. transferred never exceeds
// total and only ever grows.
type TransferJob struct {
	RemotePath  string
	Direction   Direction
	Total       int64
	Transferred int64
	ChunkSize   int
}

const (
	// backpressurePoll is how long an upload sleeps while waiting for
	// the transport's outbound buffer to drain below the limit.
	backpressurePoll = 5 * time.Millisecond

	// blockingUploadFloor is the minimum deadline for PutFileBlocking
	// regardless of file size.
	blockingUploadFloor = 30 * time.Second

	// defaultDownloadTimeout is the overall bound for GetFileBlocking.
	defaultDownloadTimeout = 5 * time.Minute
)

var (
	// uploadSettle gives the device time to flush its own write
	// buffers before post-upload verification. The protocol sends no
	// completion signal of any kind.
	uploadSettle = time.Second

	// downloadFrameTimeout bounds the wait for each inbound data
	// frame of a GetFile.
	downloadFrameTimeout = 10 * time.Second
)

// DirEntry is one entry of a console directory listing.
type DirEntry struct {
	Type string // "0" for directories, "1" for files
	Name string
}

// IsDir reports whether the entry is a directory.
func (e DirEntry) IsDir() bool { return e.Type == "0" }

// PutFile uploads the local file to remotePath on the console.
//
// The device never acknowledges chunks and never reports errors
// during the transfer, so everything that can go wrong is handled
// here: the destination directory is created first (uploading into a
// missing directory produces no error, silently drops the data, and
// wedges the device), chunks are paced against the transport's
// outbound buffer, and the result is verified by listing the
// destination afterwards.
func (c *Conn) PutFile(ctx context.Context, localPath, remotePath string, progress Progress) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("put file: %w: %v", ErrPreconditionFailed, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("put file: %w: %v", ErrPreconditionFailed, err)
	}
	return c.putStream(ctx, f, fi.Size(), remotePath, progress)
}

// PutData uploads an in-memory payload to remotePath on the console.
func (c *Conn) PutData(ctx context.Context, data []byte, remotePath string, progress Progress) error {
	return c.putStream(ctx, bytes.NewReader(data), int64(len(data)), remotePath, progress)
}

func (c *Conn) putStream(ctx context.Context, r io.Reader, size int64, remotePath string, progress Progress) error {
	if err := c.requireAttached("put file"); err != nil {
		return err
	}

	if c.cfg.PreemptiveDirCreate {
		if err := c.ensureRemoteDir(ctx, remoteDir(remotePath)); err != nil {
			return err
		}
	}

	job := TransferJob{
		RemotePath: remotePath,
		Direction:  Upload,
		Total:      size,
		ChunkSize:  c.cfg.ChunkSize,
	}
	if progress != nil {
		progress(0, job.Total)
	}

	if err := c.uploadLocked(ctx, r, &job, progress); err != nil {
		return err
	}

	c.log.Infof("transferred %d bytes to %s", job.Transferred, remotePath)
	if c.cfg.VerifyAfterUpload {
		if err := c.verifyUpload(ctx, remotePath); err != nil {
			return err
		}
	}
	return nil
}

// uploadLocked performs the announce and the chunk stream. The request
// channel is held for the whole upload: the announce and its payload
// are a single protocol exchange, and nothing may talk to the device
// until exactly size bytes have followed the announce.
func (c *Conn) uploadLocked(ctx context.Context, r io.Reader, job *TransferJob, progress Progress) error {
	if err := c.lock.acquire(ctx); err != nil {
		return err
	}
	defer c.lock.release()

	err := c.sendRequest(protocol.Request{
		Opcode:   protocol.OpPutFile,
		Space:    protocol.SpaceSNES,
		Operands: []string{job.RemotePath, protocol.Hex(uint32(job.Total))},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", job.RemotePath, err)
	}

	buf := make([]byte, job.ChunkSize)
	for job.Transferred < job.Total {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("put %s: %w: %v", job.RemotePath, ErrTimeout, err)
		}
		n, err := io.ReadFull(r, buf)
		if n == 0 {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return fmt.Errorf("put %s: read source: %v", job.RemotePath, err)
		}

		if err := c.waitForBuffer(ctx); err != nil {
			return fmt.Errorf("put %s: %w", job.RemotePath, err)
		}
		if err := c.sendBinary(buf[:n]); err != nil {
			return fmt.Errorf("put %s: %w", job.RemotePath, err)
		}
		job.Transferred += int64(n)
		if progress != nil {
			progress(job.Transferred, job.Total)
		}
		if job.Total > 1<<20 && job.Transferred%(512<<10) == 0 {
			c.log.Infof("upload progress: %d%%", job.Transferred*100/job.Total)
		}
	}

	if job.Transferred != job.Total {
		return fmt.Errorf("put %s: %w: sent %d/%d bytes",
			job.RemotePath, ErrIncompleteTransfer, job.Transferred, job.Total)
	}
	return nil
}

// waitForBuffer pauses until the transport's outbound buffer drains
// below the configured ceiling. Without this, a fast sender overruns
// the link and the device silently desynchronizes.
func (c *Conn) waitForBuffer(ctx context.Context) error {
	tr := c.transport()
	if tr == nil {
		return ErrConnectionLost
	}
	for tr.Buffered() > c.cfg.BufferLimit {
		select {
		case <-tr.Done():
			return fmt.Errorf("%w: %v", ErrConnectionLost, tr.Err())
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-time.After(backpressurePoll):
		}
	}
	return nil
}

// verifyUpload confirms the file landed. The protocol has no
// completion reply, so presence in the destination listing is the
// strongest check available without re-downloading the file.
func (c *Conn) verifyUpload(ctx context.Context, remotePath string) error {
	time.Sleep(uploadSettle)

	dir, name := remoteDir(remotePath), path.Base(remotePath)
	entries, err := c.List(ctx, dir)
	if err != nil {
		return fmt.Errorf("verify %s: %w", remotePath, err)
	}
	for _, e := range entries {
		if e.Name == name {
			c.log.Infof("upload verified: %s", remotePath)
			return nil
		}
	}
	return fmt.Errorf("verify %s: %w: file missing from %s after upload",
		remotePath, ErrIncompleteTransfer, dir)
}

// PutFileBlocking is PutFile bounded by an overall deadline scaled to
// the file size (the per-MiB budget from the configuration, with a
// floor), guaranteeing termination even if the device stops
// responding mid-transfer.
func (c *Conn) PutFileBlocking(ctx context.Context, localPath, remotePath string, timeout time.Duration, progress Progress) error {
	fi, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("put file: %w: %v", ErrPreconditionFailed, err)
	}
	if timeout <= 0 {
		timeout = time.Duration(fi.Size()>>20+1) * c.cfg.TimeoutPerMB
		if timeout < blockingUploadFloor {
			timeout = blockingUploadFloor
		}
	}
	c.log.Infof("uploading %s -> %s (%d bytes, timeout %v)", localPath, remotePath, fi.Size(), timeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.PutFile(ctx, localPath, remotePath, progress)
}

// GetFile downloads the file at remotePath. The announce reply carries
// the file size in hex; the data then arrives as raw binary frames of
// whatever size the device picks, until the announced size is reached.
func (c *Conn) GetFile(ctx context.Context, remotePath string, progress Progress) ([]byte, error) {
	if err := c.requireAttached("get file"); err != nil {
		return nil, err
	}
	if err := c.lock.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.lock.release()

	err := c.sendRequest(protocol.Request{
		Opcode:   protocol.OpGetFile,
		Space:    protocol.SpaceSNES,
		Operands: []string{remotePath},
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", remotePath, err)
	}
	reply, err := c.awaitReply(ctx, c.cfg.ReplyTimeout)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", remotePath, err)
	}
	if len(reply.Results) == 0 {
		return nil, fmt.Errorf("get %s: %w: no size in reply", remotePath, ErrProtocolMismatch)
	}
	size, err := protocol.ParseHex(reply.Results[0])
	if err != nil {
		return nil, fmt.Errorf("get %s: %w: %v", remotePath, ErrProtocolMismatch, err)
	}

	c.log.Infof("getting file %s (%d bytes)", remotePath, size)
	if progress != nil {
		progress(0, int64(size))
	}

	data, err := c.awaitBinary(ctx, int(size), downloadFrameTimeout, func(received int) {
		if progress != nil {
			progress(int64(received), int64(size))
		}
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrTimeout):
			return nil, fmt.Errorf("get %s: %w: device stalled mid-transfer", remotePath, ErrIncompleteTransfer)
		case errors.Is(err, ErrProtocolMismatch):
			// For a file transfer a payload that disagrees with the
			// announced size is a failed transfer, retryable as a
			// whole, not a connection-level desync.
			return nil, fmt.Errorf("get %s: %w: %v", remotePath, ErrIncompleteTransfer, err)
		}
		return nil, fmt.Errorf("get %s: %w", remotePath, err)
	}
	if len(data) != int(size) {
		return nil, fmt.Errorf("get %s: %w: received %d/%d bytes",
			remotePath, ErrIncompleteTransfer, len(data), size)
	}
	return data, nil
}

// GetFileBlocking is GetFile with an overall deadline (default five
// minutes).
func (c *Conn) GetFileBlocking(ctx context.Context, remotePath string, timeout time.Duration, progress Progress) ([]byte, error) {
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.GetFile(ctx, remotePath, progress)
}

// List returns the entries of a console directory. The path is
// validated and each parent segment checked to exist, because listing
// a missing directory desynchronizes some servers instead of
// erroring. "." and ".." entries are filtered out.
func (c *Conn) List(ctx context.Context, dirpath string) ([]DirEntry, error) {
	if err := validateRemotePath(dirpath); err != nil {
		return nil, err
	}
	if dirpath == "" || dirpath == "/" {
		return c.listRaw(ctx, dirpath)
	}

	segments := strings.Split(strings.ToLower(dirpath), "/")
	for i, segment := range segments {
		if segment == "" {
			continue
		}
		parent := strings.Join(segments[:i], "/")
		entries, err := c.listRaw(ctx, parent)
		if err != nil {
			return nil, err
		}
		found := false
		for _, e := range entries {
			if strings.ToLower(e.Name) == segment {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("list %s: %w: directory does not exist", dirpath, ErrPreconditionFailed)
		}
	}
	return c.listRaw(ctx, dirpath)
}

func (c *Conn) listRaw(ctx context.Context, dirpath string) ([]DirEntry, error) {
	if err := c.requireAttached("list"); err != nil {
		return nil, err
	}
	if err := c.lock.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.lock.release()

	err := c.sendRequest(protocol.Request{
		Opcode:   protocol.OpList,
		Space:    protocol.SpaceSNES,
		Operands: []string{dirpath},
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirpath, err)
	}
	reply, err := c.awaitReply(ctx, c.cfg.ReplyTimeout)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirpath, err)
	}

	// Results alternate type, name, type, name, ...
	entries := make([]DirEntry, 0, len(reply.Results)/2)
	for i := 0; i+1 < len(reply.Results); i += 2 {
		e := DirEntry{Type: reply.Results[i], Name: reply.Results[i+1]}
		if e.Name == "." || e.Name == ".." {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MakeDir creates a console directory. The parent must already exist.
func (c *Conn) MakeDir(ctx context.Context, dirpath string) error {
	if err := validateRemotePath(dirpath); err != nil {
		return err
	}
	if dirpath == "" || dirpath == "/" {
		return fmt.Errorf("mkdir: %w: path cannot be blank or /", ErrPreconditionFailed)
	}

	if _, err := c.List(ctx, remoteDir(dirpath)); err != nil {
		return fmt.Errorf("mkdir %s: parent: %w", dirpath, err)
	}
	if _, err := c.List(ctx, dirpath); err == nil {
		return nil // already exists
	}
	return c.fireAndForget(ctx, "mkdir", protocol.Request{
		Opcode:   protocol.OpMakeDir,
		Space:    protocol.SpaceSNES,
		Operands: []string{dirpath},
	})
}

// Remove deletes a console file or empty directory.
func (c *Conn) Remove(ctx context.Context, remotePath string) error {
	if err := validateRemotePath(remotePath); err != nil {
		return err
	}
	return c.fireAndForget(ctx, "remove", protocol.Request{
		Opcode:   protocol.OpRemove,
		Space:    protocol.SpaceSNES,
		Operands: []string{remotePath},
	})
}

// ensureRemoteDir makes sure dir exists before an upload touches it.
// A missing destination directory yields no device error; it silently
// drops every written byte and wedges the device.
func (c *Conn) ensureRemoteDir(ctx context.Context, dir string) error {
	if dir == "" || dir == "/" {
		return nil
	}
	if _, err := c.List(ctx, dir); err == nil {
		c.log.Debugf("directory exists: %s", dir)
		return nil
	}
	c.log.Infof("creating directory: %s", dir)
	if err := c.MakeDir(ctx, dir); err != nil {
		return fmt.Errorf("%w: cannot create directory %s: %v", ErrPreconditionFailed, dir, err)
	}
	return nil
}

func remoteDir(p string) string {
	if !strings.Contains(p, "/") {
		return "/"
	}
	d := path.Dir(p)
	if d == "." {
		return "/"
	}
	return d
}

func validateRemotePath(p string) error {
	if p == "" || p == "/" {
		return nil
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: path %q should start with /", ErrPreconditionFailed, p)
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("%w: path %q should not end with /", ErrPreconditionFailed, p)
	}
	return nil
}
