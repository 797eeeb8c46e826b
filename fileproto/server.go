package fileproto

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"cborpc/transport"
)

const defaultMaxFileSize = 16 << 20

type ServerOption func(*Server)

func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithIndexNames sets the files an implicit read of a directory looks for,
// in order.
func WithIndexNames(names ...string) ServerOption {
	return func(s *Server) { s.index = names }
}

// WithMaxFileSize caps the bytes returned for one file.
func WithMaxFileSize(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// Server answers file requests from one read-only tree.
type Server struct {
	fsys    fs.FS
	log     *zap.Logger
	index   []string
	maxSize int64
}

func NewServer(fsys fs.FS, opts ...ServerOption) *Server {
	s := &Server{
		fsys:    fsys,
		log:     zap.NewNop(),
		index:   []string{"index.html"},
		maxSize: defaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle resolves one request. A file is returned with its content only when
// ImplicitRead is set; a directory is listed, or with ImplicitRead its first
// index file is read instead.
func (s *Server) Handle(req Request) Response {
	res := Response{SID: req.SID, RequestPath: req.Path}

	name, ok := clean(req.Path)
	if !ok {
		res.Error = errorf(CodeInvalidPath, "invalid path %q", req.Path)
		return res
	}
	res.FilePath = name

	info, err := fs.Stat(s.fsys, name)
	if err != nil {
		res.Error = fsError(err)
		return res
	}
	if !info.IsDir() {
		if req.ImplicitRead {
			res.Content, res.Error = s.read(name, info.Size())
		}
		return res
	}

	if req.ImplicitRead {
		for _, idx := range s.index {
			p := path.Join(name, idx)
			if fi, err := fs.Stat(s.fsys, p); err == nil && !fi.IsDir() {
				res.FilePath = p
				res.Content, res.Error = s.read(p, fi.Size())
				return res
			}
		}
	}

	entries, err := fs.ReadDir(s.fsys, name)
	if err != nil {
		res.Error = fsError(err)
		return res
	}
	res.Filenames = make([]Entry, 0, len(entries))
	for _, e := range entries {
		res.Filenames = append(res.Filenames, Entry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return res
}

func (s *Server) read(name string, size int64) ([]byte, *Error) {
	if size > s.maxSize {
		return nil, errorf(CodeIO, "%s is %d bytes, limit %d", name, size, s.maxSize)
	}
	b, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		return nil, fsError(err)
	}
	return b, nil
}

// Serve answers every binary request on tr until its message stream ends.
// Requests run concurrently; responses leave in completion order.
func (s *Server) Serve(tr transport.Transport) {
	var wg sync.WaitGroup
	for m := range tr.Messages() {
		if m.Kind != transport.Binary {
			continue
		}
		req, err := DecodeRequest(m.Data)
		if err != nil {
			s.log.Warn("dropping malformed file request", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := s.Handle(req)
			if res.Error != nil {
				s.log.Debug("file request failed", zap.Int64("sid", req.SID), zap.String("path", req.Path), zap.Error(res.Error))
			}
			frame, err := EncodeResponse(res)
			if err != nil {
				s.log.Error("encode file response", zap.Int64("sid", req.SID), zap.Error(err))
				return
			}
			if err := tr.Send(context.Background(), frame); err != nil {
				s.log.Warn("send file response", zap.Int64("sid", req.SID), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// clean maps a request path onto an fs.FS name. Leading slashes are ignored
// and the empty path is the root; escaping the root is rejected.
func clean(p string) (string, bool) {
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return ".", true
	}
	if strings.Contains(p, "\\") {
		return "", false
	}
	p = path.Clean(p)
	if !fs.ValidPath(p) {
		return "", false
	}
	return p, true
}

func fsError(err error) *Error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errorf(CodeNotFound, "%v", err)
	case errors.Is(err, fs.ErrPermission):
		return errorf(CodePermission, "%v", err)
	case errors.Is(err, fs.ErrInvalid):
		return errorf(CodeInvalidPath, "%v", err)
	default:
		return errorf(CodeIO, "%v", err)
	}
}
