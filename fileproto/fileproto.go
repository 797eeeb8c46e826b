// Package fileproto is the secondary file-transfer protocol that runs beside
// the RPC frames: a caller asks for a path and gets back a directory listing
// or the file's bytes.
//
//	request:  [sid, path, implicit_read]
//	response: [sid, request_path, file_path, [code, message|null]|null,
//	           [[name, is_dir], ...]|null, content|null]
//
// sid correlates a response with its request. file_path is the path that was
// actually resolved, which differs from request_path when implicit_read
// picked an index file inside a directory.
package fileproto

import (
	"fmt"

	"cborpc/codec"
)

// Error codes follow errno numbering.
const (
	CodeNotFound    = 2
	CodeIO          = 5
	CodePermission  = 13
	CodeInvalidPath = 22
)

type Request struct {
	_            struct{} `cbor:",toarray"`
	SID          int64
	Path         string
	ImplicitRead bool
}

type Error struct {
	_       struct{} `cbor:",toarray"`
	Code    int
	Message *string
}

func (e *Error) Error() string {
	if e.Message == nil {
		return fmt.Sprintf("fileproto: code %d", e.Code)
	}
	return fmt.Sprintf("fileproto: code %d: %s", e.Code, *e.Message)
}

// Entry is one directory member.
type Entry struct {
	_     struct{} `cbor:",toarray"`
	Name  string
	IsDir bool
}

// Response carries exactly one of Error, Filenames (a directory) or Content
// (a file); the other slots are null on the wire.
type Response struct {
	_           struct{} `cbor:",toarray"`
	SID         int64
	RequestPath string
	FilePath    string
	Error       *Error
	Filenames   []Entry
	Content     []byte
}

func errorf(code int, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Code: code, Message: &msg}
}

func EncodeRequest(req Request) ([]byte, error) {
	return codec.Marshal(req)
}

func DecodeRequest(frame []byte) (Request, error) {
	var req Request
	if err := codec.Unmarshal(frame, &req); err != nil {
		return Request{}, fmt.Errorf("fileproto: decode request: %w", err)
	}
	return req, nil
}

func EncodeResponse(res Response) ([]byte, error) {
	return codec.Marshal(res)
}

func DecodeResponse(frame []byte) (Response, error) {
	var res Response
	if err := codec.Unmarshal(frame, &res); err != nil {
		return Response{}, fmt.Errorf("fileproto: decode response: %w", err)
	}
	return res, nil
}
