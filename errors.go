// The MIT License (MIT)
//
// Copyright (c) 2013-2017 Oryx(ossrs)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

package ncp

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is raised from every pending waiter, and from every
// subsequent RecvField call, once a Connection has been closed.
var ErrConnectionClosed = errors.New("ncp: connection closed")

// CommandError reports that a reply field carried the ERRO/ERRC sentinel
// params. It is local to the awaiting caller: it does not affect the
// connection or any other in-flight waiter.
type CommandError struct {
	PacketType string
	FieldName  string
	FieldID    uint32
	Message    string
	Code       int32
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("ncp: %s/%s#%d: %s (code %d)", e.PacketType, e.FieldName, e.FieldID, e.Message, e.Code)
}

// CommandWarning reports that a reply field carried the WARN/WARC
// sentinel params. Unlike CommandError this is
// never returned as the error from RecvField: it is only ever logged at
// the Warn level, since a WARN-carrying field that isn't itself named
// "WARN" is still returned to the caller.
type CommandWarning struct {
	PacketType string
	FieldName  string
	FieldID    uint32
	Message    string
	Code       int32
}

func (w *CommandWarning) Error() string {
	return fmt.Sprintf("ncp: %s/%s#%d: %s (code %d)", w.PacketType, w.FieldName, w.FieldID, w.Message, w.Code)
}

// HandshakeError wraps a failure during the LINK authentication
// handshake. The underlying connection is always closed before this
// error is returned.
type HandshakeError struct {
	Step string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("ncp: handshake failed at %s: %s", e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
