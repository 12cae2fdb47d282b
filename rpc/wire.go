// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Transport is the abstract, reliable, ordered, full-duplex byte stream
// this package multiplexes over. Choice of transport (TCP, pipe, quic
// stream, ...) is explicitly out of scope (spec.md §1); the core only
// needs one self-delimited message read and write at a time.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// FrameReader reads one self-delimited message at a time from a
// Transport. Not safe for concurrent use; the Processor's single reader
// task owns it exclusively.
type FrameReader interface {
	ReadMessage(ctx context.Context) (Message, uint8, error)
}

// FrameWriter writes one self-delimited message at a time to a
// Transport. Not safe for concurrent use; the Processor's single egress
// writer task owns it exclusively (spec.md §4.7, §5).
type FrameWriter interface {
	WriteMessage(ctx context.Context, msg Message, version uint8) error
}

// Framer wraps a Transport into a FrameReader/FrameWriter pair. This is
// the pluggable "framed codec" external collaborator named in spec.md
// §2; two concrete implementations are provided, mirroring
// jsonrpc2_v2.Framer's RawFramer/HeaderFramer split.
type Framer interface {
	NewReader(t Transport, maxMessageLength int) FrameReader
	NewWriter(t Transport, maxMessageLength int) FrameWriter
}

// HeaderFramer frames messages with an HTTP-style "Content-Length"
// header line followed by a blank line and the message body, the same
// wire shape jsonrpc2_v2.HeaderFramer uses for LSP-family protocols.
// It is the default Framer because it lets the reader reject an
// oversize frame before allocating a buffer for it (spec.md §6, §7
// ProtocolViolation on oversize message — checked on both send and
// receive, per SPEC_FULL.md §7).
func HeaderFramer() Framer { return headerFramer{} }

type headerFramer struct{}

func (headerFramer) NewReader(t Transport, maxMessageLength int) FrameReader {
	return &headerReader{in: bufio.NewReader(t), maxLen: maxMessageLength}
}

func (headerFramer) NewWriter(t Transport, maxMessageLength int) FrameWriter {
	return &headerWriter{out: t, maxLen: maxMessageLength}
}

type headerReader struct {
	in     *bufio.Reader
	maxLen int
}

func (r *headerReader) ReadMessage(ctx context.Context) (Message, uint8, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	default:
	}
	var contentLength int64 = -1
	firstLine := true
	for {
		line, err := r.in.ReadString('\n')
		if err != nil {
			if err == io.EOF && firstLine && line == "" {
				return nil, 0, io.EOF
			}
			return nil, 0, fmt.Errorf("reading frame header: %w", err)
		}
		firstLine = false
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, 0, errProtocol("invalid header line %q", line)
		}
		name, value := line[:colon], strings.TrimSpace(line[colon+1:])
		if strings.EqualFold(name, "Content-Length") {
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return nil, 0, errProtocol("invalid Content-Length %q", value)
			}
			contentLength = n
		}
	}
	if contentLength < 0 {
		return nil, 0, errProtocol("missing Content-Length header")
	}
	if r.maxLen > 0 && contentLength > int64(r.maxLen) {
		return nil, 0, errProtocol("frame of %d bytes exceeds max_message_length %d", contentLength, r.maxLen)
	}
	buf := make([]byte, contentLength)
	if _, err := io.ReadFull(r.in, buf); err != nil {
		return nil, 0, fmt.Errorf("reading frame body: %w", err)
	}
	msg, version, err := unmarshalMessage(buf)
	return msg, version, err
}

type headerWriter struct {
	out    io.Writer
	maxLen int
}

func (w *headerWriter) WriteMessage(ctx context.Context, msg Message, version uint8) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	data, err := marshalMessage(msg, version)
	if err != nil {
		return err
	}
	if w.maxLen > 0 && len(data) > w.maxLen {
		return errProtocol("message of %d bytes exceeds max_message_length %d on write", len(data), w.maxLen)
	}
	if _, err := fmt.Fprintf(w.out, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	_, err = w.out.Write(data)
	return err
}

// RawFramer ends each message with a newline and splits inbound data on
// newlines, with no length prefix; suited to transports (e.g. a
// message-oriented websocket) that already preserve frame boundaries.
func RawFramer() Framer { return rawFramer{} }

type rawFramer struct{}

func (rawFramer) NewReader(t Transport, maxMessageLength int) FrameReader {
	return &rawReader{dec: newLimitedDecoder(t, maxMessageLength)}
}

func (rawFramer) NewWriter(t Transport, maxMessageLength int) FrameWriter {
	return &rawWriter{out: t, maxLen: maxMessageLength}
}

type rawReader struct {
	dec *limitedDecoder
}

func (r *rawReader) ReadMessage(ctx context.Context) (Message, uint8, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	default:
	}
	data, err := r.dec.next()
	if err != nil {
		return nil, 0, err
	}
	return unmarshalMessage(data)
}

type rawWriter struct {
	out    io.Writer
	maxLen int
}

func (w *rawWriter) WriteMessage(ctx context.Context, msg Message, version uint8) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	data, err := marshalMessage(msg, version)
	if err != nil {
		return err
	}
	if w.maxLen > 0 && len(data) > w.maxLen {
		return errProtocol("message of %d bytes exceeds max_message_length %d on write", len(data), w.maxLen)
	}
	_, err = w.out.Write(append(data, '\n'))
	return err
}
