package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// framing is how one message is delimited on the stream. Replies use the
// framing of the request they answer.
type framing int

const (
	framingHeader framing = iota
	framingLine
)

const contentLengthHeader = "content-length"

// readMessage reads the next message, skipping leading whitespace, and
// reports how it was framed.
func readMessage(r *bufio.Reader) ([]byte, framing, error) {
	if err := skipSpace(r); err != nil {
		return nil, framingHeader, err
	}
	peek, err := r.Peek(len(contentLengthHeader))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, framingHeader, err
	}
	if strings.EqualFold(string(peek), contentLengthHeader) {
		payload, err := readHeaderFramed(r)
		return payload, framingHeader, err
	}
	payload, err := readLine(r)
	return payload, framingLine, err
}

func skipSpace(r *bufio.Reader) error {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = r.ReadByte()
		default:
			return nil
		}
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	for {
		line, err := r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func readHeaderFramed(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Length: %w", err)
		}
		length = n
	}
	if length <= 0 {
		return nil, errors.New("missing or invalid Content-Length")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// writeMessage encodes msg with the given framing and flushes w.
func writeMessage(w *bufio.Writer, msg response, f framing) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if f == framingLine {
		payload = append(payload, '\n')
	} else if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}
