package openai

import (
	"bufio"
	"bytes"
	"io"
)

const maxEventSize = 1 << 20

type sseDecoder struct {
	scanner *bufio.Scanner
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &sseDecoder{scanner: scanner}
}

// Next returns the data payload of the next event. Multiple data lines are
// joined with a newline; comments and other fields are ignored. A line or
// event larger than maxEventSize fails with bufio.ErrTooLong.
func (d *sseDecoder) Next() ([]byte, error) {
	var data [][]byte
	size := 0
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			if len(data) == 0 {
				continue
			}
			return bytes.Join(data, []byte("\n")), nil
		}
		if line[0] == ':' {
			continue
		}
		size += len(line)
		if size > maxEventSize {
			return nil, bufio.ErrTooLong
		}
		data = appendData(data, line)
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return bytes.Join(data, []byte("\n")), nil
	}
	return nil, io.EOF
}

func appendData(dst [][]byte, line []byte) [][]byte {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return dst
	}
	val := line[len("data:"):]
	if len(val) > 0 && val[0] == ' ' {
		val = val[1:]
	}
	return append(dst, append([]byte(nil), val...))
}
