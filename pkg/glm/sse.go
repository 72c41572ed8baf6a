package glm

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// errStreamDone is returned by event callbacks to stop scanning after a
// terminal event without surfacing an error.
var errStreamDone = errors.New("stream done")

// ScanEvents tokenizes a Server-Sent-Events body and invokes fn once per
// event with the joined data payload. Frames are processed as they arrive so
// downstream consumers see deltas without waiting for the body to complete.
// A body that ends without a blank line still flushes its trailing event.
func ScanEvents(r io.Reader, fn func(data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var data strings.Builder
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		payload := data.String()
		data.Reset()
		return fn(payload)
	}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(rest, " "))
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}
