package util

import (
	"bytes"
	"sync"
)

var bufMu sync.Mutex

type syncWriter struct {
	buf *bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	bufMu.Lock()
	defer bufMu.Unlock()
	return w.buf.Write(p)
}

func readAll(buf *bytes.Buffer) string {
	bufMu.Lock()
	defer bufMu.Unlock()
	return buf.String()
}
