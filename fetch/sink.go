package fetch

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/beyondstorage/beyond-fetch/constants"
)

// EncodeFilename returns the form-urlencoded UTF-8 form of name: spaces
// become '+', '*' stays bare and '~' is escaped.
func EncodeFilename(name string) string {
	s := url.QueryEscape(name)
	s = strings.ReplaceAll(s, "%2A", "*")
	return strings.ReplaceAll(s, "~", "%7E")
}

// Disposition is the Content-Disposition value for a download of name.
func Disposition(name string) string {
	return "attachment;filename=" + EncodeFilename(name)
}

// SetDownloadHeaders writes the download headers for name into h.
func SetDownloadHeaders(h http.Header, name string) {
	h.Set("Content-Type", constants.ContentType)
	h.Set("Content-Disposition", Disposition(name))
}

// headerWriter commits the download headers right before the first byte.
type headerWriter struct {
	sink      Sink
	name      string
	committed bool
}

func (w *headerWriter) commit() {
	if !w.committed {
		SetDownloadHeaders(w.sink.Header(), w.name)
		w.committed = true
	}
}

func (w *headerWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.commit()
	}
	return w.sink.Write(p)
}

// Stream copies src into sink in chunks of chunkSize bytes. Headers are set
// on the first written byte, or at the end for an empty file, so a stream
// failing before any data leaves the sink untouched.
func Stream(sink Sink, name string, src io.Reader, chunkSize int) (int64, error) {
	w := &headerWriter{sink: sink, name: name}
	n, err := Copy(w, src, chunkSize)
	if err != nil {
		return n, err
	}
	w.commit()
	if f, ok := sink.(http.Flusher); ok {
		f.Flush()
	}
	return n, nil
}

// Copy moves src to dst with a fixed size buffer until src is exhausted.
func Copy(dst io.Writer, src io.Reader, chunkSize int) (written int64, err error) {
	if chunkSize <= 0 {
		chunkSize = constants.StorageChunkSize
	}
	buf := make([]byte, chunkSize)
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write: %w", werr)
			}
			if nw != nr {
				return written, fmt.Errorf("write: %w", io.ErrShortWrite)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read: %w", rerr)
		}
	}
}

// HeadersCommitted reports whether the download headers were already
// written into h.
func HeadersCommitted(h http.Header) bool {
	return h.Get("Content-Disposition") != ""
}
