package cab

import "io"

// ExactReader returns a reader that yields exactly n bytes of r. A short
// underlying stream is reported as io.ErrUnexpectedEOF. Close drains the
// remainder so that r is positioned after the n bytes.
func ExactReader(r io.Reader, n int64) io.ReadCloser { return &exactReader{r, n} }

type exactReader struct {
	r io.Reader
	n int64
}

func (e *exactReader) Read(p []byte) (n int, err error) {
	if e.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.n {
		p = p[0:e.n]
	}
	n, err = e.r.Read(p)
	e.n -= int64(n)
	if err == io.EOF && e.n > 0 {
		err = io.ErrUnexpectedEOF
	}
	return
}

func (e *exactReader) Close() error {
	_, err := io.Copy(io.Discard, e)
	return err
}
