package parser

import (
	"compress/gzip"
	"io"
	"os"
	"strings"
)

// openInput opens path, decompressing gzip files. The returned file is the
// underlying handle (used for seeking in follow mode); it is nil for
// compressed inputs, which cannot be followed.
func openInput(path string) (io.Reader, *os.File, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	if !isGzip(path) {
		return f, f, f.Close, nil
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, nil, err
	}
	cleanup := func() error {
		gz.Close()
		return f.Close()
	}
	return gz, nil, cleanup, nil
}

func isGzip(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}
