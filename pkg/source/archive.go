package source

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"strings"
	"sync/atomic"

	"github.com/Ramsey-B/fern/pkg/loader"
	"github.com/Ramsey-B/fern/pkg/models"
)

// OpenFile decodes a downloaded snapshot archive according to its product.
func OpenFile(product models.Product, filePath string) (loader.Stream, error) {
	switch product {
	case models.ProductCompany:
		return OpenCompanies(filePath)
	case models.ProductPSC:
		return OpenPSC(filePath)
	case models.ProductAccounts:
		return OpenAccounts(filePath)
	}
	return nil, fmt.Errorf("unknown product %q", product)
}

// countingReader tracks bytes read so progress can be reported against the member size.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// memberStream is one open zip member with byte-level progress.
type memberStream struct {
	archive *zip.ReadCloser
	member  io.ReadCloser
	counter *countingReader
	size    int64
}

func openMember(filePath string, pick func(files []*zip.File) *zip.File) (*memberStream, error) {
	archive, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	f := pick(archive.File)
	if f == nil {
		archive.Close()
		return nil, fmt.Errorf("archive %s has no usable member", path.Base(filePath))
	}

	member, err := f.Open()
	if err != nil {
		archive.Close()
		return nil, fmt.Errorf("failed to open member %s: %w", f.Name, err)
	}

	return &memberStream{
		archive: archive,
		member:  member,
		counter: &countingReader{r: member},
		size:    int64(f.UncompressedSize64),
	}, nil
}

func (m *memberStream) Reader() io.Reader { return m.counter }

func (m *memberStream) Progress() float64 {
	if m.size <= 0 {
		return 0
	}
	p := float64(m.counter.n.Load()) / float64(m.size)
	if p > 1 {
		return 1
	}
	return p
}

func (m *memberStream) Close() error {
	err := m.member.Close()
	if cerr := m.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

// firstWithExt picks the first non-directory member whose extension is in exts, falling back to
// the first file.
func firstWithExt(exts ...string) func([]*zip.File) *zip.File {
	return func(files []*zip.File) *zip.File {
		var first *zip.File
		for _, f := range files {
			if f.FileInfo().IsDir() {
				continue
			}
			if first == nil {
				first = f
			}
			ext := strings.ToLower(path.Ext(f.Name))
			for _, e := range exts {
				if ext == e {
					return f
				}
			}
		}
		return first
	}
}
