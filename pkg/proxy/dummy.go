package proxy

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"

	"github.com/picopip/picopip/pkg/dist"
)

// Synthetic wheels satisfy the installer's resolver for packages the
// target must never actually receive: the payload is metadata only,
// so the reconciliation diff sees nothing to transfer.

// dummyWheelName returns the wheel filename advertised for a dummy
// distribution.
func dummyWheelName(name, version string) string {
	return fmt.Sprintf("%s-%s-py3-none-any.whl", strings.ReplaceAll(dist.NormalizeName(name), "-", "_"), version)
}

// buildDummyWheel assembles an empty wheel archive for name/version.
func buildDummyWheel(name, version string) ([]byte, error) {
	d := &dist.Distribution{Name: dist.NormalizeName(name), Version: version}
	metaDir := d.MetaDirName()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	files := []struct {
		path    string
		content []byte
	}{
		{metaDir + "/METADATA", dist.RenderMetadata(d)},
		{metaDir + "/WHEEL", []byte("Wheel-Version: 1.0\nGenerator: picopip\nRoot-Is-Purelib: true\nTag: py3-none-any\n")},
	}

	var record strings.Builder
	for _, f := range files {
		fw, err := w.Create(f.path)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(f.content); err != nil {
			return nil, err
		}
		fmt.Fprintf(&record, "%s,%s,%d\n", f.path, dist.HashContent(f.content), len(f.content))
	}
	fmt.Fprintf(&record, "%s/RECORD,,\n", metaDir)

	fw, err := w.Create(metaDir + "/RECORD")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write([]byte(record.String())); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
