// SPDX-License-Identifier: MPL-2.0

package ledger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
	"github.com/package-url/packageurl-go"
)

const (
	// SerialNumber is fixed so two builds with the same inputs produce
	// byte-identical documents.
	SerialNumber = "urn:uuid:3e671687-395b-41f5-a30f-a58921a69b79"
	// ToolName is recorded in the document metadata.
	ToolName = "gosh-docker-build"
	// ComponentVersion is the version stamped on every component.
	ComponentVersion = "1.0.0"
	// PurlType is the package-url type of every component.
	PurlType = "gosh"
	// SpecVersion is the CycloneDX schema version written to disk.
	SpecVersion = cdx.SpecVersion1_3
)

// ErrMalformedDocument is returned by Decode for documents that are not a
// CycloneDX bill of materials.
var ErrMalformedDocument = errors.New("malformed bill of materials")

type (
	// Diff lists component names present on only one side of a comparison.
	Diff struct {
		// Missing are in the committed document but were not fetched.
		Missing []string
		// Unexpected were fetched but are not in the committed document.
		Unexpected []string
	}

	componentKey struct {
		Type    cdx.ComponentType
		Name    string
		Version string
		PURL    string
	}
)

// Empty reports whether both sides matched.
func (d Diff) Empty() bool {
	return len(d.Missing) == 0 && len(d.Unexpected) == 0
}

// Document renders the ledger as a bill of materials. Components are sorted,
// so equal ledgers always yield equal documents.
func (l *Ledger) Document() *cdx.BOM {
	records := l.Records()
	components := make([]cdx.Component, 0, len(records))
	for _, rec := range records {
		components = append(components, component(rec))
	}

	bom := cdx.NewBOM()
	bom.SpecVersion = SpecVersion
	bom.SerialNumber = SerialNumber
	bom.Metadata = &cdx.Metadata{
		Tools: &cdx.ToolsChoice{
			Tools: &[]cdx.Tool{{Name: ToolName}},
		},
	}
	bom.Components = &components
	return bom
}

func component(rec Record) cdx.Component {
	purl := packageurl.NewPackageURL(PurlType, "", rec.ID, ComponentVersion, nil, "")
	return cdx.Component{
		Type:       rec.Class.ComponentType(),
		Name:       rec.ID,
		Version:    ComponentVersion,
		PackageURL: purl.ToString(),
	}
}

// Compare reports whether other lists the same components as the ledger.
func (l *Ledger) Compare(other *cdx.BOM) bool {
	return Equal(l.Document(), other)
}

// Diff compares the ledger against a committed document.
func (l *Ledger) Diff(committed *cdx.BOM) Diff {
	ours := componentSet(l.Document())
	theirs := componentSet(committed)

	var d Diff
	for key := range theirs {
		if _, ok := ours[key]; !ok {
			d.Missing = append(d.Missing, describe(key))
		}
	}
	for key := range ours {
		if _, ok := theirs[key]; !ok {
			d.Unexpected = append(d.Unexpected, describe(key))
		}
	}
	slices.Sort(d.Missing)
	slices.Sort(d.Unexpected)
	return d
}

// Equal reports whether a and b contain the same set of components,
// regardless of order and duplicates.
func Equal(a, b *cdx.BOM) bool {
	as, bs := componentSet(a), componentSet(b)
	if len(as) != len(bs) {
		return false
	}
	for key := range as {
		if _, ok := bs[key]; !ok {
			return false
		}
	}
	return true
}

func componentSet(bom *cdx.BOM) map[componentKey]struct{} {
	set := make(map[componentKey]struct{})
	if bom == nil || bom.Components == nil {
		return set
	}
	for _, c := range *bom.Components {
		set[componentKey{Type: c.Type, Name: c.Name, Version: c.Version, PURL: c.PackageURL}] = struct{}{}
	}
	return set
}

func describe(key componentKey) string {
	return fmt.Sprintf("%s %s", key.Type, key.Name)
}

// Write encodes the ledger document as CycloneDX JSON.
func (l *Ledger) Write(w io.Writer) error {
	return Encode(w, l.Document())
}

// Encode writes bom as pretty-printed CycloneDX JSON at SpecVersion.
func Encode(w io.Writer, bom *cdx.BOM) error {
	enc := cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON)
	enc.SetPretty(true)
	if err := enc.EncodeVersion(bom, SpecVersion); err != nil {
		return fmt.Errorf("encode bill of materials: %w", err)
	}
	return nil
}

// Decode parses a CycloneDX JSON document and sanity-checks its header.
func Decode(r io.Reader) (*cdx.BOM, error) {
	bom := new(cdx.BOM)
	if err := cdx.NewBOMDecoder(r, cdx.BOMFileFormatJSON).Decode(bom); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	if bom.BOMFormat != cdx.BOMFormat {
		return nil, fmt.Errorf("%w: bomFormat %q", ErrMalformedDocument, bom.BOMFormat)
	}
	if bom.SerialNumber != "" {
		if _, err := uuid.Parse(bom.SerialNumber); err != nil {
			return nil, fmt.Errorf("%w: serial number %q: %w", ErrMalformedDocument, bom.SerialNumber, err)
		}
	}
	return bom, nil
}

// Persist writes the ledger document to path, replacing any existing file.
func (l *Ledger) Persist(path string) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = l.Write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Load reads a previously persisted document.
func Load(path string) (*cdx.BOM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	bom, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return bom, nil
}
