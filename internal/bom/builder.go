package bom

import (
	"io"
	"runtime/debug"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
)

var version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		version = "unknown"
	} else {
		version = info.Main.Version
	}
}

// Builder is a builder pattern for a CycloneDX BOM structure
type Builder struct {
	serial          uuid.UUID
	timestamp       time.Time
	authors         []cdx.OrganizationalContact
	components      []cdx.Component
	dependencies    []cdx.Dependency
	properties      []cdx.Property
	vulnerabilities []cdx.Vulnerability
}

func NewBuilder() *Builder {
	return &Builder{
		// those MUST be initialized as cyclone-dx JSON schema do not allow items to be null
		components:      []cdx.Component{},
		dependencies:    []cdx.Dependency{},
		properties:      []cdx.Property{},
		vulnerabilities: []cdx.Vulnerability{},
	}
}

// WithSerial fixes the serial number, a random one is generated otherwise.
func (b *Builder) WithSerial(serial uuid.UUID) *Builder {
	b.serial = serial
	return b
}

// WithTimestamp fixes the metadata timestamp, the current time is used otherwise.
func (b *Builder) WithTimestamp(ts time.Time) *Builder {
	b.timestamp = ts
	return b
}

func (b *Builder) AppendAuthors(authors ...cdx.OrganizationalContact) *Builder {
	b.authors = append(b.authors, authors...)
	return b
}

func (b *Builder) AppendComponents(components ...cdx.Component) *Builder {
	b.components = append(b.components, components...)
	return b
}

func (b *Builder) AppendProperties(properties ...cdx.Property) *Builder {
	b.properties = append(b.properties, properties...)
	return b
}

func (b *Builder) AppendDependencies(dependencies ...cdx.Dependency) *Builder {
	b.dependencies = append(b.dependencies, dependencies...)
	return b
}

func (b *Builder) AppendVulnerabilities(vulnerabilities ...cdx.Vulnerability) *Builder {
	b.vulnerabilities = append(b.vulnerabilities, vulnerabilities...)
	return b
}

// BOM returns a cdx.BOM based on a data inside the Builder
func (b *Builder) BOM() cdx.BOM {
	serial := b.serial
	if serial == uuid.Nil {
		serial = uuid.New()
	}
	ts := b.timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	bom := cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    "CycloneDX",
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + serial.String(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: ts.UTC().Format(time.RFC3339),
			Lifecycles: &[]cdx.Lifecycle{
				{
					Phase: "operations",
				},
			},
			Authors: &b.authors,
			// This can't be not nil otherwise this error will happen
			// json: error calling MarshalJSON for type *cyclonedx.ToolsChoice: unexpected end of JSON input
			Component: &cdx.Component{
				Type:    cdx.ComponentTypeApplication,
				Name:    "recond",
				Version: version,
			},
		},
		Components:      &b.components,
		Dependencies:    &b.dependencies,
		Properties:      &b.properties,
		Vulnerabilities: &b.vulnerabilities,
	}
	return bom
}

// AsJSON encode the BOM into JSON format
func (b *Builder) AsJSON(w io.Writer) error {
	bom := b.BOM()
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(&bom)
}
