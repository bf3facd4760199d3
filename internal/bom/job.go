package bom

import (
	"fmt"
	"strconv"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"

	"github.com/msfrecon/recond/internal/model"
)

const propPrefix = "recond:"

// FromJob maps a job to a builder. Every host seen in a finding becomes a
// device component, every other finding a data component depending on its
// host, and CVE findings are added as vulnerabilities affecting the host.
func FromJob(job model.Job) *Builder {
	b := NewBuilder()
	if id, err := uuid.Parse(job.ID); err == nil {
		b.WithSerial(id)
	}
	if job.EndedAt != nil {
		b.WithTimestamp(*job.EndedAt)
	}
	b.AppendProperties(
		prop("job", job.ID),
		prop("target", job.Target.Value),
		prop("target-kind", string(job.Target.Kind)),
		prop("status", string(job.Status)),
	)
	if job.ProfileName != "" {
		b.AppendProperties(prop("profile", job.ProfileName))
	}

	hosts := make(map[string][]string)
	var order []string
	host := func(name string) string {
		if name == "" {
			name = job.Target.Value
		}
		ref := "host/" + name
		if _, ok := hosts[ref]; !ok {
			hosts[ref] = []string{}
			order = append(order, ref)
			b.AppendComponents(cdx.Component{
				BOMRef: ref,
				Type:   cdx.ComponentTypeDevice,
				Name:   name,
			})
		}
		return ref
	}
	host(job.Target.Value)

	for i, r := range job.Results {
		for j, f := range r.Findings {
			hostRef := host(f.Host)
			ref := fmt.Sprintf("finding/%d-%s/%d", i, r.ToolID, j)
			if f.Kind == model.KindVulnerability {
				b.AppendVulnerabilities(vulnerability(ref, hostRef, r.ToolID, f))
				continue
			}
			if f.Kind == model.KindLiveHost {
				continue
			}
			b.AppendComponents(cdx.Component{
				BOMRef:     ref,
				Type:       cdx.ComponentTypeData,
				Name:       name(f),
				Properties: findingProps(r.ToolID, f),
			})
			hosts[hostRef] = append(hosts[hostRef], ref)
		}
	}

	for _, ref := range order {
		deps := hosts[ref]
		b.AppendDependencies(cdx.Dependency{Ref: ref, Dependencies: &deps})
	}
	return b
}

func vulnerability(ref, hostRef, toolID string, f model.Finding) cdx.Vulnerability {
	v := cdx.Vulnerability{
		BOMRef: ref,
		ID:     f.Name,
		Source: &cdx.Source{
			Name: "NVD",
			URL:  "https://nvd.nist.gov/vuln/detail/" + f.Name,
		},
		Affects:    &[]cdx.Affects{{Ref: hostRef}},
		Properties: findingProps(toolID, f),
	}
	if score, err := strconv.ParseFloat(f.Value, 64); err == nil {
		v.Ratings = &[]cdx.VulnerabilityRating{{Score: &score, Method: cdx.ScoringMethodOther}}
	}
	return v
}

func name(f model.Finding) string {
	switch f.Kind {
	case model.KindOpenPort, model.KindHTTPServer:
		return fmt.Sprintf("%d/%s", f.Port, f.Protocol)
	case model.KindDiscoveredPath:
		return f.Path
	case model.KindDNSRecord:
		return f.Name + " " + f.RecordType
	case model.KindOSGuess, model.KindSMBShare, model.KindSNMPValue:
		return f.Name
	}
	return string(f.Kind)
}

func findingProps(toolID string, f model.Finding) *[]cdx.Property {
	props := []cdx.Property{
		prop("kind", string(f.Kind)),
		prop("tool", toolID),
	}
	add := func(name, value string) {
		if value != "" {
			props = append(props, prop(name, value))
		}
	}
	add("host", f.Host)
	if f.Port != 0 {
		add("port", strconv.Itoa(f.Port))
	}
	add("protocol", f.Protocol)
	add("service", f.Service)
	add("path", f.Path)
	if f.HTTPStatus != 0 {
		add("http-status", strconv.Itoa(f.HTTPStatus))
	}
	add("name", f.Name)
	add("record-type", f.RecordType)
	add("value", f.Value)
	add("detail", f.Detail)
	return &props
}

func prop(name, value string) cdx.Property {
	return cdx.Property{Name: propPrefix + name, Value: value}
}
