package frontmatter

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ExternalReference is the typed model of external.yaml: a pointer to
// an artifact that physically lives in another repository, consumed
// only in this shape.
type ExternalReference struct {
	ArtifactType string `yaml:"artifact_type"`
	ArtifactID   string `yaml:"artifact_id"`
	Repo         string `yaml:"repo"`
	Track        string `yaml:"track,omitempty"`
	Pinned       string `yaml:"pinned,omitempty"`
	CreatedAfter string `yaml:"created_after,omitempty"`
}

// ParseExternalReference decodes and validates an external.yaml document.
// External references are always tip-eligible regardless of any status
// field, since they carry none.
func ParseExternalReference(yamlDoc []byte) (ExternalReference, []string) {
	var ref ExternalReference
	var errs []string

	if err := yaml.Unmarshal(yamlDoc, &ref); err != nil {
		return ref, []string{fmt.Sprintf("invalid YAML: %v", err)}
	}

	if ref.ArtifactType == "" {
		errs = append(errs, "artifact_type is required")
	}
	if ref.ArtifactID == "" {
		errs = append(errs, "artifact_id is required")
	}
	if ref.Repo == "" {
		errs = append(errs, "repo is required")
	}
	if ref.Pinned != "" && !ValidSHA(ref.Pinned) {
		errs = append(errs, fmt.Sprintf("pinned %q is not a 40-hex-char sha", ref.Pinned))
	}

	return ref, errs
}
