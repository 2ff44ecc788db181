package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// rawState mirrors the shape of a version-4 Terraform state document.
// Unknown top-level fields survive through CanonicalJSON, which is
// produced from a generic decode of the same bytes.
type rawState struct {
	Serial           int64                `json:"serial"`
	TerraformVersion string               `json:"terraform_version"`
	Lineage          string               `json:"lineage"`
	Resources        []rawResource        `json:"resources"`
	Outputs          map[string]rawOutput `json:"outputs"`
}

type rawResource struct {
	Module    string        `json:"module"`
	Mode      string        `json:"mode"`
	Type      string        `json:"type"`
	Name      string        `json:"name"`
	Provider  string        `json:"provider"`
	Address   string        `json:"address"`
	Instances []rawInstance `json:"instances"`
}

type rawInstance struct {
	SchemaVersion       int             `json:"schema_version"`
	Attributes          json.RawMessage `json:"attributes"`
	SensitiveAttributes []any           `json:"sensitive_attributes"`
	Dependencies        []string        `json:"dependencies"`
	IndexKey            any             `json:"index_key"`
}

type rawOutput struct {
	Value     json.RawMessage `json:"value"`
	Type      json.RawMessage `json:"type"`
	Sensitive bool            `json:"sensitive"`
}

// Parse decodes raw state bytes and flattens every resource into
// addressable instances. backendType tags the snapshot with the
// backend it came from and may be empty.
func Parse(raw []byte, backendType string) (*Snapshot, error) {
	var doc rawState
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ParseError{Err: err}
	}

	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	snap := &Snapshot{
		BackendType:      backendType,
		Serial:           doc.Serial,
		TerraformVersion: doc.TerraformVersion,
		Lineage:          doc.Lineage,
		SizeBytes:        len(raw),
		Checksum:         Checksum(raw),
		CanonicalJSON:    canonical,
	}

	for _, res := range doc.Resources {
		snap.Resources = append(snap.Resources, flattenResource(res)...)
	}

	names := make([]string, 0, len(doc.Outputs))
	for name := range doc.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out := doc.Outputs[name]
		snap.Outputs = append(snap.Outputs, Output{
			Name:      name,
			Value:     out.Value,
			Sensitive: out.Sensitive,
			TypeHint:  typeHint(out.Type),
		})
	}

	snap.ResourceCount = len(snap.Resources)
	snap.OutputCount = len(snap.Outputs)
	return snap, nil
}

// flattenResource emits one ResourceInstance per raw instance. A
// resource with no instances still yields a single addressable row.
func flattenResource(res rawResource) []ResourceInstance {
	mode := res.Mode
	if mode == "" {
		mode = "managed"
	}
	typ := res.Type
	if typ == "" {
		typ = "unknown"
	}
	name := res.Name
	if name == "" {
		name = "unnamed"
	}
	base := ComposeAddress(res.Module, mode, typ, name)

	proto := ResourceInstance{
		ModuleAddress: res.Module,
		Mode:          mode,
		Type:          typ,
		Name:          name,
		Provider:      res.Provider,
	}

	if len(res.Instances) == 0 {
		inst := proto
		inst.Address = base
		if res.Address != "" {
			inst.Address = res.Address
		}
		inst.Attributes = json.RawMessage(`{}`)
		return []ResourceInstance{inst}
	}

	out := make([]ResourceInstance, 0, len(res.Instances))
	for _, ri := range res.Instances {
		inst := proto
		inst.SchemaVersion = ri.SchemaVersion
		inst.Attributes = ri.Attributes
		if inst.Attributes == nil {
			inst.Attributes = json.RawMessage(`{}`)
		}
		inst.SensitiveAttributes = flattenSensitive(ri.SensitiveAttributes)
		inst.Dependencies = ri.Dependencies

		key, hasKey := formatIndexKey(ri.IndexKey)
		if hasKey {
			k := key
			inst.IndexKey = &k
		}

		addr := base
		if res.Address != "" {
			addr = res.Address
		}
		if hasKey {
			suffix := "[" + key + "]"
			if !strings.HasSuffix(addr, suffix) {
				addr += suffix
			}
		}
		inst.Address = addr
		out = append(out, inst)
	}
	return out
}

// ComposeAddress builds the canonical resource address. Managed mode
// carries no prefix; every other mode does.
func ComposeAddress(module, mode, typ, name string) string {
	var parts []string
	if module != "" {
		parts = append(parts, module)
	}
	if mode != "" && mode != "managed" {
		parts = append(parts, mode)
	}
	parts = append(parts, typ, name)
	return strings.Join(parts, ".")
}

// formatIndexKey stringifies an instance index key. JSON numbers with
// no fraction render as integers.
func formatIndexKey(v any) (string, bool) {
	switch k := v.(type) {
	case nil:
		return "", false
	case string:
		return k, true
	case float64:
		if k == float64(int64(k)) {
			return strconv.FormatInt(int64(k), 10), true
		}
		return strconv.FormatFloat(k, 'f', -1, 64), true
	case int:
		return strconv.Itoa(k), true
	default:
		return fmt.Sprintf("%v", k), true
	}
}

// flattenSensitive normalizes sensitive_attributes entries: scalar
// strings pass through, arrays are joined into dotted paths, anything
// else is stringified.
func flattenSensitive(entries []any) []string {
	if len(entries) == 0 {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		switch e := entry.(type) {
		case string:
			out = append(out, e)
		case []any:
			parts := make([]string, 0, len(e))
			for _, step := range e {
				parts = append(parts, sensitiveStep(step))
			}
			out = append(out, strings.Join(parts, "."))
		default:
			out = append(out, fmt.Sprintf("%v", e))
		}
	}
	return out
}

// sensitiveStep renders one element of a sensitive path. Terraform
// emits step objects with a value field.
func sensitiveStep(step any) string {
	switch s := step.(type) {
	case string:
		return s
	case map[string]any:
		if v, ok := s["value"]; ok {
			return fmt.Sprintf("%v", v)
		}
		return fmt.Sprintf("%v", s)
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", s)
	}
}

// typeHint serializes an output's type descriptor for storage.
func typeHint(t json.RawMessage) string {
	if len(t) == 0 {
		return ""
	}
	return string(t)
}

// CanonicalJSON re-serializes a JSON document with stably sorted
// object keys. encoding/json sorts map keys, so a generic round-trip
// is sufficient.
func CanonicalJSON(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Checksum returns the hex sha256 of the given bytes.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
