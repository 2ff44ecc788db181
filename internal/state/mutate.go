package state

import (
	"encoding/json"
	"strings"
)

// MutationError indicates a state mutation that could not be applied.
type MutationError struct {
	Reason string
}

func (e *MutationError) Error() string { return "state mutation failed: " + e.Reason }

// RemoveAddresses walks the raw state document and drops every
// instance whose effective address is in targets. Blocks whose
// instance list becomes empty are dropped, as are instance-less
// blocks whose composed address is targeted.
func RemoveAddresses(raw []byte, targets []string) ([]byte, error) {
	doc, resources, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(targets))
	for _, t := range targets {
		wanted[t] = true
	}

	matched := false
	kept := make([]any, 0, len(resources))
	for _, entry := range resources {
		block, ok := entry.(map[string]any)
		if !ok {
			kept = append(kept, entry)
			continue
		}

		base := blockBaseAddress(block)
		instances, _ := block["instances"].([]any)

		if len(instances) == 0 {
			if wanted[base] {
				matched = true
				continue
			}
			kept = append(kept, entry)
			continue
		}

		retained := make([]any, 0, len(instances))
		for _, ie := range instances {
			addr := base
			if inst, ok := ie.(map[string]any); ok {
				addr = instanceAddress(base, inst)
			}
			if wanted[addr] {
				matched = true
				continue
			}
			retained = append(retained, ie)
		}

		if len(retained) == 0 {
			matched = true
			continue
		}
		block["instances"] = retained
		kept = append(kept, block)
	}

	if !matched {
		return nil, &MutationError{Reason: "none of the requested addresses matched"}
	}

	doc["resources"] = kept
	return json.Marshal(doc)
}

// MoveAddress rewrites the address of the first resource block whose
// effective address equals source. Index-key suffixes cannot be moved
// independently, so both addresses are normalized to their base form.
func MoveAddress(raw []byte, source, destination string) ([]byte, error) {
	doc, resources, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}

	src := stripIndexSuffix(source)
	dst := stripIndexSuffix(destination)

	for _, entry := range resources {
		block, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if blockBaseAddress(block) == src {
			block["address"] = dst
			doc["resources"] = resources
			return json.Marshal(doc)
		}
	}
	return nil, &MutationError{Reason: "source not found"}
}

func decodeDocument(raw []byte) (map[string]any, []any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, &ParseError{Err: err}
	}
	resources, _ := doc["resources"].([]any)
	return doc, resources, nil
}

// blockBaseAddress computes the effective base address of a raw
// resource block. An explicit address field is authoritative.
func blockBaseAddress(block map[string]any) string {
	if addr, ok := block["address"].(string); ok && addr != "" {
		return addr
	}
	module, _ := block["module"].(string)
	mode, _ := block["mode"].(string)
	if mode == "" {
		mode = "managed"
	}
	typ, _ := block["type"].(string)
	if typ == "" {
		typ = "unknown"
	}
	name, _ := block["name"].(string)
	if name == "" {
		name = "unnamed"
	}
	return ComposeAddress(module, mode, typ, name)
}

// instanceAddress appends the bracketed index key unless the base
// already carries it.
func instanceAddress(base string, inst map[string]any) string {
	key, ok := formatIndexKey(inst["index_key"])
	if !ok {
		return base
	}
	suffix := "[" + key + "]"
	if strings.HasSuffix(base, suffix) {
		return base
	}
	return base + suffix
}

func stripIndexSuffix(addr string) string {
	if i := strings.IndexByte(addr, '['); i >= 0 {
		return addr[:i]
	}
	return addr
}
