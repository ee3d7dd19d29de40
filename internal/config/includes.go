package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// resolveIncludes loads the plan at path together with its include
// chain and returns the merged document. Included documents merge in
// order, the including document last, so later values win.
func resolveIncludes(path string) (map[string]any, []string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve plan path: %w", err)
	}
	return resolvePlanDoc(absPath, nil)
}

func resolvePlanDoc(path string, stack []string) (map[string]any, []string, error) {
	for i, p := range stack {
		if p == path {
			cycle := append(append([]string{}, stack[i:]...), path)
			return nil, nil, fmt.Errorf("detected include cycle: %s", strings.Join(cycle, " -> "))
		}
	}
	stack = append(stack, path)

	doc, includes, err := loadPlanDocument(path)
	if err != nil {
		return nil, nil, err
	}

	merged := make(map[string]any)
	for _, ref := range includes {
		includePath, err := resolvePlanPath(path, ref)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: include %q: %w", path, ref, err)
		}
		childDoc, _, err := resolvePlanDoc(includePath, stack)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: include %q: %w", path, ref, err)
		}
		merged = mergeDocs(merged, childDoc)
	}
	return mergeDocs(merged, doc), includes, nil
}

func loadPlanDocument(path string) (map[string]any, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open plan file: %w", err)
	}
	defer f.Close()

	var raw map[string]any
	if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("%s: decode: %w", path, err)
	}
	if raw == nil {
		raw = make(map[string]any)
	}

	includes, err := extractIncludes(path, raw)
	if err != nil {
		return nil, nil, err
	}
	delete(raw, "includes")

	for key, value := range raw {
		raw[key] = expandRecursive(value)
	}
	return raw, includes, nil
}

func extractIncludes(path string, raw map[string]any) ([]string, error) {
	value, ok := raw["includes"]
	if !ok || value == nil {
		return nil, nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: includes must be a list of strings", path)
	}
	includes := make([]string, len(list))
	for i, entry := range list {
		s, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("%s: includes[%d] must be a string", path, i)
		}
		includes[i] = expandEnvWithDefault(s)
	}
	if len(includes) == 0 {
		return nil, nil
	}
	return includes, nil
}

func resolvePlanPath(parent, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("include path is empty")
	}
	if strings.Contains(ref, "://") {
		return "", fmt.Errorf("remote include %q is not supported", ref)
	}
	if filepath.IsAbs(ref) {
		return filepath.Clean(ref), nil
	}
	abs, err := filepath.Abs(filepath.Join(filepath.Dir(parent), ref))
	if err != nil {
		return "", fmt.Errorf("resolve include path: %w", err)
	}
	return abs, nil
}

// mergeDocs deep-merges src onto dst. Maps merge recursively; any
// other value in src replaces the value in dst.
func mergeDocs(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		srcMap, srcIsMap := src[key].(map[string]any)
		if srcIsMap {
			dstMap, _ := dst[key].(map[string]any)
			dst[key] = mergeDocs(dstMap, srcMap)
			continue
		}
		dst[key] = src[key]
	}
	return dst
}

func expandRecursive(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		for key, v := range typed {
			typed[key] = expandRecursive(v)
		}
		return typed
	case []any:
		for i, v := range typed {
			typed[i] = expandRecursive(v)
		}
		return typed
	case string:
		return expandEnvWithDefault(typed)
	default:
		return value
	}
}

// expandEnvWithDefault substitutes ${VAR} and ${VAR:-default} forms.
// Unset variables without a default expand to the empty string.
func expandEnvWithDefault(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}
