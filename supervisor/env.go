package supervisor

import (
	"runtime"
	"sort"
	"strings"
)

// MergeEnv returns base with the overrides applied. Existing keys are replaced in place,
// new keys are appended in sorted order.
func MergeEnv(base []string, overrides map[string]string) []string {
	sameKey := func(a, b string) bool { return a == b }
	if runtime.GOOS == "windows" {
		sameKey = strings.EqualFold
	}

	applied := map[string]bool{}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		replaced := false
		for ok, ov := range overrides {
			if sameKey(k, ok) {
				if !applied[ok] {
					env = append(env, ok+"="+ov)
					applied[ok] = true
				}
				replaced = true
				break
			}
		}
		if !replaced {
			env = append(env, kv)
		}
	}

	var added []string
	for k := range overrides {
		if !applied[k] {
			added = append(added, k)
		}
	}
	sort.Strings(added)
	for _, k := range added {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
