package state

import "fmt"

// migration is a pure function doc -> doc raising schema_version by
// exactly one step. Documents are
// represented as map[string]interface{} (raw JSON) so a migration can
// add, rename, or restructure fields without a typed intermediate.
type migration func(doc map[string]interface{}) map[string]interface{}

// migrations[i] migrates from version i+1 to i+2 (migrations[0] takes
// v1 -> v2, migrations[1] takes v2 -> v3, ...). Historical versions:
//
//   v1: {schema_version, active_index, keys: {label: {request_count, error_count, last_used_at}}}
//       no rotation cursor, no auto-rotate flag, a single undifferentiated
//       error_count per key instead of per-status counters.
//   v2: adds rotation_index (default 0) and auto_rotate (default true);
//       splits error_count into err_401/err_403/err_429/err_5xx, folding
//       the old undifferentiated count into err_5xx since that was the
//       dominant failure mode in the source format.
//   v3: adds blocked_until/blocked_reason/exhausted_until per key (absent
//       keys default to unset) and top-level last_health_refresh_at.
var migrations = []migration{
	migrateV1ToV2,
	migrateV2ToV3,
}

func migrateV1ToV2(doc map[string]interface{}) map[string]interface{} {
	doc["schema_version"] = 2
	if _, ok := doc["rotation_index"]; !ok {
		doc["rotation_index"] = float64(0)
	}
	if _, ok := doc["auto_rotate"]; !ok {
		doc["auto_rotate"] = true
	}
	keys, _ := doc["keys"].(map[string]interface{})
	for label, raw := range keys {
		ks, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		var legacyCount float64
		if v, ok := ks["error_count"]; ok {
			if f, ok := v.(float64); ok {
				legacyCount = f
			}
		}
		delete(ks, "error_count")
		ks["err_401"] = float64(0)
		ks["err_403"] = float64(0)
		ks["err_429"] = float64(0)
		ks["err_5xx"] = legacyCount
		keys[label] = ks
	}
	return doc
}

func migrateV2ToV3(doc map[string]interface{}) map[string]interface{} {
	doc["schema_version"] = 3
	if _, ok := doc["last_health_refresh_at"]; !ok {
		doc["last_health_refresh_at"] = nil
	}
	keys, _ := doc["keys"].(map[string]interface{})
	for label, raw := range keys {
		ks, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		for _, field := range []string{"blocked_until", "blocked_reason", "exhausted_until"} {
			if _, ok := ks[field]; !ok {
				ks[field] = nil
			}
		}
		keys[label] = ks
	}
	return doc
}

// migrateToCurrent applies every migration step needed to bring doc
// from its declared schema_version up to CurrentSchemaVersion. It
// fails if doc declares a version newer than this build understands.
func migrateToCurrent(doc map[string]interface{}) (map[string]interface{}, error) {
	version := 1
	if v, ok := doc["schema_version"]; ok {
		switch n := v.(type) {
		case float64:
			version = int(n)
		case int:
			version = n
		}
	}

	if version > CurrentSchemaVersion {
		return nil, fmt.Errorf("state: document schema_version %d is newer than this build supports (%d)", version, CurrentSchemaVersion)
	}

	for version < CurrentSchemaVersion {
		step := migrations[version-1]
		doc = step(doc)
		version++
	}
	return doc, nil
}
