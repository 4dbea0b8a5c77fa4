package execute

// MergeValues deep-merges src into dst and returns the result. Mappings merge
// key by key, sequences are appended unless replace is set, and any other
// value from src overwrites dst. dst is modified in place when it is a mapping.
func MergeValues(dst, src interface{}, replace bool) interface{} {
	switch s := src.(type) {
	case map[string]interface{}:
		d, ok := dst.(map[string]interface{})
		if !ok || d == nil {
			d = make(map[string]interface{}, len(s))
		}
		for k, v := range s {
			d[k] = MergeValues(d[k], v, replace)
		}
		return d
	case []interface{}:
		d, ok := dst.([]interface{})
		if !ok || replace {
			return append([]interface{}(nil), s...)
		}
		return append(d, s...)
	case nil:
		return dst
	default:
		return src
	}
}
