package gnmisub

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openconfig/gnmi/proto/gnmi"
)

// parsePath parses a string path such as /alerts/alert[site=north] into a
// gNMI Path.
func parsePath(path string) (*gnmi.Path, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("path is empty")
	}
	parts := strings.Split(trimmed, "/")
	elems := make([]*gnmi.PathElem, 0, len(parts))
	for _, part := range parts {
		name, keys, err := parsePathElem(part)
		if err != nil {
			return nil, err
		}
		elems = append(elems, &gnmi.PathElem{Name: name, Key: keys})
	}
	return &gnmi.Path{Elem: elems}, nil
}

// parsePathElem parses a path element with optional keys
func parsePathElem(segment string) (string, map[string]string, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "", nil, fmt.Errorf("path segment empty")
	}
	name := segment
	keys := map[string]string{}
	for {
		open := strings.Index(name, "[")
		if open == -1 {
			break
		}
		end := strings.Index(name[open:], "]")
		if end == -1 {
			return "", nil, fmt.Errorf("invalid key selector in %s", segment)
		}
		end += open
		selector := name[open+1 : end]
		name = name[:open] + name[end+1:]
		kv := strings.SplitN(selector, "=", 2)
		if len(kv) != 2 {
			return "", nil, fmt.Errorf("invalid key selector %s", selector)
		}
		keys[kv[0]] = kv[1]
	}
	if len(keys) == 0 {
		keys = nil
	}
	return name, keys, nil
}

// pathToString converts a gNMI Path to string representation
func pathToString(path *gnmi.Path) string {
	if path == nil {
		return ""
	}
	var b strings.Builder
	for _, elem := range path.Elem {
		b.WriteString("/")
		b.WriteString(elem.Name)
		if len(elem.Key) > 0 {
			keys := make([]string, 0, len(elem.Key))
			for k := range elem.Key {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				b.WriteString("[")
				b.WriteString(k)
				b.WriteString("=")
				b.WriteString(elem.Key[k])
				b.WriteString("]")
			}
		}
	}
	return b.String()
}

// typedValueBytes extracts a JSON document from a gNMI TypedValue. Alerts
// are JSON objects, so scalar encodings other than strings are ignored.
func typedValueBytes(value *gnmi.TypedValue) []byte {
	if value == nil {
		return nil
	}
	switch v := value.Value.(type) {
	case *gnmi.TypedValue_JsonVal:
		return v.JsonVal
	case *gnmi.TypedValue_JsonIetfVal:
		return v.JsonIetfVal
	case *gnmi.TypedValue_StringVal:
		return []byte(v.StringVal)
	case *gnmi.TypedValue_AsciiVal:
		return []byte(v.AsciiVal)
	case *gnmi.TypedValue_BytesVal:
		return v.BytesVal
	default:
		return nil
	}
}
