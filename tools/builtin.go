package tools

import (
	"fmt"
	"strconv"
	"strings"
)

// Tool names understood by the dispatcher.
const (
	GeocodeAddress = "geocode_address"
	SearchPlaces   = "search_places"
	GetDirections  = "get_directions"
	WebSearch      = "web_search"
)

// Tool binds a function declaration to a backend path.
type Tool struct {
	Name        string
	Description string
	Path        string
	Schema      map[string]any

	// normalize maps loosely typed model arguments to the backend body.
	normalize func(args map[string]any) map[string]any
}

// aliases maps accepted argument spellings to the canonical key.
var aliases = map[string]string{
	"radius_meters": "radiusMeters",
	"radius":        "radiusMeters",
	"max_results":   "maxResults",
	"limit":         "maxResults",
	"travel_mode":   "mode",
	"travelMode":    "mode",
}

// numericKeys are coerced from strings to numbers.
var numericKeys = map[string]bool{
	"radiusMeters": true,
	"maxResults":   true,
}

// Builtin returns the tool set backed by the collaborator endpoints, in
// declaration order.
func Builtin() []*Tool {
	return []*Tool{
		{
			Name:        GeocodeAddress,
			Description: "Convert a street address or place name into coordinates and a formatted address.",
			Path:        "/api/geocode",
			Schema: object(map[string]any{
				"address": str("The address or place name to geocode."),
			}, "address"),
			normalize: pick("address"),
		},
		{
			Name:        SearchPlaces,
			Description: "Search for places such as restaurants, shops or landmarks, optionally near a location.",
			Path:        "/api/places",
			Schema: object(map[string]any{
				"query":        str("What to search for, e.g. 'coffee shops'."),
				"location":     str("Optional center: a place name or 'lat,lng'."),
				"radiusMeters": bounded("number", "Optional search radius in meters.", 1, 50000),
				"maxResults":   bounded("integer", "Optional maximum number of places to return.", 1, 20),
			}, "query"),
			normalize: pick("query", "location", "radiusMeters", "maxResults"),
		},
		{
			Name:        GetDirections,
			Description: "Get a route between two places with distance, duration and step-by-step directions.",
			Path:        "/api/directions",
			Schema: object(map[string]any{
				"origin":      str("Where the route starts."),
				"destination": str("Where the route ends."),
				"mode": map[string]any{
					"type":        "string",
					"description": "Optional travel mode.",
					"enum":        []any{"driving", "walking", "bicycling", "transit"},
				},
			}, "origin", "destination"),
			normalize: pick("origin", "destination", "mode"),
		},
		{
			Name:        WebSearch,
			Description: "Search the web for current information.",
			Path:        "/api/search",
			Schema: object(map[string]any{
				"query":      str("The search query."),
				"maxResults": bounded("integer", "Optional maximum number of results.", 1, 20),
			}, "query"),
			normalize: pick("query", "maxResults"),
		},
	}
}

// Normalize applies the tool's argument normalization.
func (t *Tool) Normalize(args map[string]any) map[string]any {
	if t.normalize == nil {
		return canonical(args)
	}
	return t.normalize(args)
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

func str(description string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
		"minLength":   1,
	}
}

func bounded(typ, description string, lo, hi float64) map[string]any {
	return map[string]any{
		"type":        typ,
		"description": description,
		"minimum":     lo,
		"maximum":     hi,
	}
}

// pick canonicalizes args and keeps only keys. Empty optional values are dropped.
func pick(keys ...string) func(map[string]any) map[string]any {
	return func(args map[string]any) map[string]any {
		all := canonical(args)
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			if v, ok := all[k]; ok {
				out[k] = v
			}
		}
		return out
	}
}

// canonical renames aliased keys, trims strings, coerces numeric strings,
// flattens coordinate objects and lowercases the travel mode. A key given
// in canonical form wins over its alias.
func canonical(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if alias, ok := aliases[k]; ok {
			if _, exists := args[alias]; exists {
				continue
			}
			k = alias
		}
		out[k] = v
	}

	for k, v := range out {
		switch val := v.(type) {
		case string:
			val = strings.TrimSpace(val)
			if val == "" {
				delete(out, k)
				continue
			}
			if numericKeys[k] {
				if n, err := strconv.ParseFloat(val, 64); err == nil {
					out[k] = n
					continue
				}
			}
			if k == "mode" {
				val = strings.ToLower(val)
			}
			out[k] = val
		case map[string]any:
			if k == "location" {
				if s, ok := latLng(val); ok {
					out[k] = s
				}
			}
		case nil:
			delete(out, k)
		}
	}
	return out
}

// latLng renders {lat,lng} or {latitude,longitude} as "lat,lng".
func latLng(m map[string]any) (string, bool) {
	lat, okLat := number(m, "lat", "latitude")
	lng, okLng := number(m, "lng", "longitude", "lon")
	if !okLat || !okLng {
		return "", false
	}
	return fmt.Sprintf("%s,%s",
		strconv.FormatFloat(lat, 'f', -1, 64),
		strconv.FormatFloat(lng, 'f', -1, 64)), true
}

func number(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
